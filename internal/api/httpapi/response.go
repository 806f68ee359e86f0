package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"

	"github.com/aminovpavel/meshtopo/internal/grouping"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/refresh"
	"github.com/aminovpavel/meshtopo/internal/route"
	"github.com/aminovpavel/meshtopo/internal/topology"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors: bad arguments are 400, a store without hop
// facts is 501, an unreachable or too slow store is 503, anything else 500.
func statusFor(err error) int {
	var pe *paramError
	switch {
	case errors.As(err, &pe), errors.Is(err, linkstore.ErrSameNode):
		return http.StatusBadRequest
	case errors.Is(err, linkstore.ErrNoHopSource):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, refresh.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

type groupDTO struct {
	MeshPacketID     uint32     `json:"mesh_packet_id"`
	FromNodeID       uint32     `json:"from_node_id"`
	FromNode         string     `json:"from_node"`
	ToNodeID         uint32     `json:"to_node_id"`
	ToNode           string     `json:"to_node"`
	PortNum          int32      `json:"portnum"`
	PortName         string     `json:"portnum_name"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	GatewayCount     int        `json:"gateway_count"`
	Gateways         []string   `json:"gateways"`
	ReceptionCount   int        `json:"reception_count"`
	MinRSSI          *int32     `json:"min_rssi"`
	MaxRSSI          *int32     `json:"max_rssi"`
	MinSNR           *float64   `json:"min_snr"`
	MaxSNR           *float64   `json:"max_snr"`
	HopRange         string     `json:"hop_range"`
	RSSIRange        string     `json:"rssi_range"`
	SNRRange         string     `json:"snr_range"`
	AvgPayloadLength float64    `json:"avg_payload_length"`
	Processed        bool       `json:"processed_successfully"`
}

type groupPageDTO struct {
	Groups    []groupDTO         `json:"groups"`
	Total     int                `json:"total"`
	TotalKind grouping.TotalKind `json:"total_kind"`
	Offset    int                `json:"offset"`
	Limit     int                `json:"limit"`
	HasMore   bool               `json:"has_more"`
	Partial   bool               `json:"partial"`
	Scanned   int                `json:"scanned"`
}

func newGroupPage(p grouping.Page) groupPageDTO {
	out := groupPageDTO{
		Groups:    make([]groupDTO, 0, len(p.Groups)),
		Total:     p.Total,
		TotalKind: p.TotalKind,
		Offset:    p.Offset,
		Limit:     p.Limit,
		HasMore:   p.HasMore,
		Partial:   p.Partial,
		Scanned:   p.Scanned,
	}
	for _, g := range p.Groups {
		out.Groups = append(out.Groups, groupDTO{
			MeshPacketID:     g.Key.MeshPacketID,
			FromNodeID:       uint32(g.Key.From),
			FromNode:         g.Key.From.String(),
			ToNodeID:         uint32(g.Key.To),
			ToNode:           g.Key.To.String(),
			PortNum:          int32(g.Key.PortNum),
			PortName:         g.Key.PortNum.String(),
			Timestamp:        timePtr(g.Timestamp),
			GatewayCount:     g.GatewayCount,
			Gateways:         g.Gateways,
			ReceptionCount:   g.ReceptionCount(),
			MinRSSI:          g.MinRSSI,
			MaxRSSI:          g.MaxRSSI,
			MinSNR:           g.MinSNR,
			MaxSNR:           g.MaxSNR,
			HopRange:         g.HopRange(),
			RSSIRange:        g.RSSIRange(),
			SNRRange:         g.SNRRange(),
			AvgPayloadLength: g.AvgPayloadLength,
			Processed:        g.Processed,
		})
	}
	return out
}

type locationDTO struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt *int32  `json:"alt,omitempty"`
}

type nodeDTO struct {
	ID              uint32       `json:"id"`
	HexID           string       `json:"hex_id"`
	Name            string       `json:"name"`
	PacketCount     int          `json:"packet_count"`
	AvgSNR          *float64     `json:"avg_snr"`
	ConnectionCount int          `json:"connection_count"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
	Location        *locationDTO `json:"location,omitempty"`
	Size            float64      `json:"size"`
}

type linkDTO struct {
	Source           uint32            `json:"source"`
	Target           uint32            `json:"target"`
	Type             topology.LinkType `json:"type"`
	AvgSNR           *float64          `json:"avg_snr"`
	ObservationCount int               `json:"observation_count"`
	LastSeen         *time.Time        `json:"last_seen,omitempty"`
	LastPacketID     int64             `json:"last_packet_id"`
	HopCount         int               `json:"hop_count"`
	PathCount        int               `json:"path_count,omitempty"`
	DistanceKm       *float64          `json:"distance_km"`
	Strength         float64           `json:"strength"`
}

type graphDTO struct {
	Nodes   []nodeDTO      `json:"nodes"`
	Links   []linkDTO      `json:"links"`
	Stats   topology.Stats `json:"stats"`
	Partial bool           `json:"partial"`
}

func newGraph(g topology.Graph) graphDTO {
	out := graphDTO{
		Nodes:   make([]nodeDTO, 0, len(g.Nodes)),
		Links:   make([]linkDTO, 0, len(g.Links)),
		Stats:   g.Stats,
		Partial: g.Partial,
	}
	for _, n := range g.Nodes {
		node := nodeDTO{
			ID:              uint32(n.ID),
			HexID:           n.ID.String(),
			Name:            n.DisplayName,
			PacketCount:     n.PacketCount,
			AvgSNR:          n.AvgSNR,
			ConnectionCount: n.ConnectionCount,
			LastSeen:        timePtr(n.LastSeen),
			Size:            n.Size,
		}
		if n.Location != nil {
			node.Location = &locationDTO{Lat: n.Location.Lat, Lon: n.Location.Lon, Alt: n.Location.Alt}
		}
		out.Nodes = append(out.Nodes, node)
	}
	for _, l := range g.Links {
		out.Links = append(out.Links, linkDTO{
			Source:           uint32(l.Key.A),
			Target:           uint32(l.Key.B),
			Type:             l.Type,
			AvgSNR:           l.AvgSNR,
			ObservationCount: l.ObservationCount,
			LastSeen:         timePtr(l.LastSeen),
			LastPacketID:     l.LastPacketID,
			HopCount:         l.HopCount,
			PathCount:        l.PathCount,
			DistanceKm:       l.DistanceKm,
			Strength:         l.Strength,
		})
	}
	return out
}

type rankedLinkDTO struct {
	FromNodeID       uint32       `json:"from_node_id"`
	ToNodeID         uint32       `json:"to_node_id"`
	FromName         string       `json:"from_name"`
	ToName           string       `json:"to_name"`
	ObservationCount int          `json:"observation_count"`
	AvgSNR           float64      `json:"avg_snr"`
	MinSNR           float64      `json:"min_snr"`
	MaxSNR           float64      `json:"max_snr"`
	FirstSeen        *time.Time   `json:"first_seen,omitempty"`
	LastSeen         *time.Time   `json:"last_seen,omitempty"`
	LastSeenAgo      string       `json:"last_seen_ago,omitempty"`
	LastPacketID     int64        `json:"last_packet_id"`
	DistanceKm       *float64     `json:"distance_km"`
	FromLocation     *locationDTO `json:"from_location,omitempty"`
	ToLocation       *locationDTO `json:"to_location,omitempty"`
}

type rankedLinksDTO struct {
	Links       []rankedLinkDTO `json:"links"`
	Count       int             `json:"count"`
	WindowStart *time.Time      `json:"window_start,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	SnapshotAge string          `json:"snapshot_age,omitempty"`
}

func newRankedLinks(links []linkstore.RankedLink, snap *linkstore.Snapshot, now time.Time) rankedLinksDTO {
	out := rankedLinksDTO{
		Links: make([]rankedLinkDTO, 0, len(links)),
		Count: len(links),
	}
	if snap != nil {
		out.WindowStart = timePtr(snap.WindowStart)
		out.PublishedAt = timePtr(snap.PublishedAt)
		if !snap.PublishedAt.IsZero() {
			out.SnapshotAge = humanize.RelTime(snap.PublishedAt, now, "ago", "from now")
		}
	}
	for _, l := range links {
		dto := rankedLinkDTO{
			FromNodeID:       uint32(l.Key.A),
			ToNodeID:         uint32(l.Key.B),
			FromName:         l.FromName,
			ToName:           l.ToName,
			ObservationCount: l.ObservationCount,
			AvgSNR:           l.AvgSNR,
			MinSNR:           l.MinSNR,
			MaxSNR:           l.MaxSNR,
			FirstSeen:        timePtr(l.FirstSeen),
			LastSeen:         timePtr(l.LastSeen),
			LastPacketID:     l.LastPacketID,
			DistanceKm:       l.DistanceKm,
			FromLocation:     positionDTO(l.FromPosition),
			ToLocation:       positionDTO(l.ToPosition),
		}
		if !l.LastSeen.IsZero() {
			dto.LastSeenAgo = humanize.RelTime(l.LastSeen, now, "ago", "from now")
		}
		out.Links = append(out.Links, dto)
	}
	return out
}

func positionDTO(p *mesh.Position) *locationDTO {
	if p == nil {
		return nil
	}
	return &locationDTO{Lat: p.Latitude, Lon: p.Longitude, Alt: p.Altitude}
}

type observationDTO struct {
	PacketID     int64      `json:"packet_id"`
	MeshPacketID uint32     `json:"mesh_packet_id"`
	GatewayID    string     `json:"gateway_id,omitempty"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Direction    string     `json:"direction"`
	HopIndex     int        `json:"hop_index"`
	SNR          *float64   `json:"snr"`
	ReceivedAt   *time.Time `json:"received_at,omitempty"`
}

type directionDTO struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Count  int      `json:"count"`
	AvgSNR *float64 `json:"avg_snr"`
	MinSNR *float64 `json:"min_snr"`
	MaxSNR *float64 `json:"max_snr"`
}

type linkDetailDTO struct {
	NodeA        string           `json:"node_a"`
	NodeB        string           `json:"node_b"`
	NameA        string           `json:"name_a"`
	NameB        string           `json:"name_b"`
	LocationA    *locationDTO     `json:"location_a,omitempty"`
	LocationB    *locationDTO     `json:"location_b,omitempty"`
	DistanceKm   *float64         `json:"distance_km"`
	Hours        int              `json:"hours"`
	Aggregate    *rankedLinkDTO   `json:"aggregate,omitempty"`
	AToB         directionDTO     `json:"a_to_b"`
	BToA         directionDTO     `json:"b_to_a"`
	Observations []observationDTO `json:"observations"`
}

func newDirection(st linkstore.DirectionStats) directionDTO {
	return directionDTO{
		From:   st.From.String(),
		To:     st.To.String(),
		Count:  st.Count,
		AvgSNR: st.AvgSNR,
		MinSNR: st.MinSNR,
		MaxSNR: st.MaxSNR,
	}
}

func newLinkDetail(d linkstore.LinkDetail, hours int) linkDetailDTO {
	out := linkDetailDTO{
		NodeA:        d.Key.A.String(),
		NodeB:        d.Key.B.String(),
		NameA:        d.AName,
		NameB:        d.BName,
		LocationA:    positionDTO(d.APosition),
		LocationB:    positionDTO(d.BPosition),
		DistanceKm:   d.DistanceKm,
		Hours:        hours,
		AToB:         newDirection(d.AToB),
		BToA:         newDirection(d.BToA),
		Observations: make([]observationDTO, 0, len(d.Observations)),
	}
	if d.Aggregate != nil {
		out.Aggregate = &rankedLinkDTO{
			FromNodeID:       uint32(d.Key.A),
			ToNodeID:         uint32(d.Key.B),
			FromName:         d.AName,
			ToName:           d.BName,
			ObservationCount: d.Aggregate.ObservationCount,
			AvgSNR:           d.Aggregate.AvgSNR,
			MinSNR:           d.Aggregate.MinSNR,
			MaxSNR:           d.Aggregate.MaxSNR,
			FirstSeen:        timePtr(d.Aggregate.FirstSeen),
			LastSeen:         timePtr(d.Aggregate.LastSeen),
			LastPacketID:     d.Aggregate.LastPacketID,
			DistanceKm:       d.DistanceKm,
		}
	}
	for _, o := range d.Observations {
		out.Observations = append(out.Observations, observationDTO{
			PacketID:     o.PacketID,
			MeshPacketID: o.MeshPacketID,
			GatewayID:    o.GatewayID,
			From:         o.From.String(),
			To:           o.To.String(),
			Direction:    o.Direction,
			HopIndex:     o.HopIndex,
			SNR:          o.SNR,
			ReceivedAt:   timePtr(o.ReceivedAt),
		})
	}
	return out
}

type neighborDTO struct {
	ID               uint32       `json:"id"`
	HexID            string       `json:"hex_id"`
	Name             string       `json:"name"`
	Location         *locationDTO `json:"location,omitempty"`
	DistanceKm       *float64     `json:"distance_km"`
	ObservationCount int          `json:"observation_count"`
	AvgSNR           float64      `json:"avg_snr"`
	LastSeen         *time.Time   `json:"last_seen,omitempty"`
	LastSeenAgo      string       `json:"last_seen_ago,omitempty"`
}

type neighborsDTO struct {
	Node      string        `json:"node"`
	Neighbors []neighborDTO `json:"neighbors"`
	Count     int           `json:"count"`
}

func newNeighbors(id mesh.NodeID, neighbors []linkstore.Neighbor, now time.Time) neighborsDTO {
	out := neighborsDTO{
		Node:      id.String(),
		Neighbors: make([]neighborDTO, 0, len(neighbors)),
		Count:     len(neighbors),
	}
	for _, n := range neighbors {
		dto := neighborDTO{
			ID:               uint32(n.ID),
			HexID:            n.ID.String(),
			Name:             n.Name,
			Location:         positionDTO(n.Position),
			DistanceKm:       n.DistanceKm,
			ObservationCount: n.ObservationCount,
			AvgSNR:           n.AvgSNR,
			LastSeen:         timePtr(n.LastSeen),
		}
		if !n.LastSeen.IsZero() {
			dto.LastSeenAgo = humanize.RelTime(n.LastSeen, now, "ago", "from now")
		}
		out.Neighbors = append(out.Neighbors, dto)
	}
	return out
}

type rankedPathDTO struct {
	Source       string     `json:"source"`
	Dest         string     `json:"dest"`
	Nodes        []string   `json:"nodes"`
	Names        []string   `json:"names"`
	HopCount     int        `json:"hop_count"`
	RouteCount   int        `json:"route_count"`
	VariantCount int        `json:"variant_count"`
	DistanceKm   *float64   `json:"distance_km"`
	DirectKm     *float64   `json:"direct_km"`
	BestSNR      *float64   `json:"best_snr"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

type rankedPathsDTO struct {
	Paths []rankedPathDTO `json:"paths"`
	Count int             `json:"count"`
}

func newRankedPaths(paths []linkstore.RankedPath) rankedPathsDTO {
	out := rankedPathsDTO{Paths: make([]rankedPathDTO, 0, len(paths)), Count: len(paths)}
	for _, p := range paths {
		out.Paths = append(out.Paths, rankedPathDTO{
			Source:       p.Source.String(),
			Dest:         p.Dest.String(),
			Nodes:        nodeStrings(p.Nodes),
			Names:        p.Names,
			HopCount:     p.HopCount,
			RouteCount:   p.RouteCount,
			VariantCount: p.VariantCount,
			DistanceKm:   p.DistanceKm,
			DirectKm:     p.DirectKm,
			BestSNR:      p.BestSNR,
			LastSeen:     timePtr(p.LastSeen),
		})
	}
	return out
}

type patternDTO struct {
	Nodes    []string   `json:"nodes"`
	Names    []string   `json:"names"`
	HopCount int        `json:"hop_count"`
	Count    int        `json:"count"`
	BestSNR  *float64   `json:"best_snr"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type patternsDTO struct {
	Patterns []patternDTO `json:"patterns"`
	Count    int          `json:"count"`
}

func newPatterns(patterns []linkstore.Pattern) patternsDTO {
	out := patternsDTO{Patterns: make([]patternDTO, 0, len(patterns)), Count: len(patterns)}
	for _, p := range patterns {
		out.Patterns = append(out.Patterns, patternDTO{
			Nodes:    nodeStrings(p.Nodes),
			Names:    p.Names,
			HopCount: p.Hops(),
			Count:    p.Count,
			BestSNR:  p.BestSNR,
			LastSeen: timePtr(p.LastSeen),
		})
	}
	return out
}

type hopDTO struct {
	Index int      `json:"index"`
	From  string   `json:"from"`
	To    string   `json:"to"`
	SNR   *float64 `json:"snr"`
}

type pathDTO struct {
	Direction route.Direction `json:"direction"`
	Nodes     []string        `json:"nodes"`
	Complete  bool            `json:"complete"`
	Hops      []hopDTO        `json:"hops"`
}

type decodedRouteDTO struct {
	Forward    []string  `json:"forward"`
	ForwardSNR []float64 `json:"forward_snr"`
	Return     []string  `json:"return"`
	ReturnSNR  []float64 `json:"return_snr"`
	Empty      bool      `json:"empty"`
	Paths      []pathDTO `json:"paths,omitempty"`
}

func newDecodedRoute(parsed route.ParsedRoute, paths []route.Path) decodedRouteDTO {
	out := decodedRouteDTO{
		Forward:    nodeStrings(parsed.Forward),
		ForwardSNR: nonNil(parsed.ForwardSNR),
		Return:     nodeStrings(parsed.Return),
		ReturnSNR:  nonNil(parsed.ReturnSNR),
		Empty:      parsed.Empty(),
	}
	for _, p := range paths {
		dto := pathDTO{Direction: p.Direction, Nodes: nodeStrings(p.Nodes), Complete: p.Complete}
		for _, h := range p.Hops {
			dto.Hops = append(dto.Hops, hopDTO{Index: h.Index, From: h.From.String(), To: h.To.String(), SNR: h.SNR})
		}
		out.Paths = append(out.Paths, dto)
	}
	return out
}

func nodeStrings(ids []mesh.NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

type refreshStatusDTO struct {
	State        string     `json:"state"`
	RunID        string     `json:"run_id,omitempty"`
	LastRunID    string     `json:"last_run_id,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	Runs         int        `json:"runs"`
	Failures     int        `json:"failures"`
}

type refreshResponseDTO struct {
	Started bool             `json:"started"`
	Status  refreshStatusDTO `json:"status"`
}

func newRefreshStatus(st refresh.Status) refreshStatusDTO {
	out := refreshStatusDTO{
		State:       st.State.String(),
		RunID:       st.RunID,
		LastRunID:   st.LastRunID,
		LastSuccess: timePtr(st.LastSuccess),
		LastAttempt: timePtr(st.LastAttempt),
		LastError:   st.LastError,
		Runs:        st.Runs,
		Failures:    st.Failures,
	}
	if st.LastDuration > 0 {
		out.LastDuration = st.LastDuration.String()
	}
	return out
}
