package httpapi

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/aminovpavel/meshtopo/internal/grouping"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/route"
	"github.com/aminovpavel/meshtopo/internal/topology"
)

// Map endpoint bounds.
const (
	mapMinHours          = 1
	mapMaxHours          = 168
	mapDefaultHours      = 24
	mapMinDistanceKm     = 0.1
	mapMinSNR            = -50.0
	mapMaxResults        = 1000
	longestDefaultLimit  = 100
	longestMaxLimit      = 1000
	detailDefaultLimit   = 200
	detailMaxLimit       = 1000
	pathsDefaultLimit    = 100
	patternsDefaultLimit = 50
	patternsMaxLimit     = 500
)

var errNotConfigured = errors.New("endpoint not configured")

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if s.deps.Groups == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	q := grouping.Query{
		Filter: grouping.Filter{
			Start:              p.time("start"),
			End:                p.time("end"),
			GatewayID:          p.raw("gateway_id"),
			From:               p.node("from_node"),
			To:                 p.node("to_node"),
			PortNum:            p.port("portnum"),
			RouteDiscoveryOnly: p.bool("traceroute"),
		},
		RouteNode: p.node("route_node"),
		Offset:    p.nonNegativeInt("offset", 0),
		Limit:     clamp(p.int("limit", 50), 1, s.cfg.MaxPageSize),
	}
	if sortName := p.raw("sort"); sortName != "" {
		key, ok := grouping.ParseSortKey(sortName)
		if !ok {
			p.fail(invalid("sort", "unknown sort key %q", sortName))
		}
		q.Sort = key
		q.Descending = true
	}
	switch strings.ToLower(p.raw("order")) {
	case "":
	case "asc":
		q.Descending = false
	case "desc":
		q.Descending = true
	default:
		p.fail(invalid("order", "must be asc or desc"))
	}
	if !q.Start.IsZero() && !q.End.IsZero() && !q.End.After(q.Start) {
		p.fail(invalid("end", "must be after start"))
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	page, err := s.deps.Groups.Page(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGroupPage(page))
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topology == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	q := topology.Query{
		Hours:           p.nonNegativeInt("hours", s.cfg.TopologyHours),
		MinSNR:          topology.DisableSNRFilter,
		GatewayID:       p.raw("gateway_id"),
		PacketLimit:     p.nonNegativeInt("packet_limit", s.cfg.TopologyPacketLimit),
		IncludeIndirect: p.bool("include_indirect"),
	}
	if minSNR := p.float("min_snr"); minSNR != nil {
		q.MinSNR = *minSNR
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	g, err := s.deps.Topology.Graph(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGraph(g))
}

func (s *Server) handleLongestLinks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Links == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	q := linkstore.Query{
		MinSNR:      p.float("min_snr"),
		MaxResults:  clamp(p.int("max_results", longestDefaultLimit), 1, longestMaxLimit),
		WindowHours: p.nonNegativeInt("hours", 0),
		Order:       linkstore.OrderByCount,
	}
	if minDistance := p.float("min_distance_km"); minDistance != nil {
		if *minDistance < 0 {
			p.fail(invalid("min_distance_km", "must not be negative"))
		}
		q.MinDistanceKm = *minDistance
	}
	switch order := strings.ToLower(p.raw("order")); order {
	case "", string(linkstore.OrderByCount):
	case string(linkstore.OrderByDistance):
		q.Order = linkstore.OrderByDistance
	default:
		p.fail(invalid("order", "must be count or distance"))
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	links, err := s.deps.Links.Rank(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRankedLinks(links, s.deps.Links.Snapshot(), time.Now()))
}

// handleMapLinks serves links plausible enough to draw: known distance at
// least 0.1 km and no longer than the configured ceiling, decent SNR, recent.
func (s *Server) handleMapLinks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Links == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	minSNR := mapMinSNR
	q := linkstore.Query{
		MinDistanceKm: mapMinDistanceKm,
		MinSNR:        &minSNR,
		MaxResults:    mapMaxResults,
		WindowHours:   clamp(p.int("hours", mapDefaultHours), mapMinHours, mapMaxHours),
		Order:         linkstore.OrderByDistance,
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	links, err := s.deps.Links.Rank(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	links = linkstore.PlausibleForMap(links, s.cfg.MapCeilingKm)
	writeJSON(w, http.StatusOK, newRankedLinks(links, s.deps.Links.Snapshot(), time.Now()))
}

// handleDecodeRoute decodes a hex RouteDiscovery payload. With from and to
// it also splices the endpoints into paths.
func (s *Server) handleDecodeRoute(w http.ResponseWriter, r *http.Request) {
	p := newParams(r.URL.Query())
	raw := strings.TrimPrefix(strings.ReplaceAll(p.raw("payload"), " ", ""), "0x")
	from, to := p.node("from"), p.node("to")
	if raw == "" {
		p.fail(invalid("payload", "required"))
	}
	payload, err := hex.DecodeString(raw)
	if err != nil {
		p.fail(invalid("payload", "not hex"))
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	parsed := s.deps.Routes.Decode(payload)
	var paths []route.Path
	if from != nil && to != nil {
		paths = route.Build(route.Envelope{From: *from, To: *to}, parsed)
	}
	writeJSON(w, http.StatusOK, newDecodedRoute(parsed, paths))
}

// handleLinkDetail serves both directions of one link. The pair may be given
// in either order.
func (s *Server) handleLinkDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Explorer == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	vars := mux.Vars(r)
	a, b := p.pathNode(vars, "a"), p.pathNode(vars, "b")
	hours := p.nonNegativeInt("hours", linkstore.DefaultDetailHours)
	limit := clamp(p.int("limit", detailDefaultLimit), 1, detailMaxLimit)
	if p.err == nil && a == b {
		p.fail(invalid("b", "must differ from a"))
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	detail, err := s.deps.Explorer.LinkDetail(r.Context(), a, b, hours, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLinkDetail(detail, hours))
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Explorer == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	id := p.pathNode(mux.Vars(r), "id")
	q := linkstore.Query{
		MinSNR:      p.float("min_snr"),
		MaxResults:  clamp(p.int("max_results", longestDefaultLimit), 1, longestMaxLimit),
		WindowHours: p.nonNegativeInt("hours", 0),
		Order:       linkstore.OrderByCount,
	}
	if minDistance := p.float("min_distance_km"); minDistance != nil {
		if *minDistance < 0 {
			p.fail(invalid("min_distance_km", "must not be negative"))
		}
		q.MinDistanceKm = *minDistance
	}
	switch order := strings.ToLower(p.raw("order")); order {
	case "", string(linkstore.OrderByCount):
	case string(linkstore.OrderByDistance):
		q.Order = linkstore.OrderByDistance
	default:
		p.fail(invalid("order", "must be count or distance"))
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	neighbors, err := s.deps.Explorer.Neighbors(r.Context(), id, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newNeighbors(id, neighbors, time.Now()))
}

// handleLongestPaths ranks source/destination pairs by the summed distance
// of the longest multi-hop route seen between them.
func (s *Server) handleLongestPaths(w http.ResponseWriter, r *http.Request) {
	if s.deps.Explorer == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	q := linkstore.PathQuery{
		MinHops:     p.nonNegativeInt("min_hops", 2),
		MaxResults:  clamp(p.int("max_results", pathsDefaultLimit), 1, longestMaxLimit),
		WindowHours: p.nonNegativeInt("hours", 0),
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	paths, err := s.deps.Explorer.LongestPaths(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRankedPaths(paths))
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Explorer == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	p := newParams(r.URL.Query())
	q := linkstore.PatternQuery{
		Node:        p.node("node"),
		MaxResults:  clamp(p.int("max_results", patternsDefaultLimit), 1, patternsMaxLimit),
		WindowHours: p.nonNegativeInt("hours", 0),
	}
	if p.err != nil {
		s.fail(w, r, p.err)
		return
	}

	patterns, err := s.deps.Explorer.Patterns(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPatterns(patterns))
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresh == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRefreshStatus(s.deps.Refresh.Status()))
}

// handleForceRefresh starts a rebuild: 202 when one was started, 409 when a
// rebuild is already running.
func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresh == nil {
		writeError(w, http.StatusNotImplemented, errNotConfigured.Error())
		return
	}
	started, err := s.deps.Refresh.ForceRefresh()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, refreshResponseDTO{Started: started, Status: newRefreshStatus(s.deps.Refresh.Status())})
}
