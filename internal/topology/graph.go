package topology

import (
	"sort"
	"time"

	"github.com/aminovpavel/meshtopo/internal/geo"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/route"
)

// LinkType separates genuine radio links from multi-hop reachability.
type LinkType string

const (
	Direct   LinkType = "direct"
	Indirect LinkType = "indirect"
)

// Link is one undirected edge of the graph.
type Link struct {
	Key              mesh.LinkKey
	Type             LinkType
	AvgSNR           *float64
	ObservationCount int
	LastSeen         time.Time
	LastPacketID     int64
	HopCount         int
	PathCount        int
	DistanceKm       *float64
	Strength         float64
}

// Location is a node's latest known fix.
type Location struct {
	Lat float64
	Lon float64
	Alt *int32
}

// Node is one graph vertex with its activity aggregates.
type Node struct {
	ID              mesh.NodeID
	DisplayName     string
	PacketCount     int
	AvgSNR          *float64
	ConnectionCount int
	LastSeen        time.Time
	Location        *Location
	Size            float64
}

// Graph is the result of folding many packets.
type Graph struct {
	Nodes   []Node
	Links   []Link
	Stats   Stats
	Partial bool
}

// Packet is one route-discovery packet expanded into paths.
type Packet struct {
	Envelope route.Envelope
	Paths    []route.Path
}

// Options tune a build.
type Options struct {
	// MinSNR drops RF hops below the threshold; DisableSNRFilter keeps all.
	MinSNR          float64
	IncludeIndirect bool
}

type average struct {
	sum float64
	n   int
}

func (a *average) add(v float64) {
	a.sum += v
	a.n++
}

func (a average) value() *float64 {
	if a.n == 0 {
		return nil
	}
	v := a.sum / float64(a.n)
	return &v
}

type linkAccumulator struct {
	snr          average
	count        int
	lastSeen     time.Time
	lastPacketID int64
}

type indirectAccumulator struct {
	snr       average
	hopCount  int
	pathCount int
	lastSeen  time.Time
}

type nodeAccumulator struct {
	neighbors   map[mesh.NodeID]struct{}
	snr         average
	packetCount int
	lastSeen    time.Time
}

// Builder accumulates packets into a graph. It is not safe for concurrent
// use; each request builds its own.
type Builder struct {
	opts     Options
	direct   map[mesh.LinkKey]*linkAccumulator
	indirect map[mesh.LinkKey]*indirectAccumulator
	nodes    map[mesh.NodeID]*nodeAccumulator
	stats    Stats
}

// NewBuilder starts an empty graph.
func NewBuilder(opts Options) *Builder {
	return &Builder{
		opts:     opts,
		direct:   make(map[mesh.LinkKey]*linkAccumulator),
		indirect: make(map[mesh.LinkKey]*indirectAccumulator),
		nodes:    make(map[mesh.NodeID]*nodeAccumulator),
	}
}

// Build folds packets into a graph in one call.
func Build(packets []Packet, opts Options) Graph {
	b := NewBuilder(opts)
	for _, pkt := range packets {
		b.Add(pkt)
	}
	return b.Graph()
}

// Add folds one packet.
func (b *Builder) Add(pkt Packet) {
	b.stats.PacketsAnalyzed++
	seen := pkt.Envelope.Timestamp

	for _, p := range pkt.Paths {
		for _, hop := range p.Hops {
			b.touchNodes(hop, seen)
		}
	}

	hops := RFHops(pkt.Paths, b.opts.MinSNR, &b.stats)
	if len(hops) == 0 {
		return
	}
	b.stats.PacketsWithRFHops++
	b.stats.TotalRFHops += len(hops)

	for _, hop := range hops {
		key := mesh.NewLinkKey(hop.From, hop.To)
		acc, ok := b.direct[key]
		if !ok {
			acc = &linkAccumulator{}
			b.direct[key] = acc
		}
		acc.snr.add(*hop.SNR)
		acc.count++
		if !seen.Before(acc.lastSeen) {
			acc.lastSeen = seen
			acc.lastPacketID = pkt.Envelope.PacketID
		}
	}

	if len(hops) > 1 {
		b.addIndirect(hops, seen)
	}
}

func (b *Builder) addIndirect(hops []route.Hop, seen time.Time) {
	first, last := hops[0].From, hops[len(hops)-1].To
	if first == last {
		return
	}
	key := mesh.NewLinkKey(first, last)
	acc, ok := b.indirect[key]
	if !ok {
		acc = &indirectAccumulator{hopCount: len(hops)}
		b.indirect[key] = acc
	}
	if len(hops) < acc.hopCount {
		acc.hopCount = len(hops)
	}
	acc.pathCount++
	for _, hop := range hops {
		acc.snr.add(*hop.SNR)
	}
	if seen.After(acc.lastSeen) {
		acc.lastSeen = seen
	}
}

func (b *Builder) touchNodes(hop route.Hop, seen time.Time) {
	b.touchNode(hop.From, hop.To, hop.SNR, seen)
	b.touchNode(hop.To, hop.From, hop.SNR, seen)
}

func (b *Builder) touchNode(id, neighbor mesh.NodeID, snr *float64, seen time.Time) {
	if !id.Valid() {
		return
	}
	acc, ok := b.nodes[id]
	if !ok {
		acc = &nodeAccumulator{neighbors: make(map[mesh.NodeID]struct{})}
		b.nodes[id] = acc
	}
	acc.packetCount++
	if neighbor.Valid() && neighbor != id {
		acc.neighbors[neighbor] = struct{}{}
	}
	if snr != nil && *snr != 0 {
		acc.snr.add(*snr)
	}
	if seen.After(acc.lastSeen) {
		acc.lastSeen = seen
	}
}

// Graph materializes the accumulated state. Indirect edges between nodes
// that also share a direct link are omitted.
func (b *Builder) Graph() Graph {
	g := Graph{Stats: b.stats}

	for key, acc := range b.direct {
		avg := acc.snr.value()
		g.Links = append(g.Links, Link{
			Key:              key,
			Type:             Direct,
			AvgSNR:           avg,
			ObservationCount: acc.count,
			LastSeen:         acc.lastSeen,
			LastPacketID:     acc.lastPacketID,
			HopCount:         1,
			PathCount:        acc.count,
			Strength:         LinkStrength(deref(avg), acc.count),
		})
	}
	if b.opts.IncludeIndirect {
		for key, acc := range b.indirect {
			if _, direct := b.direct[key]; direct {
				continue
			}
			g.Links = append(g.Links, Link{
				Key:              key,
				Type:             Indirect,
				AvgSNR:           acc.snr.value(),
				ObservationCount: acc.pathCount,
				LastSeen:         acc.lastSeen,
				HopCount:         acc.hopCount,
				PathCount:        acc.pathCount,
				Strength:         IndirectStrength(acc.pathCount, acc.hopCount),
			})
		}
	}
	g.Stats.LinksFound = len(g.Links)

	for id, acc := range b.nodes {
		g.Nodes = append(g.Nodes, Node{
			ID:              id,
			DisplayName:     id.String(),
			PacketCount:     acc.packetCount,
			AvgSNR:          acc.snr.value(),
			ConnectionCount: len(acc.neighbors),
			LastSeen:        acc.lastSeen,
			Size:            NodeSize(acc.packetCount),
		})
	}

	sortGraph(&g)
	return g
}

// Decorate attaches display names, locations and link distances. Missing
// names fall back to the formatted node id; a link gets a distance only when
// both endpoints have a known position.
func Decorate(g *Graph, names map[mesh.NodeID]string, positions map[mesh.NodeID]mesh.Position) {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		n.DisplayName = mesh.DisplayName(n.ID, names[n.ID])
		if pos, ok := positions[n.ID]; ok && pos.Known() {
			n.Location = &Location{Lat: pos.Latitude, Lon: pos.Longitude, Alt: pos.Altitude}
		}
	}
	for i := range g.Links {
		l := &g.Links[i]
		a, okA := positions[l.Key.A]
		b, okB := positions[l.Key.B]
		if okA && okB {
			l.DistanceKm = geo.Between(&a, &b)
		}
	}
}

func sortGraph(g *Graph) {
	sort.Slice(g.Nodes, func(i, j int) bool {
		if g.Nodes[i].LastSeen.Equal(g.Nodes[j].LastSeen) {
			return g.Nodes[i].ID < g.Nodes[j].ID
		}
		return g.Nodes[i].LastSeen.After(g.Nodes[j].LastSeen)
	})
	sort.Slice(g.Links, func(i, j int) bool {
		li, lj := g.Links[i], g.Links[j]
		if li.ObservationCount != lj.ObservationCount {
			return li.ObservationCount > lj.ObservationCount
		}
		if li.Strength != lj.Strength {
			return li.Strength > lj.Strength
		}
		if li.Key.A != lj.Key.A {
			return li.Key.A < lj.Key.A
		}
		return li.Key.B < lj.Key.B
	})
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
