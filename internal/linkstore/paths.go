package linkstore

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aminovpavel/meshtopo/internal/geo"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

// ErrNoHopSource is returned by queries that need individual hop facts when
// the store was built without WithHops.
var ErrNoHopSource = errors.New("linkstore: hop source not configured")

// HopSource reads the hop facts behind the aggregate.
type HopSource interface {
	// RoutePaths returns one node sequence per traceroute and direction on
	// complete paths received since the given time.
	RoutePaths(ctx context.Context, since time.Time) ([]RoutePath, error)
	// LinkObservations returns hops between the pair in either orientation,
	// newest first.
	LinkObservations(ctx context.Context, key mesh.LinkKey, since time.Time, limit int) ([]Observation, error)
}

// RoutePath is the node sequence of one complete path.
type RoutePath struct {
	MeshPacketID uint32
	Direction    string
	Nodes        []mesh.NodeID
	// SNRs has one entry per hop; nil where the hop carried none.
	SNRs       []*float64
	ReceivedAt time.Time
}

// PathAggregate is one distinct node sequence and how often it was observed.
type PathAggregate struct {
	Nodes    []mesh.NodeID
	Count    int
	BestSNR  *float64
	LastSeen time.Time
}

// Source is the first node of the sequence.
func (p PathAggregate) Source() mesh.NodeID { return p.Nodes[0] }

// Dest is the last node of the sequence.
func (p PathAggregate) Dest() mesh.NodeID { return p.Nodes[len(p.Nodes)-1] }

// Hops counts the RF hops in the sequence.
func (p PathAggregate) Hops() int { return len(p.Nodes) - 1 }

func (p PathAggregate) contains(id mesh.NodeID) bool {
	for _, n := range p.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// AggregatePaths folds route paths into distinct sequences ordered by
// observation count, then recency. Sequences shorter than one hop or
// touching an invalid node are dropped.
func AggregatePaths(routes []RoutePath) []PathAggregate {
	index := make(map[string]int)
	var out []PathAggregate
	for _, r := range routes {
		if !validSequence(r.Nodes) {
			continue
		}
		key := sequenceKey(r.Nodes)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, PathAggregate{Nodes: append([]mesh.NodeID(nil), r.Nodes...)})
		}
		agg := &out[i]
		agg.Count++
		if r.ReceivedAt.After(agg.LastSeen) {
			agg.LastSeen = r.ReceivedAt
		}
		for _, snr := range r.SNRs {
			if snr != nil && (agg.BestSNR == nil || *snr > *agg.BestSNR) {
				v := *snr
				agg.BestSNR = &v
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return sequenceKey(out[i].Nodes) < sequenceKey(out[j].Nodes)
	})
	return out
}

func validSequence(nodes []mesh.NodeID) bool {
	if len(nodes) < 2 {
		return false
	}
	for i, n := range nodes {
		if !n.Valid() {
			return false
		}
		if i > 0 && nodes[i-1] == n {
			return false
		}
	}
	return true
}

func sequenceKey(nodes []mesh.NodeID) string {
	var b strings.Builder
	for i, n := range nodes {
		if i > 0 {
			b.WriteByte('>')
		}
		b.WriteString(strconv.FormatUint(uint64(n), 16))
	}
	return b.String()
}

// PathQuery filters the multi-hop ranking.
type PathQuery struct {
	// MinHops defaults to 2, i.e. at least one relay.
	MinHops     int
	MaxResults  int
	WindowHours int
}

// RankedPath is the longest observed route between a source and a
// destination.
type RankedPath struct {
	Source   mesh.NodeID
	Dest     mesh.NodeID
	Nodes    []mesh.NodeID
	Names    []string
	HopCount int
	// RouteCount sums observations over every sequence between the pair.
	RouteCount   int
	VariantCount int
	// DistanceKm sums the hop distances of Nodes; nil when any position is
	// unknown.
	DistanceKm *float64
	// DirectKm is the great-circle distance between the endpoints.
	DirectKm *float64
	BestSNR  *float64
	LastSeen time.Time
}

// LongestPaths ranks source/destination pairs by the longest route observed
// between them, summing hop distances.
func (s *Store) LongestPaths(ctx context.Context, q PathQuery) ([]RankedPath, error) {
	if s.hops == nil {
		return nil, ErrNoHopSource
	}
	minHops := q.MinHops
	if minHops <= 0 {
		minHops = 2
	}
	cutoff := s.cutoff(q.WindowHours)

	var candidates []PathAggregate
	for _, p := range s.Snapshot().Paths {
		if p.Hops() < minHops {
			continue
		}
		if !cutoff.IsZero() && p.LastSeen.Before(cutoff) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	positions, names, err := s.resolve(ctx, pathNodes(candidates))
	if err != nil {
		return nil, err
	}

	type pair struct{ source, dest mesh.NodeID }
	best := make(map[pair]*RankedPath)
	var order []pair
	for _, p := range candidates {
		distance := pathDistance(positions, p.Nodes)
		k := pair{p.Source(), p.Dest()}
		cur, ok := best[k]
		if !ok {
			cur = &RankedPath{Source: k.source, Dest: k.dest}
			best[k] = cur
			order = append(order, k)
		}
		cur.RouteCount += p.Count
		cur.VariantCount++
		if p.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = p.LastSeen
		}
		if p.BestSNR != nil && (cur.BestSNR == nil || *p.BestSNR > *cur.BestSNR) {
			v := *p.BestSNR
			cur.BestSNR = &v
		}
		if cur.Nodes == nil || longer(distance, cur.DistanceKm) {
			cur.Nodes = p.Nodes
			cur.HopCount = p.Hops()
			cur.DistanceKm = distance
		}
	}

	out := make([]RankedPath, 0, len(order))
	for _, k := range order {
		rp := best[k]
		rp.Names = nodeNames(rp.Nodes, names)
		rp.DirectKm = geo.Between(knownPosition(positions, rp.Source), knownPosition(positions, rp.Dest))
		out = append(out, *rp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].DistanceKm, out[j].DistanceKm
		switch {
		case di == nil && dj == nil:
			return out[i].RouteCount > out[j].RouteCount
		case di == nil:
			return false
		case dj == nil:
			return true
		}
		if *di != *dj {
			return *di > *dj
		}
		return out[i].RouteCount > out[j].RouteCount
	})
	if q.MaxResults > 0 && len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out, nil
}

func longer(candidate, current *float64) bool {
	switch {
	case candidate == nil:
		return false
	case current == nil:
		return true
	}
	return *candidate > *current
}

func pathDistance(positions map[mesh.NodeID]mesh.Position, nodes []mesh.NodeID) *float64 {
	total := 0.0
	for i := 1; i < len(nodes); i++ {
		d := geo.Between(knownPosition(positions, nodes[i-1]), knownPosition(positions, nodes[i]))
		if d == nil {
			return nil
		}
		total += *d
	}
	return &total
}

// PatternQuery filters recurring routes.
type PatternQuery struct {
	// Node keeps only sequences that include it.
	Node        *mesh.NodeID
	MaxResults  int
	WindowHours int
}

// Pattern is a recurring node sequence.
type Pattern struct {
	PathAggregate
	Names []string
}

// Patterns returns the most frequently observed sequences.
func (s *Store) Patterns(ctx context.Context, q PatternQuery) ([]Pattern, error) {
	if s.hops == nil {
		return nil, ErrNoHopSource
	}
	cutoff := s.cutoff(q.WindowHours)

	var selected []PathAggregate
	for _, p := range s.Snapshot().Paths {
		if !cutoff.IsZero() && p.LastSeen.Before(cutoff) {
			continue
		}
		if q.Node != nil && !p.contains(*q.Node) {
			continue
		}
		selected = append(selected, p)
		if q.MaxResults > 0 && len(selected) == q.MaxResults {
			break
		}
	}
	if len(selected) == 0 {
		return nil, nil
	}

	var names map[mesh.NodeID]string
	if s.names != nil {
		var err error
		if names, err = s.names.DisplayNames(ctx, pathNodes(selected)); err != nil {
			s.logger.Warn("pattern name lookup failed", slog.Any("error", err))
		}
	}
	out := make([]Pattern, 0, len(selected))
	for _, p := range selected {
		out = append(out, Pattern{PathAggregate: p, Names: nodeNames(p.Nodes, names)})
	}
	return out, nil
}

func pathNodes(paths []PathAggregate) []mesh.NodeID {
	seen := make(map[mesh.NodeID]struct{})
	var ids []mesh.NodeID
	for _, p := range paths {
		for _, id := range p.Nodes {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func nodeNames(nodes []mesh.NodeID, names map[mesh.NodeID]string) []string {
	out := make([]string, len(nodes))
	for i, id := range nodes {
		out[i] = mesh.DisplayName(id, names[id])
	}
	return out
}
