// Package linkstore keeps the materialized per-link aggregate in memory and
// ranks it by distance and quality.
package linkstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aminovpavel/meshtopo/internal/geo"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
)

const (
	// DefaultWindowDays bounds how much hop history the aggregate covers.
	DefaultWindowDays = 7
	// MapCeilingKm drops implausible links from map rendering.
	MapCeilingKm = 250.0
)

// Aggregate is one materialized link row.
type Aggregate struct {
	Key              mesh.LinkKey
	ObservationCount int
	AvgSNR           float64
	MinSNR           float64
	MaxSNR           float64
	FirstSeen        time.Time
	LastSeen         time.Time
	LastPacketID     int64
}

// AggregateStore rebuilds and loads the persisted aggregate.
type AggregateStore interface {
	RebuildLinkAggregates(ctx context.Context, since time.Time) (int, error)
	LoadLinkAggregates(ctx context.Context) ([]Aggregate, error)
}

// PositionResolver returns the most recent position of each node it knows.
type PositionResolver interface {
	Positions(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]mesh.Position, error)
}

// NameResolver returns display names for nodes that have one.
type NameResolver interface {
	DisplayNames(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]string, error)
}

// Snapshot is an immutable published view of the aggregate.
type Snapshot struct {
	Links []Aggregate
	// Paths holds distinct node sequences of complete routes, most observed
	// first. Empty when the store has no hop source.
	Paths       []PathAggregate
	WindowStart time.Time
	PublishedAt time.Time
}

// Order selects how ranked links are sorted.
type Order string

const (
	OrderByCount    Order = "count"
	OrderByDistance Order = "distance"
)

// Query filters a ranking. A nil MinSNR keeps every link; WindowHours <= 0
// uses the whole snapshot.
type Query struct {
	MinDistanceKm float64
	MinSNR        *float64
	MaxResults    int
	WindowHours   int
	Order         Order
}

// RankedLink is an aggregate joined with its endpoints' current positions.
type RankedLink struct {
	Aggregate
	FromName     string
	ToName       string
	FromPosition *mesh.Position
	ToPosition   *mesh.Position
	DistanceKm   *float64
}

// Store owns the published snapshot.
type Store struct {
	aggregates AggregateStore
	positions  PositionResolver
	names      NameResolver
	hops       HopSource
	logger     *slog.Logger
	metrics    *observability.Metrics
	windowDays int
	now        func() time.Time

	snapshot atomic.Pointer[Snapshot]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithNames enables display names on ranked links.
func WithNames(names NameResolver) Option {
	return func(s *Store) {
		s.names = names
	}
}

// WithHops enables route paths, link detail and pattern queries.
func WithHops(hops HopSource) Option {
	return func(s *Store) {
		s.hops = hops
	}
}

// WithWindowDays sets how many days of hops each rebuild covers.
func WithWindowDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.windowDays = days
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store with an empty snapshot.
func New(aggregates AggregateStore, positions PositionResolver, opts ...Option) *Store {
	s := &Store{
		aggregates: aggregates,
		positions:  positions,
		logger:     observability.NoOpLogger(),
		windowDays: DefaultWindowDays,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snapshot.Store(&Snapshot{})
	return s
}

// Refresh rebuilds the persisted aggregate and publishes it. On failure the
// previous snapshot stays in place.
func (s *Store) Refresh(ctx context.Context) error {
	now := s.now()
	since := now.AddDate(0, 0, -s.windowDays)

	rows, err := s.aggregates.RebuildLinkAggregates(ctx, since)
	if err != nil {
		return fmt.Errorf("linkstore: rebuild: %w", err)
	}
	links, err := s.aggregates.LoadLinkAggregates(ctx)
	if err != nil {
		return fmt.Errorf("linkstore: load: %w", err)
	}
	var paths []PathAggregate
	if s.hops != nil {
		routes, err := s.hops.RoutePaths(ctx, since)
		if err != nil {
			return fmt.Errorf("linkstore: load route paths: %w", err)
		}
		paths = AggregatePaths(routes)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("linkstore: refresh abandoned: %w", err)
	}

	snap := &Snapshot{Links: links, Paths: paths, WindowStart: since, PublishedAt: s.now()}
	s.snapshot.Store(snap)
	s.metrics.ObserveSnapshot(len(links), snap.PublishedAt)
	s.logger.Info("link aggregate published",
		slog.Int("rows", rows),
		slog.Int("links", len(links)),
		slog.Int("paths", len(paths)),
		slog.Time("window_start", since))
	return nil
}

// Snapshot returns the currently published snapshot; never nil.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Rank filters and orders the current snapshot. Links whose distance cannot
// be computed are kept and pass the minimum-distance filter.
func (s *Store) Rank(ctx context.Context, q Query) ([]RankedLink, error) {
	return s.rank(ctx, q, nil)
}

func (s *Store) rank(ctx context.Context, q Query, keep func(Aggregate) bool) ([]RankedLink, error) {
	snap := s.Snapshot()
	cutoff := s.cutoff(q.WindowHours)

	candidates := make([]Aggregate, 0, len(snap.Links))
	for _, agg := range snap.Links {
		if !cutoff.IsZero() && agg.LastSeen.Before(cutoff) {
			continue
		}
		if q.MinSNR != nil && agg.AvgSNR < *q.MinSNR {
			continue
		}
		if keep != nil && !keep(agg) {
			continue
		}
		candidates = append(candidates, agg)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	positions, names, err := s.resolve(ctx, endpoints(candidates))
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedLink, 0, len(candidates))
	for _, agg := range candidates {
		link := RankedLink{
			Aggregate:    agg,
			FromName:     mesh.DisplayName(agg.Key.A, names[agg.Key.A]),
			ToName:       mesh.DisplayName(agg.Key.B, names[agg.Key.B]),
			FromPosition: knownPosition(positions, agg.Key.A),
			ToPosition:   knownPosition(positions, agg.Key.B),
		}
		link.DistanceKm = geo.Between(link.FromPosition, link.ToPosition)
		if link.DistanceKm != nil && *link.DistanceKm < q.MinDistanceKm {
			continue
		}
		ranked = append(ranked, link)
	}

	sortRanked(ranked, q.Order)
	if q.MaxResults > 0 && len(ranked) > q.MaxResults {
		ranked = ranked[:q.MaxResults]
	}
	return ranked, nil
}

// cutoff converts a window in hours to the oldest admissible time; zero
// means no bound.
func (s *Store) cutoff(hours int) time.Time {
	if hours <= 0 {
		return time.Time{}
	}
	return s.now().Add(-time.Duration(hours) * time.Hour)
}

// resolve loads positions and, when configured, names for ids. A failed name
// lookup degrades to formatted ids.
func (s *Store) resolve(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]mesh.Position, map[mesh.NodeID]string, error) {
	positions, err := s.positions.Positions(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("linkstore: resolve positions: %w", err)
	}
	var names map[mesh.NodeID]string
	if s.names != nil {
		if names, err = s.names.DisplayNames(ctx, ids); err != nil {
			s.logger.Warn("link name lookup failed", slog.Any("error", err))
		}
	}
	return positions, names, nil
}

// PlausibleForMap keeps links with a known distance no longer than ceilingKm.
func PlausibleForMap(links []RankedLink, ceilingKm float64) []RankedLink {
	out := make([]RankedLink, 0, len(links))
	for _, l := range links {
		if l.DistanceKm != nil && *l.DistanceKm <= ceilingKm {
			out = append(out, l)
		}
	}
	return out
}

func sortRanked(links []RankedLink, order Order) {
	if order == OrderByDistance {
		sort.SliceStable(links, func(i, j int) bool {
			di, dj := links[i].DistanceKm, links[j].DistanceKm
			switch {
			case di == nil:
				return false
			case dj == nil:
				return true
			}
			return *di > *dj
		})
		return
	}
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].ObservationCount != links[j].ObservationCount {
			return links[i].ObservationCount > links[j].ObservationCount
		}
		return links[i].AvgSNR > links[j].AvgSNR
	})
}

func endpoints(links []Aggregate) []mesh.NodeID {
	seen := make(map[mesh.NodeID]struct{}, len(links)*2)
	ids := make([]mesh.NodeID, 0, len(links)*2)
	for _, l := range links {
		for _, id := range [2]mesh.NodeID{l.Key.A, l.Key.B} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func knownPosition(positions map[mesh.NodeID]mesh.Position, id mesh.NodeID) *mesh.Position {
	pos, ok := positions[id]
	if !ok || !pos.Known() {
		return nil
	}
	return &pos
}
