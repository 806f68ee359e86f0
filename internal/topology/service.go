package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/route"
)

const (
	defaultHours       = 24
	defaultPacketLimit = 5000
)

// Source returns route-discovery receptions in [since, now) newest first.
// On deadline it returns what it read together with the context error.
type Source interface {
	FetchRoutePackets(ctx context.Context, since time.Time, gatewayID string, limit int) ([]mesh.Reception, error)
}

// Directory resolves display names and latest positions for a set of nodes.
type Directory interface {
	DisplayNames(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]string, error)
	Positions(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]mesh.Position, error)
}

// Query selects the packets a graph is built from.
type Query struct {
	Hours           int
	MinSNR          float64
	GatewayID       string
	PacketLimit     int
	IncludeIndirect bool
}

// Service builds graphs on demand from stored receptions.
type Service struct {
	source    Source
	directory Directory
	decoder   *route.Decoder
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithDirectory enables name and position decoration.
func WithDirectory(dir Directory) ServiceOption {
	return func(s *Service) {
		s.directory = dir
	}
}

// WithDecoder sets the route decoder.
func WithDecoder(decoder *route.Decoder) ServiceOption {
	return func(s *Service) {
		if decoder != nil {
			s.decoder = decoder
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a graph service over source.
func NewService(source Source, opts ...ServiceOption) *Service {
	s := &Service{
		source:  source,
		decoder: route.NewDecoder(),
		logger:  observability.NoOpLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Graph fetches, decodes and folds route-discovery packets. A deadline hit
// while fetching yields a partial graph over the rows already read.
func (s *Service) Graph(ctx context.Context, q Query) (Graph, error) {
	start := time.Now()
	if q.Hours <= 0 {
		q.Hours = defaultHours
	}
	if q.PacketLimit <= 0 {
		q.PacketLimit = defaultPacketLimit
	}
	since := s.now().Add(-time.Duration(q.Hours) * time.Hour)

	receptions, err := s.source.FetchRoutePackets(ctx, since, q.GatewayID, q.PacketLimit)
	partial := false
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return Graph{}, fmt.Errorf("topology: fetch route packets: %w", err)
		}
		partial = true
		s.logger.Warn("topology fetch cut short by deadline", slog.Int("scanned", len(receptions)))
	}

	b := NewBuilder(Options{MinSNR: q.MinSNR, IncludeIndirect: q.IncludeIndirect})
	for _, r := range receptions {
		if !r.IsRouteDiscovery() {
			continue
		}
		env := route.EnvelopeFromReception(r)
		b.Add(Packet{Envelope: env, Paths: route.Build(env, s.decoder.Decode(r.Payload))})
	}
	g := b.Graph()
	g.Partial = partial

	if s.directory != nil && len(g.Nodes) > 0 {
		s.decorate(ctx, &g)
	}

	s.metrics.ObserveGraphBuild(time.Since(start))
	s.logger.Debug("topology graph built",
		slog.Int("packets", g.Stats.PacketsAnalyzed),
		slog.Int("nodes", len(g.Nodes)),
		slog.Int("links", len(g.Links)),
		slog.Bool("partial", partial))
	return g, nil
}

// decorate is best effort; a lookup failure leaves the defaults in place.
func (s *Service) decorate(ctx context.Context, g *Graph) {
	ids := make([]mesh.NodeID, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	names, err := s.directory.DisplayNames(ctx, ids)
	if err != nil {
		s.logger.Warn("topology name lookup failed", slog.Any("error", err))
	}
	positions, err := s.directory.Positions(ctx, ids)
	if err != nil {
		s.logger.Warn("topology position lookup failed", slog.Any("error", err))
	}
	Decorate(g, names, positions)
}
