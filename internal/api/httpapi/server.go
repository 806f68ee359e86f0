package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/aminovpavel/meshtopo/internal/grouping"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/refresh"
	"github.com/aminovpavel/meshtopo/internal/route"
	"github.com/aminovpavel/meshtopo/internal/topology"
)

// GroupPager serves grouped packet pages.
type GroupPager interface {
	Page(ctx context.Context, q grouping.Query) (grouping.Page, error)
}

// GraphBuilder serves topology graphs.
type GraphBuilder interface {
	Graph(ctx context.Context, q topology.Query) (topology.Graph, error)
}

// LinkRanker serves the published longest-links snapshot.
type LinkRanker interface {
	Rank(ctx context.Context, q linkstore.Query) ([]linkstore.RankedLink, error)
	Snapshot() *linkstore.Snapshot
}

// LinkExplorer serves per-link, per-node and multi-hop queries.
type LinkExplorer interface {
	LinkDetail(ctx context.Context, a, b mesh.NodeID, hours, limit int) (linkstore.LinkDetail, error)
	Neighbors(ctx context.Context, id mesh.NodeID, q linkstore.Query) ([]linkstore.Neighbor, error)
	LongestPaths(ctx context.Context, q linkstore.PathQuery) ([]linkstore.RankedPath, error)
	Patterns(ctx context.Context, q linkstore.PatternQuery) ([]linkstore.Pattern, error)
}

// RefreshController exposes the scheduler to operators.
type RefreshController interface {
	ForceRefresh() (bool, error)
	Status() refresh.Status
}

// Deps are the services behind the endpoints.
type Deps struct {
	Groups   GroupPager
	Topology GraphBuilder
	Links    LinkRanker
	Explorer LinkExplorer
	Refresh  RefreshController
	Routes   *route.Decoder
}

// Server hosts the query API.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	http      *http.Server
	startOnce sync.Once
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = observability.Component(logger, "http-api")
		}
	}
}

// New constructs a Server. If cfg.Enabled is false, Run is a no-op but the
// handler is still available.
func New(cfg Config, deps Deps, opts ...Option) *Server {
	cfg.normalise()
	if deps.Routes == nil {
		deps.Routes = route.NewDecoder()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authorize)

	api.HandleFunc("/packets/groups", s.handleGroups).Methods(http.MethodGet)
	api.HandleFunc("/topology", s.handleTopology).Methods(http.MethodGet)
	api.HandleFunc("/links/longest", s.handleLongestLinks).Methods(http.MethodGet)
	api.HandleFunc("/links/map", s.handleMapLinks).Methods(http.MethodGet)
	api.HandleFunc("/links/{a}/{b}", s.handleLinkDetail).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}/neighbors", s.handleNeighbors).Methods(http.MethodGet)
	api.HandleFunc("/paths/longest", s.handleLongestPaths).Methods(http.MethodGet)
	api.HandleFunc("/paths/patterns", s.handlePatterns).Methods(http.MethodGet)
	api.HandleFunc("/route/decode", s.handleDecodeRoute).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefreshStatus).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleForceRefresh).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Run serves requests until the context is cancelled.
func (s *Server) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.startOnce.Do(func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownPeriod)
			defer cancel()
			if err := s.http.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("http api shutdown error", slog.Any("error", err))
			}
		}()

		s.logger.Info("http api listening", slog.String("address", s.cfg.Address))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api stopped with error", slog.Any("error", err))
			return
		}
		s.logger.Info("http api stopped")
	})
}

// authorize enforces the bearer token when one is configured: a missing
// header is 401, a wrong token 403.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if strings.TrimSpace(header) != "Bearer "+s.cfg.AuthToken {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
