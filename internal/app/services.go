package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aminovpavel/meshtopo/internal/api/httpapi"
	"github.com/aminovpavel/meshtopo/internal/cache"
	"github.com/aminovpavel/meshtopo/internal/config"
	"github.com/aminovpavel/meshtopo/internal/directory"
	"github.com/aminovpavel/meshtopo/internal/grouping"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/refresh"
	"github.com/aminovpavel/meshtopo/internal/route"
	"github.com/aminovpavel/meshtopo/internal/storage"
	"github.com/aminovpavel/meshtopo/internal/topology"
)

// Services is the query side of the process: storage, cache and the
// engines built on top of them.
type Services struct {
	DB        *storage.DB
	Cache     cache.Cache
	Routes    *route.Decoder
	Directory *directory.Directory
	Groups    *grouping.Engine
	Topology  *topology.Service
	Links     *linkstore.Store
	Scheduler *refresh.Scheduler
}

// BuildServices opens the database and wires the engines. metrics may be nil.
func BuildServices(ctx context.Context, cfg *config.App, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if logger == nil {
		logger = observability.NoOpLogger()
	}

	db, err := storage.Open(ctx, cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	c, err := BuildCache(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build cache: %w", err)
	}

	routes := route.NewDecoder(route.WithLogger(observability.Component(logger, "route")), route.WithMetrics(metrics))
	dir := directory.New(db, db,
		directory.WithCache(c, cfg.CacheTTL()),
		directory.WithLogger(observability.Component(logger, "directory")),
	)

	groups := grouping.NewEngine(db,
		grouping.WithLogger(observability.Component(logger, "grouping")),
		grouping.WithMetrics(metrics),
		grouping.WithDecoder(routes),
		grouping.WithCache(c, cfg.CacheTTL()),
		grouping.WithMaxLimit(cfg.APIMaxPageSize),
		grouping.WithDefaultWindow(cfg.GroupingWindow()),
	)

	topo := topology.NewService(db,
		topology.WithLogger(observability.Component(logger, "topology")),
		topology.WithMetrics(metrics),
		topology.WithDirectory(dir),
		topology.WithDecoder(routes),
	)

	links := linkstore.New(db, dir,
		linkstore.WithLogger(observability.Component(logger, "linkstore")),
		linkstore.WithMetrics(metrics),
		linkstore.WithNames(dir),
		linkstore.WithWindowDays(cfg.LongestLinksWindowDays),
		linkstore.WithHops(db),
	)

	scheduler := refresh.New(links,
		refresh.WithInterval(cfg.RefreshInterval()),
		refresh.WithTimeout(cfg.RefreshTimeout()),
		refresh.WithImmediate(true),
		refresh.WithLogger(observability.Component(logger, "refresh")),
		refresh.WithMetrics(metrics),
	)

	return &Services{
		DB:        db,
		Cache:     c,
		Routes:    routes,
		Directory: dir,
		Groups:    groups,
		Topology:  topo,
		Links:     links,
		Scheduler: scheduler,
	}, nil
}

// APIConfig translates the application configuration into the HTTP API config.
func APIConfig(cfg *config.App) httpapi.Config {
	return httpapi.Config{
		Enabled:             cfg.APIEnabled,
		Address:             cfg.APIListenAddress,
		AuthToken:           cfg.APIAuthToken,
		MaxPageSize:         cfg.APIMaxPageSize,
		MapCeilingKm:        cfg.LongestLinksMapCeilingKm,
		TopologyHours:       cfg.TopologyHours,
		TopologyPacketLimit: cfg.TopologyPacketLimit,
	}
}

// APIDeps exposes the services to the HTTP API.
func (s *Services) APIDeps() httpapi.Deps {
	return httpapi.Deps{
		Groups:   s.Groups,
		Topology: s.Topology,
		Links:    s.Links,
		Explorer: s.Links,
		Refresh:  s.Scheduler,
		Routes:   s.Routes,
	}
}

// Close stops the scheduler and releases the cache and database.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	s.Scheduler.Stop()
	return errors.Join(s.Cache.Close(), s.DB.Close())
}
