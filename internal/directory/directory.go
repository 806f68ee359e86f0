// Package directory resolves node display names and latest positions,
// caching lookups and collapsing concurrent identical requests.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/aminovpavel/meshtopo/internal/cache"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTTL bounds how stale a cached name or position may be.
const DefaultTTL = 5 * time.Minute

// NameSource loads display names for nodes that have one.
type NameSource interface {
	DisplayNames(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]string, error)
}

// PositionSource loads the most recent position per node.
type PositionSource interface {
	LatestPositions(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]mesh.Position, error)
}

type nameEntry struct {
	Name string `json:"name"`
}

type positionEntry struct {
	Known     bool      `json:"known"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  *int32    `json:"alt,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Directory fronts a name and a position source with a cache.
type Directory struct {
	names     NameSource
	positions PositionSource
	cache     cache.Cache
	ttl       time.Duration
	logger    *slog.Logger
	group     singleflight.Group
}

// Option configures a Directory.
type Option func(*Directory)

// WithCache sets the backing cache and entry TTL.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(d *Directory) {
		if c != nil {
			d.cache = c
		}
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a directory over the given sources.
func New(names NameSource, positions PositionSource, opts ...Option) *Directory {
	d := &Directory{
		names:     names,
		positions: positions,
		cache:     cache.Noop{},
		ttl:       DefaultTTL,
		logger:    observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DisplayNames returns the names known for ids. Nodes without a name are
// absent from the result; callers fall back to the formatted id.
func (d *Directory) DisplayNames(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]string, error) {
	out := make(map[mesh.NodeID]string, len(ids))
	var missing []mesh.NodeID
	for _, id := range dedupe(ids) {
		var entry nameEntry
		if d.lookup(ctx, nameKey(id), &entry) {
			if entry.Name != "" {
				out[id] = entry.Name
			}
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	v, err, _ := d.group.Do("names:"+joinIDs(missing), func() (any, error) {
		loaded, err := d.names.DisplayNames(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, id := range missing {
			d.store(ctx, nameKey(id), nameEntry{Name: loaded[id]})
		}
		return loaded, nil
	})
	if err != nil {
		return out, fmt.Errorf("directory: load names: %w", err)
	}
	for id, name := range v.(map[mesh.NodeID]string) {
		if name != "" {
			out[id] = name
		}
	}
	return out, nil
}

// Positions returns the latest known position for ids. Nodes without a fix,
// or reporting 0/0, are absent from the result.
func (d *Directory) Positions(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]mesh.Position, error) {
	out := make(map[mesh.NodeID]mesh.Position, len(ids))
	var missing []mesh.NodeID
	for _, id := range dedupe(ids) {
		var entry positionEntry
		if d.lookup(ctx, positionKey(id), &entry) {
			if entry.Known {
				out[id] = mesh.Position{Latitude: entry.Latitude, Longitude: entry.Longitude, Altitude: entry.Altitude, Timestamp: entry.Timestamp}
			}
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	v, err, _ := d.group.Do("positions:"+joinIDs(missing), func() (any, error) {
		loaded, err := d.positions.LatestPositions(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, id := range missing {
			pos, ok := loaded[id]
			entry := positionEntry{Known: ok && pos.Known()}
			if entry.Known {
				entry.Latitude, entry.Longitude, entry.Altitude, entry.Timestamp = pos.Latitude, pos.Longitude, pos.Altitude, pos.Timestamp
			}
			d.store(ctx, positionKey(id), entry)
		}
		return loaded, nil
	})
	if err != nil {
		return out, fmt.Errorf("directory: load positions: %w", err)
	}
	for id, pos := range v.(map[mesh.NodeID]mesh.Position) {
		if pos.Known() {
			out[id] = pos
		}
	}
	return out, nil
}

// Invalidate drops cached entries for id after new node info or a position
// arrives.
func (d *Directory) Invalidate(ctx context.Context, id mesh.NodeID) {
	for _, key := range []string{nameKey(id), positionKey(id)} {
		if err := d.cache.Delete(ctx, key); err != nil {
			d.logger.Debug("directory cache delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

func (d *Directory) lookup(ctx context.Context, key string, dst any) bool {
	data, found, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.Debug("directory cache get failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if !found || len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (d *Directory) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, data, d.ttl); err != nil {
		d.logger.Debug("directory cache set failed", slog.String("key", key), slog.Any("error", err))
	}
}

func nameKey(id mesh.NodeID) string     { return "node:name:" + id.String() }
func positionKey(id mesh.NodeID) string { return "node:pos:" + id.String() }

func dedupe(ids []mesh.NodeID) []mesh.NodeID {
	out := make([]mesh.NodeID, 0, len(ids))
	seen := make(map[mesh.NodeID]struct{}, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinIDs(ids []mesh.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 16)
	}
	return strings.Join(parts, ",")
}
