package grouping

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"

	"github.com/aminovpavel/meshtopo/internal/cache"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/route"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultLimit  = 50
	defaultWindow = 7 * 24 * time.Hour
)

// Filter is the storage-side predicate applied before the bounded fetch.
type Filter struct {
	Start              time.Time
	End                time.Time
	GatewayID          string
	From               *mesh.NodeID
	To                 *mesh.NodeID
	PortNum            *mesh.PortNum
	RouteDiscoveryOnly bool
}

// Source returns receptions matching filter ordered by timestamp DESC, at
// most limit rows. When ctx expires mid-scan it returns the rows read so far
// together with the context error.
type Source interface {
	FetchReceptions(ctx context.Context, filter Filter, limit int) ([]mesh.Reception, error)
}

// Query describes one grouped page request.
type Query struct {
	Filter
	// RouteNode keeps only groups whose endpoints or decoded route include the node.
	RouteNode  *mesh.NodeID
	Sort       SortKey
	Descending bool
	Offset     int
	Limit      int
}

// TotalKind tells whether Page.Total is exact or an estimate.
type TotalKind string

const (
	TotalEstimated TotalKind = "estimated"
	TotalExact     TotalKind = "exact"
)

// Page is one sorted, paginated slice of groups.
type Page struct {
	Groups     []Group   `json:"groups"`
	Total      int       `json:"total"`
	TotalKind  TotalKind `json:"total_kind"`
	Offset     int       `json:"offset"`
	Limit      int       `json:"limit"`
	HasMore    bool      `json:"has_more"`
	Partial    bool      `json:"partial"`
	FetchLimit int       `json:"fetch_limit"`
	Scanned    int       `json:"scanned"`
}

// FetchPolicy bounds how many raw receptions are scanned for a page.
type FetchPolicy struct {
	FirstPageMultiplier int
	FirstPageCap        int
	LaterMultiplier     int
	LaterCap            int
}

var (
	// DefaultFetchPolicy serves general packet listings.
	DefaultFetchPolicy = FetchPolicy{FirstPageMultiplier: 10, FirstPageCap: 5000, LaterMultiplier: 5, LaterCap: 10000}
	// RouteDiscoveryFetchPolicy serves route-discovery listings, where a
	// single traceroute is heard by more gateways.
	RouteDiscoveryFetchPolicy = FetchPolicy{FirstPageMultiplier: 15, FirstPageCap: 3000, LaterMultiplier: 8, LaterCap: 8000}
)

// Limit computes the raw fetch size for a page.
func (p FetchPolicy) Limit(offset, limit int) int {
	if offset <= 0 {
		return min(limit*p.FirstPageMultiplier, p.FirstPageCap)
	}
	return min(max((offset+limit)*2, limit*p.LaterMultiplier), p.LaterCap)
}

// Engine fetches a bounded window of receptions and groups it per request.
type Engine struct {
	source   Source
	decoder  *route.Decoder
	logger   *slog.Logger
	metrics  *observability.Metrics
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time
	maxLimit int
	window   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithDecoder sets the route decoder used by the route-node filter.
func WithDecoder(decoder *route.Decoder) Option {
	return func(e *Engine) {
		if decoder != nil {
			e.decoder = decoder
		}
	}
}

// WithCache stores finished pages for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		if c != nil && ttl > 0 {
			e.cache = c
			e.cacheTTL = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxLimit caps the page size.
func WithMaxLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.maxLimit = limit
		}
	}
}

// WithDefaultWindow sets the lookback used when a query has no start time.
func WithDefaultWindow(window time.Duration) Option {
	return func(e *Engine) {
		if window > 0 {
			e.window = window
		}
	}
}

// NewEngine builds a grouping engine over source.
func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		decoder:  route.NewDecoder(),
		logger:   observability.NoOpLogger(),
		cache:    cache.Noop{},
		now:      time.Now,
		maxLimit: 500,
		window:   defaultWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Page groups, sorts and paginates one bounded window of receptions. Only
// source failures other than the request deadline are returned as errors; a
// deadline hit mid-scan yields a partial page with an estimated total.
func (e *Engine) Page(ctx context.Context, q Query) (Page, error) {
	q = e.normalize(q)

	cacheKey := fingerprint(q)
	if cached, ok := e.cached(ctx, cacheKey); ok {
		return cached, nil
	}

	q.Filter = e.withWindow(q.Filter)
	policy := DefaultFetchPolicy
	if q.RouteDiscoveryOnly {
		policy = RouteDiscoveryFetchPolicy
	}
	fetchLimit := policy.Limit(q.Offset, q.Limit)

	receptions, err := e.source.FetchReceptions(ctx, q.Filter, fetchLimit)
	partial := false
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return Page{}, fmt.Errorf("grouping: fetch receptions: %w", err)
		}
		partial = true
		e.metrics.IncGroupingTruncated()
		e.logger.Warn("grouping scan cut short by deadline",
			slog.Int("fetch_limit", fetchLimit),
			slog.Int("scanned", len(receptions)))
	}

	groups := Build(receptions)
	exact := false
	if q.RouteNode != nil {
		groups = e.filterRouteNode(groups, *q.RouteNode)
		exact = !partial
	}
	Sort(groups, q.Sort, q.Descending)

	page := Paginate(groups, q.Offset, q.Limit, exact)
	page.Partial = partial
	page.FetchLimit = fetchLimit
	page.Scanned = len(receptions)

	e.metrics.ObserveGroupPage(string(page.TotalKind))
	if !partial {
		e.store(ctx, cacheKey, page)
	}
	return page, nil
}

// Paginate slices sorted groups. With exact set, Total is the number of
// groups; otherwise it is estimated from whether the page came back full.
func Paginate(groups []Group, offset, limit int, exact bool) Page {
	page := Page{Offset: offset, Limit: limit, TotalKind: TotalEstimated}

	start := min(offset, len(groups))
	end := min(start+limit, len(groups))
	page.Groups = groups[start:end]

	if exact {
		page.TotalKind = TotalExact
		page.Total = len(groups)
	} else if len(page.Groups) == limit {
		page.Total = offset + limit + 1
	} else {
		page.Total = offset + len(page.Groups)
	}
	page.HasMore = page.Total > offset+len(page.Groups)
	return page
}

func (e *Engine) normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > e.maxLimit {
		q.Limit = e.maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Sort == "" {
		q.Sort = SortTimestamp
		q.Descending = true
	}
	return q
}

func (e *Engine) withWindow(f Filter) Filter {
	if f.Start.IsZero() {
		end := f.End
		if end.IsZero() {
			end = e.now()
		}
		f.Start = end.Add(-e.window)
	}
	return f
}

func (e *Engine) filterRouteNode(groups []Group, node mesh.NodeID) []Group {
	filtered := groups[:0]
	for _, g := range groups {
		if g.Key.From == node || g.Key.To == node || e.routeContains(g, node) {
			filtered = append(filtered, g)
		}
	}
	return filtered
}

func (e *Engine) routeContains(g Group, node mesh.NodeID) bool {
	rep := g.Representative
	if !rep.IsRouteDiscovery() {
		return false
	}
	parsed := e.decoder.Decode(rep.Payload)
	for _, id := range parsed.Forward {
		if id == node {
			return true
		}
	}
	for _, id := range parsed.Return {
		if id == node {
			return true
		}
	}
	return false
}

func (e *Engine) cached(ctx context.Context, key string) (Page, bool) {
	data, found, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Debug("grouping cache get failed", slog.Any("error", err))
		return Page{}, false
	}
	if !found {
		return Page{}, false
	}
	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return Page{}, false
	}
	return page, true
}

func (e *Engine) store(ctx context.Context, key string, page Page) {
	data, err := json.Marshal(page)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data, e.cacheTTL); err != nil {
		e.logger.Debug("grouping cache set failed", slog.Any("error", err))
	}
}

// fingerprint hashes the request as received, before the default window is
// applied, so repeated identical requests share a cache entry.
func fingerprint(q Query) string {
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(q.Start.UnixNano()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(q.End.UnixNano()))
	buf = append(buf, q.GatewayID...)
	buf = append(buf, 0)
	buf = appendOptional(buf, q.From)
	buf = appendOptional(buf, q.To)
	buf = appendOptional(buf, q.RouteNode)
	if q.PortNum != nil {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(*q.PortNum))
	} else {
		buf = append(buf, 0)
	}
	if q.RouteDiscoveryOnly {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, q.Sort...)
	if q.Descending {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(q.Offset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(q.Limit))
	return fmt.Sprintf("groups:%016x", xxh3.Hash(buf))
}

func appendOptional(buf []byte, id *mesh.NodeID) []byte {
	if id == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return binary.LittleEndian.AppendUint32(buf, uint32(*id))
}
