package linkstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

type fakeHops struct {
	mu           sync.Mutex
	routes       []linkstore.RoutePath
	observations []linkstore.Observation
	since        time.Time
	limit        int
}

func (f *fakeHops) RoutePaths(context.Context, time.Time) ([]linkstore.RoutePath, error) {
	return f.routes, nil
}

func (f *fakeHops) LinkObservations(_ context.Context, key mesh.LinkKey, since time.Time, limit int) ([]linkstore.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since, f.limit = since, limit
	var out []linkstore.Observation
	for _, o := range f.observations {
		if mesh.NewLinkKey(o.From, o.To) == key {
			out = append(out, o)
		}
	}
	return out, nil
}

func snr(v float64) *float64 { return &v }

func routePath(at time.Time, nodes ...mesh.NodeID) linkstore.RoutePath {
	r := linkstore.RoutePath{Direction: "forward", Nodes: nodes, ReceivedAt: at}
	for i := 1; i < len(nodes); i++ {
		r.SNRs = append(r.SNRs, snr(float64(i)))
	}
	return r
}

func newHopStore(t *testing.T, agg *fakeAggregates, hops *fakeHops) *linkstore.Store {
	t.Helper()
	store := linkstore.New(agg, positions,
		linkstore.WithClock(func() time.Time { return now }),
		linkstore.WithHops(hops))
	require.NoError(t, store.Refresh(context.Background()))
	return store
}

func TestAggregatePaths(t *testing.T) {
	paths := linkstore.AggregatePaths([]linkstore.RoutePath{
		routePath(now.Add(-2*time.Hour), 1, 2, 3),
		routePath(now.Add(-time.Hour), 1, 2, 3),
		routePath(now, 2, 1),
		routePath(now, 1, 0, 3),
		routePath(now, 1, 1, 3),
		routePath(now, 5),
	})
	require.Len(t, paths, 2, "invalid, self-hop and hopless sequences are dropped")
	assert.Equal(t, []mesh.NodeID{1, 2, 3}, paths[0].Nodes)
	assert.Equal(t, 2, paths[0].Count)
	assert.Equal(t, now.Add(-time.Hour), paths[0].LastSeen)
	require.NotNil(t, paths[0].BestSNR)
	assert.Equal(t, 2.0, *paths[0].BestSNR)
	assert.Equal(t, 2, paths[0].Hops())
	assert.Equal(t, mesh.NodeID(1), paths[0].Source())
	assert.Equal(t, mesh.NodeID(3), paths[0].Dest())
}

func TestLongestPaths(t *testing.T) {
	hops := &fakeHops{routes: []linkstore.RoutePath{
		routePath(now.Add(-time.Hour), 1, 2, 3),
		routePath(now.Add(-time.Hour), 1, 2, 3),
		routePath(now.Add(-2*time.Hour), 1, 5, 3),
		routePath(now, 1, 3),
		routePath(now, 2, 1, 4),
		routePath(now.Add(-10*24*time.Hour), 3, 1, 2),
	}}
	store := newHopStore(t, &fakeAggregates{}, hops)
	require.Len(t, store.Snapshot().Paths, 5)

	ranked, err := store.LongestPaths(context.Background(), linkstore.PathQuery{WindowHours: 168})
	require.NoError(t, err)
	require.Len(t, ranked, 2)

	first := ranked[0]
	assert.Equal(t, mesh.NodeID(1), first.Source)
	assert.Equal(t, mesh.NodeID(3), first.Dest)
	assert.Equal(t, []mesh.NodeID{1, 2, 3}, first.Nodes, "longest known variant wins")
	assert.Equal(t, []string{"!00000001", "!00000002", "!00000003"}, first.Names)
	assert.Equal(t, 2, first.HopCount)
	assert.Equal(t, 3, first.RouteCount)
	assert.Equal(t, 2, first.VariantCount)
	require.NotNil(t, first.DistanceKm)
	assert.InDelta(t, 1268, *first.DistanceKm, 10)
	require.NotNil(t, first.DirectKm)
	assert.Less(t, *first.DirectKm, 1.0)
	assert.Equal(t, now.Add(-time.Hour), first.LastSeen)

	assert.Equal(t, mesh.NodeID(2), ranked[1].Source)
	assert.Nil(t, ranked[1].DistanceKm, "unknown position leaves distance open")

	limited, err := store.LongestPaths(context.Background(), linkstore.PathQuery{MaxResults: 1, MinHops: 3})
	require.NoError(t, err)
	assert.Empty(t, limited)

	all, err := store.LongestPaths(context.Background(), linkstore.PathQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "no window keeps the stale route")
}

func TestPatterns(t *testing.T) {
	hops := &fakeHops{routes: []linkstore.RoutePath{
		routePath(now, 1, 2, 3),
		routePath(now, 1, 2, 3),
		routePath(now, 3, 4),
		routePath(now.Add(-time.Minute), 2, 1),
	}}
	store := newHopStore(t, &fakeAggregates{}, hops)

	node := mesh.NodeID(2)
	patterns, err := store.Patterns(context.Background(), linkstore.PatternQuery{Node: &node})
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, []mesh.NodeID{1, 2, 3}, patterns[0].Nodes)
	assert.Equal(t, 2, patterns[0].Count)
	assert.Len(t, patterns[0].Names, 3)

	top, err := store.Patterns(context.Background(), linkstore.PatternQuery{MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].Count)
}

func TestHopQueriesNeedHopSource(t *testing.T) {
	store := newStore(t, &fakeAggregates{})
	_, err := store.LongestPaths(context.Background(), linkstore.PathQuery{})
	assert.ErrorIs(t, err, linkstore.ErrNoHopSource)
	_, err = store.Patterns(context.Background(), linkstore.PatternQuery{})
	assert.ErrorIs(t, err, linkstore.ErrNoHopSource)
	_, err = store.LinkDetail(context.Background(), 1, 2, 0, 0)
	assert.ErrorIs(t, err, linkstore.ErrNoHopSource)
}

func TestLinkDetail(t *testing.T) {
	hops := &fakeHops{observations: []linkstore.Observation{
		{From: 2, To: 3, SNR: snr(8), ReceivedAt: now},
		{From: 2, To: 3, SNR: snr(4), ReceivedAt: now.Add(-time.Minute)},
		{From: 3, To: 2, ReceivedAt: now.Add(-2 * time.Minute)},
		{From: 1, To: 2, SNR: snr(1), ReceivedAt: now},
	}}
	agg := &fakeAggregates{links: []linkstore.Aggregate{aggregate(2, 3, 5, 6, now)}}
	store := newHopStore(t, agg, hops)

	detail, err := store.LinkDetail(context.Background(), 3, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, mesh.NewLinkKey(2, 3), detail.Key)
	assert.Equal(t, now.Add(-linkstore.DefaultDetailHours*time.Hour), hops.since)
	assert.Equal(t, linkstore.DefaultDetailLimit, hops.limit)
	assert.Len(t, detail.Observations, 3)
	require.NotNil(t, detail.DistanceKm)
	assert.InDelta(t, 634, *detail.DistanceKm, 5)
	require.NotNil(t, detail.Aggregate)
	assert.Equal(t, 5, detail.Aggregate.ObservationCount)

	assert.Equal(t, mesh.NodeID(2), detail.AToB.From)
	assert.Equal(t, 2, detail.AToB.Count)
	require.NotNil(t, detail.AToB.AvgSNR)
	assert.Equal(t, 6.0, *detail.AToB.AvgSNR)
	assert.Equal(t, 4.0, *detail.AToB.MinSNR)
	assert.Equal(t, 8.0, *detail.AToB.MaxSNR)
	assert.Equal(t, 1, detail.BToA.Count)
	assert.Nil(t, detail.BToA.AvgSNR)

	_, err = store.LinkDetail(context.Background(), 2, 2, 0, 0)
	assert.ErrorIs(t, err, linkstore.ErrSameNode)
}

func TestNeighbors(t *testing.T) {
	agg := &fakeAggregates{links: []linkstore.Aggregate{
		aggregate(1, 2, 5, 3, now),
		aggregate(3, 1, 2, 7, now),
		aggregate(2, 3, 9, 1, now),
	}}
	store := newStore(t, agg)
	require.NoError(t, store.Refresh(context.Background()))

	neighbors, err := store.Neighbors(context.Background(), 1, linkstore.Query{})
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, mesh.NodeID(2), neighbors[0].ID)
	assert.Equal(t, "!00000002", neighbors[0].Name)
	assert.Equal(t, mesh.NodeID(3), neighbors[1].ID)
	require.NotNil(t, neighbors[1].Position)
	require.NotNil(t, neighbors[1].DistanceKm)
	assert.Less(t, *neighbors[1].DistanceKm, 1.0)

	far, err := store.Neighbors(context.Background(), 1, linkstore.Query{MinDistanceKm: 100})
	require.NoError(t, err)
	require.Len(t, far, 1)
	assert.Equal(t, mesh.NodeID(2), far[0].ID)
}
