package httpapi_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshtopo/internal/api/httpapi"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

type mockExplorer struct{ mock.Mock }

func (m *mockExplorer) LinkDetail(ctx context.Context, a, b mesh.NodeID, hours, limit int) (linkstore.LinkDetail, error) {
	args := m.Called(ctx, a, b, hours, limit)
	return args.Get(0).(linkstore.LinkDetail), args.Error(1)
}

func (m *mockExplorer) Neighbors(ctx context.Context, id mesh.NodeID, q linkstore.Query) ([]linkstore.Neighbor, error) {
	args := m.Called(ctx, id, q)
	out, _ := args.Get(0).([]linkstore.Neighbor)
	return out, args.Error(1)
}

func (m *mockExplorer) LongestPaths(ctx context.Context, q linkstore.PathQuery) ([]linkstore.RankedPath, error) {
	args := m.Called(ctx, q)
	out, _ := args.Get(0).([]linkstore.RankedPath)
	return out, args.Error(1)
}

func (m *mockExplorer) Patterns(ctx context.Context, q linkstore.PatternQuery) ([]linkstore.Pattern, error) {
	args := m.Called(ctx, q)
	out, _ := args.Get(0).([]linkstore.Pattern)
	return out, args.Error(1)
}

func TestLinkDetail(t *testing.T) {
	explorer := new(mockExplorer)
	key := mesh.NewLinkKey(0x0a, 0x0b)
	explorer.On("LinkDetail", mock.Anything, mesh.NodeID(0x0b), mesh.NodeID(0x0a), 24, 1000).Return(linkstore.LinkDetail{
		Key:        key,
		AName:      "Alpha",
		BName:      "!0000000b",
		DistanceKm: float(12.5),
		AToB:       linkstore.DirectionStats{From: 0x0a, To: 0x0b, Count: 2, AvgSNR: float(6)},
		BToA:       linkstore.DirectionStats{From: 0x0b, To: 0x0a},
		Observations: []linkstore.Observation{
			{PacketID: 7, MeshPacketID: 42, From: 0x0a, To: 0x0b, Direction: "forward", SNR: float(6), ReceivedAt: time.Now()},
		},
	}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Explorer: explorer})
	rec := serve(t, srv, http.MethodGet, "/api/v1/links/!0000000b/10?hours=24&limit=5000")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "!0000000a", body["node_a"])
	assert.Equal(t, "Alpha", body["name_a"])
	assert.EqualValues(t, 24, body["hours"])
	assert.InDelta(t, 12.5, body["distance_km"], 1e-9)
	aToB := body["a_to_b"].(map[string]any)
	assert.EqualValues(t, 2, aToB["count"])
	assert.Nil(t, body["b_to_a"].(map[string]any)["avg_snr"])
	require.Len(t, body["observations"], 1)
	explorer.AssertExpectations(t)
}

func TestLinkDetailRejectsBadPairs(t *testing.T) {
	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Explorer: new(mockExplorer)})
	for _, target := range []string{
		"/api/v1/links/!0000000a/!0000000a",
		"/api/v1/links/zz/1",
		"/api/v1/links/0/1",
		"/api/v1/links/1/2?hours=-1",
	} {
		assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, target).Code, target)
	}
}

func TestExplorerWithoutHopSource(t *testing.T) {
	explorer := new(mockExplorer)
	explorer.On("LongestPaths", mock.Anything, mock.Anything).Return(nil, linkstore.ErrNoHopSource)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Explorer: explorer})
	assert.Equal(t, http.StatusNotImplemented, serve(t, srv, http.MethodGet, "/api/v1/paths/longest").Code)
}

func TestNeighbors(t *testing.T) {
	explorer := new(mockExplorer)
	explorer.On("Neighbors", mock.Anything, mesh.NodeID(1), mock.MatchedBy(func(q linkstore.Query) bool {
		return q.Order == linkstore.OrderByDistance && q.MinDistanceKm == 5 && q.MaxResults == 10
	})).Return([]linkstore.Neighbor{{
		RankedLink: linkstore.RankedLink{
			Aggregate:  linkstore.Aggregate{Key: mesh.NewLinkKey(1, 2), ObservationCount: 4, AvgSNR: 3, LastSeen: time.Now().Add(-time.Hour)},
			DistanceKm: float(30),
		},
		ID:   2,
		Name: "Bravo",
	}}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Explorer: explorer})
	rec := serve(t, srv, http.MethodGet, "/api/v1/nodes/!00000001/neighbors?order=distance&min_distance_km=5&max_results=10")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "!00000001", body["node"])
	list := body["neighbors"].([]any)
	require.Len(t, list, 1)
	n := list[0].(map[string]any)
	assert.Equal(t, "Bravo", n["name"])
	assert.EqualValues(t, 4, n["observation_count"])
	assert.Equal(t, "1 hour ago", n["last_seen_ago"])
	explorer.AssertExpectations(t)

	assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/v1/nodes/1/neighbors?order=sideways").Code)
}

func TestLongestPaths(t *testing.T) {
	explorer := new(mockExplorer)
	explorer.On("LongestPaths", mock.Anything, linkstore.PathQuery{MinHops: 3, MaxResults: 100, WindowHours: 48}).
		Return([]linkstore.RankedPath{{
			Source:       1,
			Dest:         3,
			Nodes:        []mesh.NodeID{1, 2, 4, 3},
			Names:        []string{"A", "B", "D", "C"},
			HopCount:     3,
			RouteCount:   5,
			VariantCount: 2,
			DistanceKm:   float(120),
		}}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Explorer: explorer})
	rec := serve(t, srv, http.MethodGet, "/api/v1/paths/longest?min_hops=3&hours=48")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["count"])
	path := body["paths"].([]any)[0].(map[string]any)
	assert.Equal(t, "!00000001", path["source"])
	assert.Len(t, path["nodes"], 4)
	assert.EqualValues(t, 3, path["hop_count"])
	assert.Nil(t, path["direct_km"])
	explorer.AssertExpectations(t)
}

func TestPatterns(t *testing.T) {
	explorer := new(mockExplorer)
	explorer.On("Patterns", mock.Anything, mock.MatchedBy(func(q linkstore.PatternQuery) bool {
		return q.Node != nil && *q.Node == 2 && q.MaxResults == 500
	})).Return([]linkstore.Pattern{{
		PathAggregate: linkstore.PathAggregate{Nodes: []mesh.NodeID{1, 2, 3}, Count: 7},
		Names:         []string{"A", "B", "C"},
	}}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Explorer: explorer})
	rec := serve(t, srv, http.MethodGet, "/api/v1/paths/patterns?node=2&max_results=9999")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pattern := decodeBody(t, rec)["patterns"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 7, pattern["count"])
	assert.EqualValues(t, 2, pattern["hop_count"])
	explorer.AssertExpectations(t)
}
