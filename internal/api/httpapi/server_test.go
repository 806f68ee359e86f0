package httpapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshtopo/internal/api/httpapi"
	"github.com/aminovpavel/meshtopo/internal/grouping"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/refresh"
	"github.com/aminovpavel/meshtopo/internal/topology"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type mockGroups struct{ mock.Mock }

func (m *mockGroups) Page(ctx context.Context, q grouping.Query) (grouping.Page, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(grouping.Page), args.Error(1)
}

type mockTopology struct{ mock.Mock }

func (m *mockTopology) Graph(ctx context.Context, q topology.Query) (topology.Graph, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(topology.Graph), args.Error(1)
}

type mockLinks struct{ mock.Mock }

func (m *mockLinks) Rank(ctx context.Context, q linkstore.Query) ([]linkstore.RankedLink, error) {
	args := m.Called(ctx, q)
	links, _ := args.Get(0).([]linkstore.RankedLink)
	return links, args.Error(1)
}

func (m *mockLinks) Snapshot() *linkstore.Snapshot {
	return &linkstore.Snapshot{PublishedAt: time.Now().Add(-2 * time.Minute)}
}

type fakeRefresh struct {
	started bool
	err     error
	status  refresh.Status
}

func (f *fakeRefresh) ForceRefresh() (bool, error) { return f.started, f.err }
func (f *fakeRefresh) Status() refresh.Status      { return f.status }

func serve(t *testing.T, srv *httpapi.Server, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func float(v float64) *float64 { return &v }

func TestGroupsParsesQuery(t *testing.T) {
	groups := new(mockGroups)
	from := mesh.NodeID(0xa1b2c3d4)
	port := mesh.PortTraceroute
	groups.On("Page", mock.Anything, mock.MatchedBy(func(q grouping.Query) bool {
		return q.From != nil && *q.From == from &&
			q.PortNum != nil && *q.PortNum == port &&
			q.RouteDiscoveryOnly &&
			q.Sort == grouping.SortGatewayCount && !q.Descending &&
			q.Limit == 20 && q.Offset == 40 &&
			q.GatewayID == "!0000000a"
	})).Return(grouping.Page{
		Groups: []grouping.Group{{
			Key:          grouping.Key{MeshPacketID: 42, From: 10, To: 20, PortNum: mesh.PortTraceroute},
			GatewayCount: 3,
			Gateways:     []string{"!0000000a", "!0000000b", "!0000000c"},
		}},
		Total:     1,
		TotalKind: grouping.TotalExact,
		Offset:    40,
		Limit:     20,
	}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Groups: groups})
	rec := serve(t, srv, http.MethodGet,
		"/api/v1/packets/groups?from_node=!a1b2c3d4&portnum=TRACEROUTE_APP&traceroute=true&sort=gateway_count&order=asc&limit=20&offset=40&gateway_id=!0000000a")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "exact", body["total_kind"])
	list := body["groups"].([]any)
	require.Len(t, list, 1)
	group := list[0].(map[string]any)
	assert.EqualValues(t, 42, group["mesh_packet_id"])
	assert.Equal(t, "!0000000a", group["from_node"])
	assert.Equal(t, "TRACEROUTE_APP", group["portnum_name"])
	assert.EqualValues(t, 3, group["gateway_count"])
	groups.AssertExpectations(t)
}

func TestGroupsRejectsBadArguments(t *testing.T) {
	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Groups: new(mockGroups)})

	for _, target := range []string{
		"/api/v1/packets/groups?limit=abc",
		"/api/v1/packets/groups?sort=bogus",
		"/api/v1/packets/groups?order=sideways",
		"/api/v1/packets/groups?from_node=!zz",
		"/api/v1/packets/groups?offset=-1",
		"/api/v1/packets/groups?start=2024-05-02T00:00:00Z&end=2024-05-01T00:00:00Z",
	} {
		rec := serve(t, srv, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGroupsMapsStorageErrors(t *testing.T) {
	groups := new(mockGroups)
	groups.On("Page", mock.Anything, mock.Anything).Return(grouping.Page{}, context.DeadlineExceeded).Once()
	groups.On("Page", mock.Anything, mock.Anything).Return(grouping.Page{}, errors.New("boom")).Once()
	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Groups: groups})

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, srv, http.MethodGet, "/api/v1/packets/groups").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, srv, http.MethodGet, "/api/v1/packets/groups").Code)
}

func TestTopologyDefaultsDisableSNRFilter(t *testing.T) {
	topo := new(mockTopology)
	topo.On("Graph", mock.Anything, topology.Query{Hours: 24, MinSNR: topology.DisableSNRFilter}).
		Return(topology.Graph{
			Nodes: []topology.Node{{ID: 1, DisplayName: "One"}, {ID: 2, DisplayName: "!00000002"}},
			Links: []topology.Link{{Key: mesh.NewLinkKey(1, 2), Type: topology.Direct, AvgSNR: float(10), ObservationCount: 2}},
		}, nil)
	topo.On("Graph", mock.Anything, topology.Query{Hours: 6, MinSNR: -5, GatewayID: "!0000000a", PacketLimit: 100, IncludeIndirect: true}).
		Return(topology.Graph{Partial: true}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Topology: topo})

	rec := serve(t, srv, http.MethodGet, "/api/v1/topology")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Len(t, body["nodes"], 2)
	link := body["links"].([]any)[0].(map[string]any)
	assert.Equal(t, "direct", link["type"])
	assert.EqualValues(t, 10, link["avg_snr"])
	assert.Nil(t, link["distance_km"])

	rec = serve(t, srv, http.MethodGet, "/api/v1/topology?hours=6&min_snr=-5&gateway_id=!0000000a&packet_limit=100&include_indirect=1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["partial"])
	topo.AssertExpectations(t)
}

func TestLongestLinks(t *testing.T) {
	links := new(mockLinks)
	links.On("Rank", mock.Anything, linkstore.Query{
		MinDistanceKm: 5,
		MinSNR:        float(-10),
		MaxResults:    10,
		WindowHours:   48,
		Order:         linkstore.OrderByDistance,
	}).Return([]linkstore.RankedLink{{
		Aggregate: linkstore.Aggregate{
			Key:              mesh.NewLinkKey(1, 2),
			ObservationCount: 4,
			AvgSNR:           6.5,
			LastSeen:         time.Now().Add(-3 * time.Hour),
		},
		FromName:   "One",
		ToName:     "Two",
		DistanceKm: float(634.2),
	}}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Links: links})
	rec := serve(t, srv, http.MethodGet, "/api/v1/links/longest?min_distance_km=5&min_snr=-10&max_results=10&hours=48&order=distance")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "2 minutes ago", body["snapshot_age"])
	link := body["links"].([]any)[0].(map[string]any)
	assert.Equal(t, "One", link["from_name"])
	assert.Equal(t, "3 hours ago", link["last_seen_ago"])
	assert.EqualValues(t, 634.2, link["distance_km"])

	assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/v1/links/longest?order=random").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/v1/links/longest?min_distance_km=-1").Code)
	links.AssertExpectations(t)
}

func TestMapLinksClampsAndDropsImplausible(t *testing.T) {
	links := new(mockLinks)
	links.On("Rank", mock.Anything, mock.MatchedBy(func(q linkstore.Query) bool {
		return q.WindowHours == 168 && q.MinDistanceKm == 0.1 &&
			q.MinSNR != nil && *q.MinSNR == -50 &&
			q.MaxResults == 1000 && q.Order == linkstore.OrderByDistance
	})).Return([]linkstore.RankedLink{
		{Aggregate: linkstore.Aggregate{Key: mesh.NewLinkKey(1, 2)}, DistanceKm: float(900)},
		{Aggregate: linkstore.Aggregate{Key: mesh.NewLinkKey(2, 3)}, DistanceKm: float(120)},
		{Aggregate: linkstore.Aggregate{Key: mesh.NewLinkKey(3, 4)}},
	}, nil)

	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Links: links})
	rec := serve(t, srv, http.MethodGet, "/api/v1/links/map?hours=1000")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	list := body["links"].([]any)
	require.Len(t, list, 1)
	assert.EqualValues(t, 2, list[0].(map[string]any)["from_node_id"])
	links.AssertExpectations(t)
}

func TestDecodeRoute(t *testing.T) {
	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{})

	// route [2, 3] as packed fixed32, snr_towards [40, 44] as packed varints
	payload := "0a08" + "02000000" + "03000000" + "1202" + "28" + "2c"
	rec := serve(t, srv, http.MethodGet, "/api/v1/route/decode?payload="+payload+"&from=1&to=4")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"!00000002", "!00000003"}, body["forward"])
	assert.Equal(t, []any{10.0, 11.0}, body["forward_snr"])
	paths := body["paths"].([]any)
	require.Len(t, paths, 1)
	forward := paths[0].(map[string]any)
	assert.Equal(t, true, forward["complete"])
	hops := forward["hops"].([]any)
	require.Len(t, hops, 3)
	assert.Nil(t, hops[2].(map[string]any)["snr"])

	assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/v1/route/decode?payload=zz").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/api/v1/route/decode").Code)
}

func TestRefreshEndpoints(t *testing.T) {
	ctrl := &fakeRefresh{started: true, status: refresh.Status{State: refresh.Refreshing, RunID: "run-1", Runs: 3}}
	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{Refresh: ctrl})

	rec := serve(t, srv, http.MethodGet, "/api/v1/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "refreshing", body["state"])
	assert.Equal(t, "run-1", body["run_id"])

	rec = serve(t, srv, http.MethodPost, "/api/v1/refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["started"])

	ctrl.started = false
	assert.Equal(t, http.StatusConflict, serve(t, srv, http.MethodPost, "/api/v1/refresh").Code)

	ctrl.err = refresh.ErrStopped
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, srv, http.MethodPost, "/api/v1/refresh").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, srv, http.MethodDelete, "/api/v1/refresh").Code)
}

func TestAuthToken(t *testing.T) {
	srv := httpapi.New(httpapi.Config{AuthToken: "secret"}, httpapi.Deps{Refresh: &fakeRefresh{}})

	assert.Equal(t, http.StatusUnauthorized, serve(t, srv, http.MethodGet, "/api/v1/refresh").Code)
	assert.Equal(t, http.StatusForbidden, serve(t, srv, http.MethodGet, "/api/v1/refresh", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/api/v1/refresh", "Authorization", "Bearer secret").Code)
}

func TestUnconfiguredEndpoints(t *testing.T) {
	srv := httpapi.New(httpapi.Config{}, httpapi.Deps{})

	for _, target := range []string{
		"/api/v1/packets/groups", "/api/v1/topology", "/api/v1/links/longest", "/api/v1/links/map",
		"/api/v1/links/1/2", "/api/v1/nodes/1/neighbors", "/api/v1/paths/longest", "/api/v1/paths/patterns",
	} {
		rec := serve(t, srv, http.MethodGet, target)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, target)
		assert.True(t, strings.Contains(rec.Body.String(), "not configured"), target)
	}
	assert.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodGet, "/api/v1/nope").Code)
}
