package topology_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/route"
	"github.com/aminovpavel/meshtopo/internal/testutil"
	"github.com/aminovpavel/meshtopo/internal/topology"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func packet(id int64, from, to mesh.NodeID, via []uint32, snr []int32, at time.Time) topology.Packet {
	env := route.Envelope{PacketID: id, MeshPacketID: uint32(id), From: from, To: to, Timestamp: at}
	parsed, err := route.Parse(testutil.RouteDiscovery(via, snr, nil, nil))
	if err != nil {
		panic(err)
	}
	return topology.Packet{Envelope: env, Paths: route.Build(env, parsed)}
}

func findLink(g topology.Graph, a, b mesh.NodeID) (topology.Link, bool) {
	key := mesh.NewLinkKey(a, b)
	for _, l := range g.Links {
		if l.Key == key {
			return l, true
		}
	}
	return topology.Link{}, false
}

func findNode(g topology.Graph, id mesh.NodeID) (topology.Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return topology.Node{}, false
}

func TestBuildEndToEndRoute(t *testing.T) {
	g := topology.Build([]topology.Packet{
		packet(1, 1, 4, []uint32{2, 3}, []int32{40, 44}, base),
	}, topology.Options{MinSNR: topology.DisableSNRFilter})

	require.Len(t, g.Links, 2)
	l12, ok := findLink(g, 1, 2)
	require.True(t, ok)
	assert.Equal(t, topology.Direct, l12.Type)
	require.NotNil(t, l12.AvgSNR)
	assert.InDelta(t, 10.0, *l12.AvgSNR, 1e-9)
	l23, ok := findLink(g, 2, 3)
	require.True(t, ok)
	assert.InDelta(t, 11.0, *l23.AvgSNR, 1e-9)
	_, ok = findLink(g, 3, 4)
	assert.False(t, ok, "hop without SNR is not an RF link")

	assert.Equal(t, 1, g.Stats.PacketsAnalyzed)
	assert.Equal(t, 1, g.Stats.PacketsWithRFHops)
	assert.Equal(t, 2, g.Stats.TotalRFHops)
	assert.Equal(t, 2, g.Stats.LinksFound)
	assert.Equal(t, 1, g.Stats.LinksFilteredBySNR)

	require.Len(t, g.Nodes, 4)
	n2, ok := findNode(g, 2)
	require.True(t, ok)
	assert.Equal(t, 2, n2.PacketCount)
	assert.Equal(t, 2, n2.ConnectionCount)
	require.NotNil(t, n2.AvgSNR)
	assert.InDelta(t, 10.5, *n2.AvgSNR, 1e-9)
	n4, _ := findNode(g, 4)
	assert.Nil(t, n4.AvgSNR)
	assert.Equal(t, "!00000004", n4.DisplayName)
}

func TestBuildLinkSymmetry(t *testing.T) {
	g := topology.Build([]topology.Packet{
		packet(1, 1, 2, nil, []int32{20}, base),
		packet(2, 2, 1, nil, []int32{28}, base.Add(time.Minute)),
	}, topology.Options{MinSNR: topology.DisableSNRFilter})

	require.Len(t, g.Links, 1)
	link := g.Links[0]
	assert.Equal(t, mesh.LinkKey{A: 1, B: 2}, link.Key)
	assert.Equal(t, 2, link.ObservationCount)
	assert.InDelta(t, 6.0, *link.AvgSNR, 1e-9)
	assert.Equal(t, base.Add(time.Minute), link.LastSeen)
	assert.Equal(t, int64(2), link.LastPacketID)
}

func TestBuildExcludesZeroSNR(t *testing.T) {
	g := topology.Build([]topology.Packet{
		packet(1, 1, 2, nil, []int32{0}, base),
	}, topology.Options{MinSNR: topology.DisableSNRFilter})

	assert.Empty(t, g.Links)
	assert.Equal(t, 1, g.Stats.LinksFilteredZeroSNR)
	assert.Equal(t, 0, g.Stats.PacketsWithRFHops)
}

func TestBuildMinSNRThreshold(t *testing.T) {
	packets := []topology.Packet{packet(1, 1, 2, nil, []int32{-40}, base)}

	filtered := topology.Build(packets, topology.Options{MinSNR: -5})
	assert.Empty(t, filtered.Links)
	assert.Equal(t, 1, filtered.Stats.LinksFilteredBySNR)

	kept := topology.Build(packets, topology.Options{MinSNR: topology.DisableSNRFilter})
	require.Len(t, kept.Links, 1)
	assert.InDelta(t, -10.0, *kept.Links[0].AvgSNR, 1e-9)
}

func TestBuildBroadcastNeverBecomesNode(t *testing.T) {
	g := topology.Build([]topology.Packet{
		packet(1, 1, mesh.Broadcast, []uint32{2}, []int32{40, 40}, base),
	}, topology.Options{MinSNR: topology.DisableSNRFilter})

	assert.Empty(t, g.Links, "path towards broadcast is incomplete")
	_, ok := findNode(g, mesh.Broadcast)
	assert.False(t, ok)
}

func TestBuildIndirectLinks(t *testing.T) {
	relayed := packet(1, 1, 3, []uint32{2}, []int32{40, 44}, base)

	g := topology.Build([]topology.Packet{relayed}, topology.Options{MinSNR: topology.DisableSNRFilter, IncludeIndirect: true})
	indirect, ok := findLink(g, 1, 3)
	require.True(t, ok)
	assert.Equal(t, topology.Indirect, indirect.Type)
	assert.Equal(t, 2, indirect.HopCount)
	assert.Equal(t, 1, indirect.PathCount)
	assert.Equal(t, 3, g.Stats.LinksFound)

	withoutIndirect := topology.Build([]topology.Packet{relayed}, topology.Options{MinSNR: topology.DisableSNRFilter})
	_, ok = findLink(withoutIndirect, 1, 3)
	assert.False(t, ok)

	direct := packet(2, 1, 3, nil, []int32{36}, base.Add(time.Minute))
	g = topology.Build([]topology.Packet{relayed, direct}, topology.Options{MinSNR: topology.DisableSNRFilter, IncludeIndirect: true})
	link, ok := findLink(g, 1, 3)
	require.True(t, ok)
	assert.Equal(t, topology.Direct, link.Type, "a direct link shadows the indirect edge")
	assert.Len(t, g.Links, 3)
}

func TestStrengthMonotonic(t *testing.T) {
	prev := 0.0
	for snr := -30.0; snr <= 30; snr += 2.5 {
		s := topology.LinkStrength(snr, 3)
		assert.GreaterOrEqual(t, s, prev)
		assert.GreaterOrEqual(t, s, 1.0)
		assert.LessOrEqual(t, s, 10.0)
		prev = s
	}
	prev = 0
	for count := 1; count < 1000; count *= 3 {
		s := topology.LinkStrength(-10, count)
		assert.GreaterOrEqual(t, s, prev)
		prev = s
	}
	assert.Equal(t, 0.5, topology.IndirectStrength(1, 4))
	assert.Equal(t, 5.0, topology.IndirectStrength(50, 2))
	assert.Equal(t, 5.0, topology.NodeSize(0))
	assert.Equal(t, 20.0, topology.NodeSize(1_000_000_000))
}

func TestDecorate(t *testing.T) {
	g := topology.Build([]topology.Packet{
		packet(1, 1, 2, nil, []int32{20}, base),
	}, topology.Options{MinSNR: topology.DisableSNRFilter})

	topology.Decorate(&g, map[mesh.NodeID]string{1: "Alpha"}, map[mesh.NodeID]mesh.Position{
		1: {Latitude: 55.7558, Longitude: 37.6173},
		2: {Latitude: 59.9343, Longitude: 30.3351},
	})

	n1, _ := findNode(g, 1)
	n2, _ := findNode(g, 2)
	assert.Equal(t, "Alpha", n1.DisplayName)
	assert.Equal(t, "!00000002", n2.DisplayName)
	require.NotNil(t, n1.Location)
	require.NotNil(t, g.Links[0].DistanceKm)
	assert.InDelta(t, 634, *g.Links[0].DistanceKm, 5)
}

type fakeSource struct {
	rows []mesh.Reception
	err  error
}

func (f fakeSource) FetchRoutePackets(context.Context, time.Time, string, int) ([]mesh.Reception, error) {
	return f.rows, f.err
}

type fakeDirectory struct{}

func (fakeDirectory) DisplayNames(context.Context, []mesh.NodeID) (map[mesh.NodeID]string, error) {
	return map[mesh.NodeID]string{2: "Relay"}, nil
}

func (fakeDirectory) Positions(context.Context, []mesh.NodeID) (map[mesh.NodeID]mesh.Position, error) {
	return nil, errors.New("positions offline")
}

func routeReception(id int64, from, to mesh.NodeID, payload []byte) mesh.Reception {
	return mesh.Reception{
		ID:           id,
		Timestamp:    base,
		MeshPacketID: uint32(id),
		From:         from,
		To:           to,
		PortNum:      mesh.PortTraceroute,
		Payload:      payload,
		Processed:    true,
	}
}

func TestServiceGraph(t *testing.T) {
	src := fakeSource{rows: []mesh.Reception{
		routeReception(1, 1, 4, testutil.RouteDiscovery([]uint32{2, 3}, []int32{40, 44}, nil, nil)),
		{ID: 2, From: 1, To: 2, PortNum: mesh.PortTextMessage, Processed: true, Payload: []byte("hi")},
	}}
	svc := topology.NewService(src, topology.WithDirectory(fakeDirectory{}), topology.WithClock(func() time.Time { return base }))

	g, err := svc.Graph(context.Background(), topology.Query{MinSNR: topology.DisableSNRFilter})
	require.NoError(t, err)
	assert.False(t, g.Partial)
	assert.Equal(t, 1, g.Stats.PacketsAnalyzed)
	assert.Len(t, g.Links, 2)
	n2, _ := findNode(g, 2)
	assert.Equal(t, "Relay", n2.DisplayName)
}

func TestServiceGraphPartialOnDeadline(t *testing.T) {
	src := fakeSource{
		rows: []mesh.Reception{routeReception(1, 1, 2, testutil.RouteDiscovery(nil, []int32{20}, nil, nil))},
		err:  context.DeadlineExceeded,
	}
	g, err := topology.NewService(src).Graph(context.Background(), topology.Query{MinSNR: topology.DisableSNRFilter})
	require.NoError(t, err)
	assert.True(t, g.Partial)
	assert.Len(t, g.Links, 1)
}

func TestServiceGraphStorageError(t *testing.T) {
	_, err := topology.NewService(fakeSource{err: errors.New("disk gone")}).Graph(context.Background(), topology.Query{})
	require.Error(t, err)
}
