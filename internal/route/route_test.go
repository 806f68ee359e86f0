package route_test

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/route"
	"github.com/aminovpavel/meshtopo/internal/testutil"
)

func TestParseForwardRoute(t *testing.T) {
	payload := testutil.RouteDiscovery([]uint32{2, 3}, []int32{40, 44}, nil, nil)

	parsed, err := route.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, []mesh.NodeID{2, 3}, parsed.Forward)
	assert.Equal(t, []float64{10.0, 11.0}, parsed.ForwardSNR)
	assert.False(t, parsed.HasReturn())
}

func TestParseSNRScalingAndClamp(t *testing.T) {
	payload := testutil.RouteDiscovery([]uint32{2}, []int32{-41, 900, -1000, 0}, nil, nil)

	parsed, err := route.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, []float64{-10.25, 200, -200, 0}, parsed.ForwardSNR)
}

func TestParseClampsNodeIDs(t *testing.T) {
	payload := testutil.RouteDiscovery([]uint32{0, 0xFFFFFFFF, 5}, nil, []uint32{7}, []int32{8})

	parsed, err := route.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, []mesh.NodeID{1, mesh.MaxNodeID, 5}, parsed.Forward)
	assert.Equal(t, []mesh.NodeID{7}, parsed.Return)
	assert.Equal(t, []float64{2}, parsed.ReturnSNR)
}

func TestParseDropsUnreadableElements(t *testing.T) {
	var b []byte
	// packed route with a dangling half element
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{9, 0, 0, 0, 0xAA, 0xBB})
	// varint node id wider than 32 bits
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1<<40)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 12)
	// SNR sent as fixed32 cannot be read as int32 varint
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 16)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 20)

	parsed, err := route.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, []mesh.NodeID{9, 12}, parsed.Forward)
	assert.Equal(t, []float64{5}, parsed.ForwardSNR)
}

func TestParseTruncatedPayload(t *testing.T) {
	payload := testutil.RouteDiscovery([]uint32{2, 3}, []int32{40, 44}, []uint32{3}, []int32{12})
	parsed, err := route.Parse(payload[:len(payload)-1])
	require.Error(t, err)
	assert.True(t, parsed.Empty())
}

func TestParseEmptyPayload(t *testing.T) {
	parsed, err := route.Parse(nil)
	require.NoError(t, err)
	assert.True(t, parsed.Empty())
}

func TestDecodeArbitraryBytesNeverPanics(t *testing.T) {
	decoder := route.NewDecoder()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		buf := make([]byte, rng.Intn(64))
		rng.Read(buf)
		parsed := decoder.Decode(buf)
		if _, err := route.Parse(buf); err != nil {
			assert.True(t, parsed.Empty(), "failed decode must be empty")
		}
	}
	assert.NotPanics(t, func() { decoder.Decode(testutil.BytesRepeating(0xFF, 32)) })
}

func TestDecodeLogsDiagnostic(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger("DEBUG", observability.WithWriter(&buf))
	decoder := route.NewDecoder(route.WithLogger(logger))

	parsed := decoder.Decode([]byte{0x0A, 0x10, 0x01})
	assert.True(t, parsed.Empty())
	assert.Contains(t, buf.String(), "route payload decode failed")
}

func TestBuildForwardHops(t *testing.T) {
	env := route.Envelope{From: 1, To: 4, Timestamp: time.Unix(1700000000, 0)}
	parsed := route.ParsedRoute{Forward: []mesh.NodeID{2, 3}, ForwardSNR: []float64{10, 11}}

	paths := route.Build(env, parsed)
	require.Len(t, paths, 1)

	fwd := paths[0]
	assert.Equal(t, route.Forward, fwd.Direction)
	assert.True(t, fwd.Complete)
	assert.Equal(t, []mesh.NodeID{1, 2, 3, 4}, fwd.Nodes)
	require.Len(t, fwd.Hops, 3)

	want := []struct {
		from, to mesh.NodeID
		snr      *float64
	}{
		{1, 2, ptr(10)},
		{2, 3, ptr(11)},
		{3, 4, nil},
	}
	for i, w := range want {
		hop := fwd.Hops[i]
		assert.Equal(t, i, hop.Index)
		assert.Equal(t, w.from, hop.From)
		assert.Equal(t, w.to, hop.To)
		if w.snr == nil {
			assert.Nil(t, hop.SNR)
		} else {
			require.NotNil(t, hop.SNR)
			assert.Equal(t, *w.snr, *hop.SNR)
		}
	}
}

func TestBuildForwardHopCountMatchesRoute(t *testing.T) {
	for n := 0; n < 8; n++ {
		nodes := make([]uint32, n)
		for i := range nodes {
			nodes[i] = uint32(100 + i)
		}
		parsed, err := route.Parse(testutil.RouteDiscovery(nodes, nil, nil, nil))
		require.NoError(t, err)
		paths := route.Build(route.Envelope{From: 1, To: 2}, parsed)
		assert.Len(t, paths[0].Hops, n+1)
	}
}

func TestBuildReturnPath(t *testing.T) {
	env := route.Envelope{From: 1, To: 4}
	parsed := route.ParsedRoute{
		Forward:    []mesh.NodeID{2},
		ForwardSNR: []float64{6},
		Return:     []mesh.NodeID{3},
		ReturnSNR:  []float64{-2.5, 4},
	}

	paths := route.Build(env, parsed)
	require.Len(t, paths, 2)

	ret := paths[1]
	assert.Equal(t, route.Return, ret.Direction)
	assert.Equal(t, []mesh.NodeID{4, 3, 1}, ret.Nodes)
	require.Len(t, ret.Hops, 2)
	assert.Equal(t, 0, ret.Hops[0].Index)
	assert.Equal(t, -2.5, *ret.Hops[0].SNR)
	assert.Equal(t, 4.0, *ret.Hops[1].SNR)
	assert.True(t, ret.Complete)

	assert.Len(t, route.Flatten(paths), 4)
}

func TestBuildIncompleteWithoutDestination(t *testing.T) {
	paths := route.Build(route.Envelope{From: 1, To: 0}, route.ParsedRoute{Forward: []mesh.NodeID{2}})
	require.Len(t, paths, 1)
	assert.False(t, paths[0].Complete)

	paths = route.Build(route.Envelope{From: 1, To: mesh.Broadcast}, route.ParsedRoute{})
	assert.False(t, paths[0].Complete)
}

func ptr(v float64) *float64 {
	return &v
}
