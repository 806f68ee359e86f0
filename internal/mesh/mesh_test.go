package mesh_test

import (
	"testing"

	"github.com/aminovpavel/meshtopo/internal/mesh"
)

func TestLinkKeySymmetry(t *testing.T) {
	if mesh.NewLinkKey(7, 3) != mesh.NewLinkKey(3, 7) {
		t.Fatalf("expected link keys to match regardless of order")
	}
	key := mesh.NewLinkKey(9, 2)
	if key.A != 2 || key.B != 9 {
		t.Fatalf("expected canonical (2,9), got (%d,%d)", key.A, key.B)
	}
}

func TestDisplayNameFallback(t *testing.T) {
	if got := mesh.DisplayName(0xabcd, "", ""); got != "!0000abcd" {
		t.Fatalf("expected formatted node id, got %q", got)
	}
	if got := mesh.DisplayName(0xabcd, "", "Short"); got != "Short" {
		t.Fatalf("expected short name, got %q", got)
	}
}

func TestNodeIDValid(t *testing.T) {
	if mesh.NodeID(0).Valid() || mesh.Broadcast.Valid() {
		t.Fatalf("expected zero and broadcast to be invalid")
	}
	if !mesh.NodeID(1).Valid() {
		t.Fatalf("expected 1 to be valid")
	}
}

func TestHopCount(t *testing.T) {
	start, limit := uint32(5), uint32(2)
	r := mesh.Reception{HopStart: &start, HopLimit: &limit}
	hops, ok := r.HopCount()
	if !ok || hops != 3 {
		t.Fatalf("expected 3 hops, got %d (ok=%v)", hops, ok)
	}
	if _, ok := (mesh.Reception{HopStart: &start}).HopCount(); ok {
		t.Fatalf("expected unknown hop count without hop_limit")
	}
}

func TestIsRouteDiscovery(t *testing.T) {
	base := mesh.Reception{PortNum: mesh.PortTraceroute, Processed: true, Payload: []byte{1}, From: 1, To: 4}
	if !base.IsRouteDiscovery() {
		t.Fatalf("expected route discovery packet to qualify")
	}
	bcast := base
	bcast.To = mesh.Broadcast
	if bcast.IsRouteDiscovery() {
		t.Fatalf("expected broadcast destination to be rejected")
	}
	text := base
	text.PortNum = mesh.PortTextMessage
	if text.IsRouteDiscovery() {
		t.Fatalf("expected text packet to be rejected")
	}
}

func TestParsePortNum(t *testing.T) {
	if p, ok := mesh.ParsePortNum("TRACEROUTE_APP"); !ok || p != mesh.PortTraceroute {
		t.Fatalf("expected TRACEROUTE_APP to parse, got %v %v", p, ok)
	}
	if p, ok := mesh.ParsePortNum("3"); !ok || p != mesh.PortPosition {
		t.Fatalf("expected 3 to parse as position, got %v %v", p, ok)
	}
	if _, ok := mesh.ParsePortNum("bogus"); ok {
		t.Fatalf("expected bogus port to fail")
	}
}

func TestParseNodeID(t *testing.T) {
	for _, in := range []string{"!a1b2c3d4", "0xa1b2c3d4", "2712847316", " !A1B2C3D4 "} {
		id, err := mesh.ParseNodeID(in)
		if err != nil || id != 0xa1b2c3d4 {
			t.Fatalf("%q: expected 0xa1b2c3d4, got %v (%v)", in, id, err)
		}
	}
	for _, in := range []string{"", "!zz", "0x1ffffffff", "-1"} {
		if _, err := mesh.ParseNodeID(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
