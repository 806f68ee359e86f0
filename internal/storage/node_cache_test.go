package storage

import (
	"testing"
	"time"

	"github.com/aminovpavel/meshtopo/internal/decode"
)

func TestNodeCacheUpdatePreservesFirstSeen(t *testing.T) {
	cache := newNodeCache()

	now := time.Unix(1_700_000_000, 123_000_000)
	pkt := decode.Packet{
		From:                  0x1234,
		ChannelID:             "Primary",
		ReceivedAt:            now,
		ProcessedSuccessfully: true,
		Node: &decode.NodeInfo{
			UserID:    "!00001234",
			LongName:  "First Node",
			ShortName: "First",
		},
	}

	entry, changed := cache.updateFromPacket(pkt)
	if entry == nil || !changed {
		t.Fatalf("expected entry to be created")
	}
	if !entry.FirstSeen.Equal(now) {
		t.Fatalf("expected first seen %v, got %v", now, entry.FirstSeen)
	}
	if entry.PrimaryChannel != "Primary" {
		t.Fatalf("expected primary channel Primary, got %s", entry.PrimaryChannel)
	}

	later := now.Add(15 * time.Second)
	second := decode.Packet{
		From:       0x1234,
		ReceivedAt: later,
		Node: &decode.NodeInfo{
			UserID:    "!00001234",
			ShortName: "Second",
		},
	}

	updated, changed := cache.updateFromPacket(second)
	if updated == nil || !changed {
		t.Fatalf("expected entry to change on second update")
	}
	if !updated.FirstSeen.Equal(now) {
		t.Fatalf("expected first seen to remain %v, got %v", now, updated.FirstSeen)
	}
	if !updated.LastUpdated.Equal(later) {
		t.Fatalf("expected last updated %v, got %v", later, updated.LastUpdated)
	}
	if updated.LongName != "First Node" {
		t.Fatalf("expected long name to remain 'First Node', got %q", updated.LongName)
	}
	if updated.ShortName != "Second" {
		t.Fatalf("expected short name to update to 'Second', got %q", updated.ShortName)
	}

	if _, changed := cache.updateFromPacket(second); changed {
		t.Fatalf("expected identical update to be a no-op")
	}
	if entry := cache.nodes[0x1234]; entry == nil || entry.LongName != "First Node" || entry.ShortName != "Second" {
		t.Fatalf("expected cached entry to keep both names, got %+v", entry)
	}
}

func TestNodeCacheEnsureGateway(t *testing.T) {
	cache := newNodeCache()
	now := time.Unix(1_700_000_000, 0)

	entry, created := cache.ensureGateway("!a1b2c3d4", now)
	if !created || entry.NodeID != 0xa1b2c3d4 {
		t.Fatalf("expected gateway node 0xa1b2c3d4 to be created, got %+v", entry)
	}
	if _, created := cache.ensureGateway("!a1b2c3d4", now.Add(time.Minute)); created {
		t.Fatalf("expected second sighting to reuse entry")
	}
	if _, created := cache.ensureGateway("unknown", now); created {
		t.Fatalf("expected non-hex gateway id to be ignored")
	}
}
