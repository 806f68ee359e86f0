package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

type nodeEntry struct {
	NodeID         mesh.NodeID
	UserID         string
	HexID          string
	LongName       string
	ShortName      string
	PrimaryChannel string
	FirstSeen      time.Time
	LastUpdated    time.Time
}

// nodeCache mirrors node_info so the writer only upserts rows that changed.
type nodeCache struct {
	mu    sync.RWMutex
	nodes map[mesh.NodeID]*nodeEntry
}

func newNodeCache() *nodeCache {
	return &nodeCache{
		nodes: make(map[mesh.NodeID]*nodeEntry),
	}
}

func (c *nodeCache) load(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
        SELECT
            node_id,
            COALESCE(user_id, ''),
            COALESCE(hex_id, ''),
            COALESCE(long_name, ''),
            COALESCE(short_name, ''),
            COALESCE(primary_channel, ''),
            COALESCE(first_seen, 0),
            COALESCE(last_updated, 0)
        FROM node_info
    `)
	if err != nil {
		return fmt.Errorf("node cache load query: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	for rows.Next() {
		var (
			nodeID      int64
			entry       nodeEntry
			firstSeen   float64
			lastUpdated float64
		)
		if err := rows.Scan(
			&nodeID,
			&entry.UserID,
			&entry.HexID,
			&entry.LongName,
			&entry.ShortName,
			&entry.PrimaryChannel,
			&firstSeen,
			&lastUpdated,
		); err != nil {
			return fmt.Errorf("node cache scan: %w", err)
		}
		entry.NodeID = mesh.NodeID(nodeID)
		entry.HexID = fallbackString(entry.HexID, entry.UserID)
		entry.FirstSeen = secondsToTime(firstSeen)
		entry.LastUpdated = secondsToTime(lastUpdated)
		c.nodes[entry.NodeID] = &entry
	}

	return rows.Err()
}

// updateFromPacket merges node info carried by pkt and returns a copy of the
// merged entry together with whether anything persisted changed.
func (c *nodeCache) updateFromPacket(pkt decode.Packet) (*nodeEntry, bool) {
	if pkt.Node == nil || !pkt.From.Valid() {
		return nil, false
	}
	return c.merge(nodeUpdate{
		NodeID:         pkt.From,
		UserID:         pkt.Node.UserID,
		HexID:          pkt.Node.UserID,
		PrimaryChannel: pkt.ChannelID,
		LongName:       pkt.Node.LongName,
		ShortName:      pkt.Node.ShortName,
		UpdatedAt:      pkt.ReceivedAt,
	})
}

// ensureGateway registers the reporting gateway as a node the first time it
// is seen.
func (c *nodeCache) ensureGateway(hexID string, updatedAt time.Time) (*nodeEntry, bool) {
	nodeID, ok := hexIDToNumeric(hexID)
	if !ok || !nodeID.Valid() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.nodes[nodeID]; exists {
		copied := *entry
		return &copied, false
	}

	entry := &nodeEntry{
		NodeID:      nodeID,
		UserID:      hexID,
		HexID:       hexID,
		FirstSeen:   updatedAt,
		LastUpdated: updatedAt,
	}
	c.nodes[nodeID] = entry
	copied := *entry
	return &copied, true
}

func (c *nodeCache) merge(update nodeUpdate) (*nodeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.nodes[update.NodeID]
	changed := !exists
	if !exists {
		entry = &nodeEntry{
			NodeID:      update.NodeID,
			FirstSeen:   update.UpdatedAt,
			LastUpdated: update.UpdatedAt,
		}
		c.nodes[update.NodeID] = entry
	}

	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = update.UpdatedAt
	}
	if update.UpdatedAt.After(entry.LastUpdated) || entry.LastUpdated.IsZero() {
		entry.LastUpdated = update.UpdatedAt
	}

	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&entry.UserID, update.UserID)
	set(&entry.HexID, update.HexID)
	set(&entry.LongName, update.LongName)
	set(&entry.ShortName, update.ShortName)
	set(&entry.PrimaryChannel, update.PrimaryChannel)
	if entry.HexID == "" {
		entry.HexID = entry.UserID
	}

	copied := *entry
	return &copied, changed
}

type nodeUpdate struct {
	NodeID         mesh.NodeID
	UserID         string
	HexID          string
	PrimaryChannel string
	LongName       string
	ShortName      string
	UpdatedAt      time.Time
}

func fallbackString(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func hexIDToNumeric(hexID string) (mesh.NodeID, bool) {
	trimmed := strings.TrimSpace(hexID)
	if trimmed == "" {
		return 0, false
	}
	trimmed = strings.TrimPrefix(trimmed, "!")
	value, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, false
	}
	return mesh.NodeID(value), true
}
