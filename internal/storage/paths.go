package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

// RoutePaths rebuilds node sequences from complete traceroute hops received
// since the given time. Copies of one traceroute heard by several gateways
// collapse onto the first stored copy.
func (d *DB) RoutePaths(ctx context.Context, since time.Time) ([]linkstore.RoutePath, error) {
	rows, err := d.sql.QueryContext(ctx, `
	    SELECT packet_id, mesh_packet_id, origin_node_id, COALESCE(direction, ''),
	           hop_index, from_node_id, to_node_id, snr, received_at
	    FROM traceroute_hops
	    WHERE received_at >= ?
	      AND complete = 1
	      AND mesh_packet_id != 0
	    ORDER BY packet_id, direction, hop_index`,
		timeToSeconds(since))
	if err != nil {
		return nil, fmt.Errorf("storage: query route paths: %w", err)
	}
	defer rows.Close()

	type routeKey struct {
		meshPacketID uint32
		origin       int64
		direction    string
	}
	type partKey struct {
		packetID  int64
		direction string
	}
	var (
		out     []linkstore.RoutePath
		current partKey
		route   *linkstore.RoutePath
		broken  bool
		taken   = make(map[routeKey]struct{})
	)
	flush := func() {
		if route != nil && !broken {
			out = append(out, *route)
		}
		route, broken = nil, false
	}
	for rows.Next() {
		var (
			packetID, meshID, origin int64
			direction                string
			hopIndex                 int
			from, to                 int64
			snr                      sql.NullFloat64
			received                 float64
		)
		if err := rows.Scan(&packetID, &meshID, &origin, &direction, &hopIndex, &from, &to, &snr, &received); err != nil {
			return nil, fmt.Errorf("storage: scan route hop: %w", err)
		}
		part := partKey{packetID, direction}
		if route == nil || part != current {
			flush()
			current = part
			key := routeKey{uint32(meshID), origin, direction}
			if _, dup := taken[key]; dup || hopIndex != 0 {
				broken = true
				route = &linkstore.RoutePath{}
				continue
			}
			taken[key] = struct{}{}
			route = &linkstore.RoutePath{
				MeshPacketID: uint32(meshID),
				Direction:    direction,
				Nodes:        []mesh.NodeID{mesh.NodeID(from)},
				ReceivedAt:   secondsToTime(received),
			}
		}
		if broken {
			continue
		}
		if route.Nodes[len(route.Nodes)-1] != mesh.NodeID(from) {
			broken = true
			continue
		}
		route.Nodes = append(route.Nodes, mesh.NodeID(to))
		route.SNRs = append(route.SNRs, nullFloat(snr))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate route hops: %w", err)
	}
	flush()
	return out, nil
}

// LinkObservations returns hops between the two nodes of key in either
// orientation, newest first.
func (d *DB) LinkObservations(ctx context.Context, key mesh.LinkKey, since time.Time, limit int) ([]linkstore.Observation, error) {
	if limit <= 0 {
		limit = linkstore.DefaultDetailLimit
	}
	rows, err := d.sql.QueryContext(ctx, `
	    SELECT packet_id, mesh_packet_id, COALESCE(gateway_id, ''), from_node_id, to_node_id,
	           COALESCE(direction, ''), hop_index, snr, received_at
	    FROM traceroute_hops
	    WHERE received_at >= ?
	      AND ((from_node_id = ? AND to_node_id = ?) OR (from_node_id = ? AND to_node_id = ?))
	    ORDER BY received_at DESC, id DESC
	    LIMIT ?`,
		timeToSeconds(since), int64(key.A), int64(key.B), int64(key.B), int64(key.A), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query link observations: %w", err)
	}
	defer rows.Close()

	var out []linkstore.Observation
	for rows.Next() {
		var (
			o              linkstore.Observation
			meshID         int64
			from, to       int64
			snr            sql.NullFloat64
			receivedSecond float64
		)
		if err := rows.Scan(&o.PacketID, &meshID, &o.GatewayID, &from, &to, &o.Direction, &o.HopIndex, &snr, &receivedSecond); err != nil {
			return nil, fmt.Errorf("storage: scan link observation: %w", err)
		}
		o.MeshPacketID = uint32(meshID)
		o.From, o.To = mesh.NodeID(from), mesh.NodeID(to)
		o.SNR = nullFloat(snr)
		o.ReceivedAt = secondsToTime(receivedSecond)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate link observations: %w", err)
	}
	return out, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
