package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aminovpavel/meshtopo/internal/grouping"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
	"github.com/aminovpavel/meshtopo/internal/mesh"
)

const maxInParams = 500

const receptionColumns = `
        id,
        timestamp,
        mesh_packet_id,
        from_node_id,
        to_node_id,
        portnum,
        COALESCE(gateway_id, ''),
        COALESCE(channel_id, ''),
        rssi,
        snr,
        hop_start,
        hop_limit,
        raw_payload,
        COALESCE(payload_length, 0),
        COALESCE(processed_successfully, 0)`

// FetchReceptions returns receptions matching filter, newest first. Rows
// without a mesh packet id are skipped. When ctx expires mid-scan the rows
// read so far are returned with the context error.
func (d *DB) FetchReceptions(ctx context.Context, filter grouping.Filter, limit int) ([]mesh.Reception, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "mesh_packet_id IS NOT NULL", "mesh_packet_id != 0")
	if !filter.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, timeToSeconds(filter.Start))
	}
	if !filter.End.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, timeToSeconds(filter.End))
	}
	if filter.GatewayID != "" {
		where = append(where, "gateway_id = ?")
		args = append(args, filter.GatewayID)
	}
	if filter.From != nil {
		where = append(where, "from_node_id = ?")
		args = append(args, int64(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "to_node_id = ?")
		args = append(args, int64(*filter.To))
	}
	if filter.PortNum != nil {
		where = append(where, "portnum = ?")
		args = append(args, int64(*filter.PortNum))
	}
	if filter.RouteDiscoveryOnly {
		where = append(where, "portnum = ?", "processed_successfully = 1")
		args = append(args, int64(mesh.PortTraceroute))
	}
	return d.queryReceptions(ctx, where, args, limit)
}

// FetchRoutePackets returns decoded route-discovery receptions since the
// given time, newest first.
func (d *DB) FetchRoutePackets(ctx context.Context, since time.Time, gatewayID string, limit int) ([]mesh.Reception, error) {
	filter := grouping.Filter{Start: since, GatewayID: gatewayID, RouteDiscoveryOnly: true}
	return d.FetchReceptions(ctx, filter, limit)
}

func (d *DB) queryReceptions(ctx context.Context, where []string, args []any, limit int) ([]mesh.Reception, error) {
	query := "SELECT" + receptionColumns + "\n    FROM packet_history"
	if len(where) > 0 {
		query += "\n    WHERE " + strings.Join(where, " AND ")
	}
	query += "\n    ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += "\n    LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("storage: query receptions: %w", err)
	}
	defer rows.Close()

	var out []mesh.Reception
	for rows.Next() {
		r, err := scanReception(rows)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("storage: scan receptions: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	return out, nil
}

func scanReception(rows *sql.Rows) (mesh.Reception, error) {
	var (
		r         mesh.Reception
		ts        float64
		meshID    int64
		from, to  int64
		portnum   int64
		rssi      sql.NullInt64
		snr       sql.NullFloat64
		hopStart  sql.NullInt64
		hopLimit  sql.NullInt64
		processed int64
	)
	if err := rows.Scan(
		&r.ID,
		&ts,
		&meshID,
		&from,
		&to,
		&portnum,
		&r.GatewayID,
		&r.ChannelID,
		&rssi,
		&snr,
		&hopStart,
		&hopLimit,
		&r.Payload,
		&r.PayloadLength,
		&processed,
	); err != nil {
		return mesh.Reception{}, fmt.Errorf("storage: scan reception: %w", err)
	}
	r.Timestamp = secondsToTime(ts)
	r.MeshPacketID = uint32(meshID)
	r.From = mesh.NodeID(from)
	r.To = mesh.NodeID(to)
	r.PortNum = mesh.PortNum(portnum)
	r.Processed = processed != 0
	if rssi.Valid {
		v := int32(rssi.Int64)
		r.RSSI = &v
	}
	if snr.Valid {
		v := snr.Float64
		r.SNR = &v
	}
	if hopStart.Valid && hopLimit.Valid {
		start, limit := uint32(hopStart.Int64), uint32(hopLimit.Int64)
		r.HopStart, r.HopLimit = &start, &limit
	}
	return r, nil
}

// LatestPositions returns the newest fix per node, ignoring 0/0 reports.
func (d *DB) LatestPositions(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]mesh.Position, error) {
	out := make(map[mesh.NodeID]mesh.Position, len(ids))
	err := forChunks(ids, func(chunk []mesh.NodeID) error {
		placeholders, args := inClause(chunk)
		rows, err := d.sql.QueryContext(ctx, `
	        SELECT node_id, latitude, longitude, altitude, MAX(timestamp)
	        FROM positions
	        WHERE node_id IN (`+placeholders+`)
	          AND latitude IS NOT NULL AND longitude IS NOT NULL
	          AND NOT (latitude = 0 AND longitude = 0)
	        GROUP BY node_id`, args...)
		if err != nil {
			return fmt.Errorf("storage: query positions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id       int64
				pos      mesh.Position
				altitude sql.NullInt64
				ts       float64
			)
			if err := rows.Scan(&id, &pos.Latitude, &pos.Longitude, &altitude, &ts); err != nil {
				return fmt.Errorf("storage: scan position: %w", err)
			}
			if altitude.Valid {
				alt := int32(altitude.Int64)
				pos.Altitude = &alt
			}
			pos.Timestamp = secondsToTime(ts)
			out[mesh.NodeID(id)] = pos
		}
		return rows.Err()
	})
	return out, err
}

// DisplayNames returns long names, falling back to short names, for nodes
// that reported one.
func (d *DB) DisplayNames(ctx context.Context, ids []mesh.NodeID) (map[mesh.NodeID]string, error) {
	out := make(map[mesh.NodeID]string, len(ids))
	err := forChunks(ids, func(chunk []mesh.NodeID) error {
		placeholders, args := inClause(chunk)
		rows, err := d.sql.QueryContext(ctx, `
	        SELECT node_id, COALESCE(NULLIF(TRIM(long_name), ''), NULLIF(TRIM(short_name), ''), '')
	        FROM node_info
	        WHERE node_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("storage: query node names: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id   int64
				name string
			)
			if err := rows.Scan(&id, &name); err != nil {
				return fmt.Errorf("storage: scan node name: %w", err)
			}
			if name != "" {
				out[mesh.NodeID(id)] = name
			}
		}
		return rows.Err()
	})
	return out, err
}

// RebuildLinkAggregates replaces link_aggregates with one row per canonical
// node pair observed on complete paths since the given time. A traceroute heard by
// several gateways counts once. Hops with no or zero SNR, self hops and hops
// touching the broadcast or zero id are excluded, as are packets without a
// mesh packet id. The rebuild runs in one transaction; on cancellation the
// previous contents stay in place.
func (d *DB) RebuildLinkAggregates(ctx context.Context, since time.Time) (n int, err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin rebuild: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM link_aggregates`); err != nil {
		return 0, fmt.Errorf("storage: clear link_aggregates: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
	    INSERT INTO link_aggregates (
	        node_a, node_b, observation_count, avg_snr, min_snr, max_snr,
	        first_seen, last_seen, last_packet_id
	    )
	    SELECT
	        node_a,
	        node_b,
	        COUNT(*),
	        AVG(snr),
	        MIN(snr),
	        MAX(snr),
	        MIN(received_at),
	        MAX(received_at),
	        MAX(packet_id)
	    FROM (
	        SELECT
	            MIN(from_node_id, to_node_id) AS node_a,
	            MAX(from_node_id, to_node_id) AS node_b,
	            AVG(snr) AS snr,
	            MIN(received_at) AS received_at,
	            MAX(packet_id) AS packet_id
	        FROM traceroute_hops
	        WHERE received_at >= ?
	          AND complete = 1
	          AND mesh_packet_id != 0
	          AND snr IS NOT NULL AND snr != 0
	          AND from_node_id != to_node_id
	          AND from_node_id NOT IN (0, ?) AND to_node_id NOT IN (0, ?)
	        GROUP BY mesh_packet_id, origin_node_id, direction, hop_index, node_a, node_b
	    )
	    GROUP BY node_a, node_b`,
		timeToSeconds(since), int64(mesh.Broadcast), int64(mesh.Broadcast))
	if err != nil {
		return 0, fmt.Errorf("storage: rebuild link_aggregates: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: rebuild rows affected: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit rebuild: %w", err)
	}
	return int(affected), nil
}

// LoadLinkAggregates reads the materialized aggregate.
func (d *DB) LoadLinkAggregates(ctx context.Context) ([]linkstore.Aggregate, error) {
	rows, err := d.sql.QueryContext(ctx, `
	    SELECT node_a, node_b, observation_count, avg_snr, min_snr, max_snr,
	           first_seen, last_seen, COALESCE(last_packet_id, 0)
	    FROM link_aggregates
	    ORDER BY observation_count DESC, avg_snr DESC, node_a, node_b`)
	if err != nil {
		return nil, fmt.Errorf("storage: query link_aggregates: %w", err)
	}
	defer rows.Close()

	var out []linkstore.Aggregate
	for rows.Next() {
		var (
			a, b        int64
			agg         linkstore.Aggregate
			first, last float64
		)
		if err := rows.Scan(&a, &b, &agg.ObservationCount, &agg.AvgSNR, &agg.MinSNR, &agg.MaxSNR, &first, &last, &agg.LastPacketID); err != nil {
			return nil, fmt.Errorf("storage: scan link aggregate: %w", err)
		}
		agg.Key = mesh.NewLinkKey(mesh.NodeID(a), mesh.NodeID(b))
		agg.FirstSeen = secondsToTime(first)
		agg.LastSeen = secondsToTime(last)
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate link_aggregates: %w", err)
	}
	return out, nil
}

// Counts reports row counts for the CLI summary.
type Counts struct {
	Packets    int64
	Hops       int64
	Positions  int64
	Nodes      int64
	Aggregates int64
}

// Counts returns table sizes.
func (d *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		table string
		dst   *int64
	}{
		{"packet_history", &c.Packets},
		{"traceroute_hops", &c.Hops},
		{"positions", &c.Positions},
		{"node_info", &c.Nodes},
		{"link_aggregates", &c.Aggregates},
	}
	for _, t := range targets {
		if err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(t.dst); err != nil {
			return c, fmt.Errorf("storage: count %s: %w", t.table, err)
		}
	}
	return c, nil
}

func forChunks(ids []mesh.NodeID, fn func([]mesh.NodeID) error) error {
	for start := 0; start < len(ids); start += maxInParams {
		end := min(start+maxInParams, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func inClause(ids []mesh.NodeID) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
