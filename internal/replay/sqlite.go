package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/storage"
)

// Options configures how packets are selected from the source database.
type Options struct {
	StartID          int64
	EndID            int64
	Since            time.Time
	Limit            int
	MaxEnvelopeBytes int
	// RouteDiscoveryOnly restricts the replay to route-discovery packets, which
	// is enough to rebuild traceroute_hops after a decoder change.
	RouteDiscoveryOnly bool
	// ProgressEvery logs progress after this many stored packets; 0 disables.
	ProgressEvery int
	Logger        *slog.Logger
}

// Result summarises a replay.
type Result struct {
	Replayed     int
	Oversized    int
	DecodeErrors int
}

// Scanned is the number of envelopes read from the source.
func (r Result) Scanned() int {
	return r.Replayed + r.Oversized + r.DecodeErrors
}

const queueFullBackoff = 50 * time.Millisecond

// ReplaySQLite reads ServiceEnvelope blobs from packet_history in the provided
// SQLite database and replays them through the supplied decoder and writer.
// Envelopes that fail to decode are counted and skipped.
// The writer must already be started; callers are responsible for stopping it.
// The source must not be the database the writer appends to.
func ReplaySQLite(ctx context.Context, sourcePath string, decoder decode.Decoder, writer storage.Writer, opts Options) (Result, error) {
	var res Result
	if sourcePath == "" {
		return res, errors.New("replay: source sqlite path must be provided")
	}
	if decoder == nil {
		return res, errors.New("replay: decoder must not be nil")
	}
	if writer == nil {
		return res, errors.New("replay: writer must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NoOpLogger()
	}

	db, err := sql.Open("sqlite", "file:"+sourcePath+"?mode=ro")
	if err != nil {
		return res, fmt.Errorf("replay: open source sqlite: %w", err)
	}
	defer db.Close()

	baseQuery, err := buildPacketQuery(ctx, db)
	if err != nil {
		return res, fmt.Errorf("replay: build packet query: %w", err)
	}

	query, args := buildQuery(baseQuery, opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("replay: query packet_history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			topic     string
			payload   []byte
			qos       sql.NullInt64
			retained  sql.NullInt64
			timestamp sql.NullFloat64
		)
		if err := rows.Scan(&id, &topic, &payload, &qos, &retained, &timestamp); err != nil {
			return res, fmt.Errorf("replay: scan row: %w", err)
		}

		if len(payload) == 0 {
			continue
		}
		if opts.MaxEnvelopeBytes > 0 && len(payload) > opts.MaxEnvelopeBytes {
			res.Oversized++
			continue
		}

		packet, err := decoder.Decode(ctx, mqtt.Message{
			Topic:    topic,
			Payload:  append([]byte(nil), payload...),
			QoS:      toByte(qos),
			Retained: retained.Valid && retained.Int64 != 0,
			Time:     fromSeconds(timestamp),
		})
		if err != nil {
			res.DecodeErrors++
			logger.Debug("skip undecodable envelope", slog.Int64("packet_id", id), slog.Any("error", err))
			continue
		}

		if err := store(ctx, writer, packet); err != nil {
			return res, fmt.Errorf("replay: store packet id %d: %w", id, err)
		}
		res.Replayed++

		if opts.ProgressEvery > 0 && res.Replayed%opts.ProgressEvery == 0 {
			logger.Info("replay progress", slog.Int("replayed", res.Replayed), slog.Int64("last_id", id))
		}
	}

	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("replay: iterate rows: %w", err)
	}
	return res, nil
}

// store retries while the writer queue is full.
func store(ctx context.Context, writer storage.Writer, packet decode.Packet) error {
	for {
		err := writer.Store(ctx, packet)
		if !errors.Is(err, storage.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queueFullBackoff):
		}
	}
}

func buildQuery(base string, opts Options) (string, []any) {
	query := base

	args := make([]any, 0, 5)
	if opts.StartID > 0 {
		query += ` AND id >= ?`
		args = append(args, opts.StartID)
	}
	if opts.EndID > 0 {
		query += ` AND id <= ?`
		args = append(args, opts.EndID)
	}
	if !opts.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, float64(opts.Since.UnixNano())/1e9)
	}
	if opts.RouteDiscoveryOnly {
		query += ` AND portnum = ?`
		args = append(args, int64(mesh.PortTraceroute))
	}

	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return query, args
}

func buildPacketQuery(ctx context.Context, db *sql.DB) (string, error) {
	hasQoS, err := tableHasColumn(ctx, db, "packet_history", "qos")
	if err != nil {
		return "", err
	}
	hasRetained, err := tableHasColumn(ctx, db, "packet_history", "retained")
	if err != nil {
		return "", err
	}

	qosExpr := "0"
	if hasQoS {
		qosExpr = "COALESCE(qos, 0)"
	}
	retainedExpr := "0"
	if hasRetained {
		retainedExpr = "COALESCE(retained, 0)"
	}

	return fmt.Sprintf(`SELECT id, topic, raw_service_envelope, %s AS qos, %s AS retained, timestamp FROM packet_history WHERE raw_service_envelope IS NOT NULL`, qosExpr, retainedExpr), nil
}

func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}

	return false, rows.Err()
}

func toByte(v sql.NullInt64) byte {
	if !v.Valid {
		return 0
	}
	return byte(v.Int64)
}

func fromSeconds(v sql.NullFloat64) time.Time {
	if !v.Valid || v.Float64 <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(v.Float64 * 1e6)).UTC()
}
