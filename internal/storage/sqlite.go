package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the shared SQLite handle used by the writer and the readers.
type DB struct {
	sql  *sql.DB
	path string
}

// Open creates the database directory if needed, applies connection pragmas
// and migrates the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("storage: database path must be provided")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(abs))
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := configureConnection(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db, path: abs}, nil
}

// Path returns the absolute database path.
func (d *DB) Path() string { return d.path }

// Ping reports whether the database answers.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.sql.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// Close releases the handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

func configureConnection(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA journal_size_limit=67108864",
		"PRAGMA cache_size=-8192",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("storage: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// dsn repeats the per-connection pragmas so pooled connections opened later
// get them too.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(30000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

func migrate(ctx context.Context, db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"packet_history", `CREATE TABLE IF NOT EXISTS packet_history (
	        id INTEGER PRIMARY KEY AUTOINCREMENT,
	        timestamp REAL NOT NULL,
	        topic TEXT NOT NULL,
	        from_node_id INTEGER,
	        to_node_id INTEGER,
	        portnum INTEGER,
	        portnum_name TEXT,
	        gateway_id TEXT,
	        channel_id TEXT,
	        mesh_packet_id INTEGER,
	        rssi INTEGER,
	        snr REAL,
	        hop_limit INTEGER,
	        hop_start INTEGER,
	        payload_length INTEGER,
	        raw_payload BLOB,
	        processed_successfully INTEGER,
	        via_mqtt INTEGER,
	        rx_time INTEGER,
	        message_type TEXT,
	        raw_service_envelope BLOB,
	        parsing_error TEXT,
	        qos INTEGER,
	        retained INTEGER
	    )`},
		{"idx_packet_history_timestamp", `CREATE INDEX IF NOT EXISTS idx_packet_history_timestamp ON packet_history(timestamp)`},
		{"idx_packet_history_mesh_packet", `CREATE INDEX IF NOT EXISTS idx_packet_history_mesh_packet ON packet_history(mesh_packet_id)`},
		{"idx_packet_history_portnum", `CREATE INDEX IF NOT EXISTS idx_packet_history_portnum ON packet_history(portnum, timestamp)`},
		{"idx_packet_history_gateway", `CREATE INDEX IF NOT EXISTS idx_packet_history_gateway ON packet_history(gateway_id, timestamp)`},
		{"node_info", `CREATE TABLE IF NOT EXISTS node_info (
	        node_id INTEGER PRIMARY KEY,
	        user_id TEXT,
	        hex_id TEXT,
	        long_name TEXT,
	        short_name TEXT,
	        primary_channel TEXT,
	        first_seen REAL,
	        last_updated REAL
	    )`},
		{"positions", `CREATE TABLE IF NOT EXISTS positions (
	        id INTEGER PRIMARY KEY AUTOINCREMENT,
	        packet_id INTEGER,
	        node_id INTEGER NOT NULL,
	        latitude REAL,
	        longitude REAL,
	        altitude INTEGER,
	        time INTEGER,
	        timestamp REAL NOT NULL,
	        FOREIGN KEY(packet_id) REFERENCES packet_history(id) ON DELETE CASCADE
	    )`},
		{"idx_positions_node", `CREATE INDEX IF NOT EXISTS idx_positions_node ON positions(node_id, timestamp)`},
		{"traceroute_hops", `CREATE TABLE IF NOT EXISTS traceroute_hops (
	        id INTEGER PRIMARY KEY AUTOINCREMENT,
	        packet_id INTEGER,
	        gateway_id TEXT,
	        mesh_packet_id INTEGER,
	        origin_node_id INTEGER,
	        destination_node_id INTEGER,
	        direction TEXT,
	        hop_index INTEGER,
	        from_node_id INTEGER,
	        to_node_id INTEGER,
	        snr REAL,
	        complete INTEGER NOT NULL DEFAULT 0,
	        received_at REAL,
	        FOREIGN KEY(packet_id) REFERENCES packet_history(id) ON DELETE CASCADE
	    )`},
		{"idx_traceroute_packet", `CREATE INDEX IF NOT EXISTS idx_traceroute_packet ON traceroute_hops(packet_id)`},
		{"idx_traceroute_received", `CREATE INDEX IF NOT EXISTS idx_traceroute_received ON traceroute_hops(received_at)`},
		{"idx_traceroute_origin_dest", `CREATE INDEX IF NOT EXISTS idx_traceroute_origin_dest ON traceroute_hops(origin_node_id, destination_node_id)`},
		{"idx_traceroute_pair", `CREATE INDEX IF NOT EXISTS idx_traceroute_pair ON traceroute_hops(from_node_id, to_node_id)`},
		{"link_aggregates", `CREATE TABLE IF NOT EXISTS link_aggregates (
	        node_a INTEGER NOT NULL,
	        node_b INTEGER NOT NULL,
	        observation_count INTEGER NOT NULL,
	        avg_snr REAL NOT NULL,
	        min_snr REAL NOT NULL,
	        max_snr REAL NOT NULL,
	        first_seen REAL NOT NULL,
	        last_seen REAL NOT NULL,
	        last_packet_id INTEGER,
	        PRIMARY KEY (node_a, node_b)
	    )`},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("storage: create %s: %w", stmt.name, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullFloat64(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt32(v *int32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
