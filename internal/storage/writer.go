package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/route"
)

// ErrQueueFull is returned by Store when the write queue has no room.
var ErrQueueFull = errors.New("storage: queue full")

// Writer persists decoded packets to the backing store.
type Writer interface {
	Store(ctx context.Context, pkt decode.Packet) error
}

// StartStopper represents writers that need explicit lifecycle management.
type StartStopper interface {
	Writer
	Start(ctx context.Context) error
	Stop() error
}

// NopWriter drops packets.
type NopWriter struct{}

// Store implements Writer by doing nothing.
func (NopWriter) Store(context.Context, decode.Packet) error { return nil }

// WriterConfig tunes the asynchronous writer.
type WriterConfig struct {
	QueueSize           int
	MaintenanceInterval time.Duration
}

// SQLiteWriter persists packets, positions, node names and route hops.
type SQLiteWriter struct {
	cfg   WriterConfig
	db    *DB
	queue chan decode.Packet
	wg    sync.WaitGroup
	once  sync.Once

	logger   *slog.Logger
	metrics  *observability.Metrics
	cache    *nodeCache
	observer func(mesh.NodeID)

	maintenanceInterval time.Duration
	maintenanceStop     chan struct{}
}

// Option configures the writer.
type Option func(*SQLiteWriter)

// WithLogger injects a structured logger into the writer.
func WithLogger(logger *slog.Logger) Option {
	return func(w *SQLiteWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(w *SQLiteWriter) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithNodeObserver is called after a node's name or position was stored.
func WithNodeObserver(fn func(mesh.NodeID)) Option {
	return func(w *SQLiteWriter) {
		w.observer = fn
	}
}

// NewSQLiteWriter constructs a writer over an opened database.
func NewSQLiteWriter(db *DB, cfg WriterConfig, opts ...Option) (*SQLiteWriter, error) {
	if db == nil {
		return nil, errors.New("storage: database must be provided")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 6 * time.Hour
	}

	w := &SQLiteWriter{
		cfg:                 cfg,
		db:                  db,
		queue:               make(chan decode.Packet, cfg.QueueSize),
		logger:              observability.NoOpLogger(),
		cache:               newNodeCache(),
		maintenanceInterval: cfg.MaintenanceInterval,
		maintenanceStop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the node cache and begins processing the queue.
func (w *SQLiteWriter) Start(ctx context.Context) error {
	if err := w.cache.load(ctx, w.db.sql); err != nil {
		return fmt.Errorf("storage: load node cache: %w", err)
	}
	w.startMaintenance(ctx)

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Store pushes a packet into the queue for asynchronous persistence.
func (w *SQLiteWriter) Store(ctx context.Context, pkt decode.Packet) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.queue <- pkt:
		w.metrics.ObserveQueueDepth(len(w.queue))
		return nil
	default:
		w.metrics.ObserveQueueDepth(len(w.queue))
		return ErrQueueFull
	}
}

// Stop drains the queue, runs a final checkpoint and returns. The database
// handle stays open for its owner to close.
func (w *SQLiteWriter) Stop() error {
	w.once.Do(func() {
		close(w.maintenanceStop)
		close(w.queue)
		w.wg.Wait()
		w.runFinalMaintenance()
		w.metrics.ObserveQueueDepth(0)
	})
	return nil
}

func (w *SQLiteWriter) startMaintenance(ctx context.Context) {
	if w.maintenanceInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.maintenanceInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.maintenanceStop:
				return
			case <-ticker.C:
				if err := w.db.Maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
				} else if err == nil {
					w.logger.Info("sqlite maintenance completed")
				}
			}
		}
	}()
}

// Maintain checkpoints the WAL and refreshes planner statistics.
func (d *DB) Maintain(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: wal_checkpoint: %w", err)
	}
	if _, err := d.sql.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("maintenance: optimize: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) runFinalMaintenance() {
	if _, err := w.db.sql.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		w.logger.Warn("final maintenance checkpoint failed", slog.Any("error", err))
	}
	if _, err := w.db.sql.Exec("PRAGMA optimize"); err != nil {
		w.logger.Warn("final maintenance optimize failed", slog.Any("error", err))
	}
}

func (w *SQLiteWriter) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-w.queue:
			if !ok {
				return
			}
			w.metrics.ObserveQueueDepth(len(w.queue))

			if err := w.persist(ctx, pkt); err != nil {
				w.metrics.IncStoreErrors()
				w.publishErr(err)
			}
		}
	}
}

// persist writes one packet and everything derived from it in a single
// transaction.
func (w *SQLiteWriter) persist(ctx context.Context, pkt decode.Packet) (err error) {
	tx, err := w.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	packetID, err := insertPacket(ctx, tx, pkt)
	if err != nil {
		return err
	}

	var touched []mesh.NodeID
	nodeUpserts := 0
	if entry, created := w.cache.ensureGateway(pkt.GatewayID, pkt.ReceivedAt); created {
		if err := upsertNode(ctx, tx, entry); err != nil {
			return err
		}
		nodeUpserts++
	}
	if entry, changed := w.cache.updateFromPacket(pkt); changed {
		if err := upsertNode(ctx, tx, entry); err != nil {
			return err
		}
		nodeUpserts++
		touched = append(touched, entry.NodeID)
	}

	positionStored := false
	if pkt.Position != nil && pkt.From.Valid() {
		if err := insertPosition(ctx, tx, packetID, pkt); err != nil {
			return err
		}
		positionStored = true
		touched = append(touched, pkt.From)
	}

	hops := 0
	if pkt.Route != nil && pkt.IsRouteDiscovery() {
		if hops, err = insertHops(ctx, tx, packetID, pkt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}

	w.metrics.ObservePacketStored(pkt.ProcessedSuccessfully)
	for i := 0; i < nodeUpserts; i++ {
		w.metrics.IncNodeUpsert()
	}
	if positionStored {
		w.metrics.IncPositionStored()
	}
	if hops > 0 {
		w.metrics.AddHopsStored(hops)
	}
	if w.observer != nil {
		for _, id := range touched {
			w.observer(id)
		}
	}
	return nil
}

func insertPacket(ctx context.Context, tx *sql.Tx, pkt decode.Packet) (int64, error) {
	r := pkt.Reception()
	var hopStart, hopLimit interface{}
	if r.HopStart != nil {
		hopStart, hopLimit = int64(*r.HopStart), int64(*r.HopLimit)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO packet_history (
	        timestamp,
	        topic,
	        from_node_id,
	        to_node_id,
	        portnum,
	        portnum_name,
	        gateway_id,
	        channel_id,
	        mesh_packet_id,
	        rssi,
	        snr,
	        hop_limit,
	        hop_start,
	        payload_length,
	        raw_payload,
	        processed_successfully,
	        via_mqtt,
	        rx_time,
	        message_type,
	        raw_service_envelope,
	        parsing_error,
	        qos,
	        retained
	    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		timeToSeconds(pkt.ReceivedAt),
		pkt.Topic,
		int64(pkt.From),
		int64(pkt.To),
		int64(pkt.PortNum),
		pkt.PortNum.String(),
		nullString(pkt.GatewayID),
		nullString(pkt.ChannelID),
		int64(pkt.MeshPacketID),
		nullInt32(r.RSSI),
		nullFloat64(r.SNR),
		hopLimit,
		hopStart,
		pkt.PayloadLength,
		nullBytes(pkt.Payload),
		boolToInt(r.Processed),
		boolToInt(pkt.ViaMQTT),
		int64(pkt.RxTime),
		nullString(pkt.MessageType),
		nullBytes(pkt.RawServiceEnvelope),
		nullString(pkt.ParsingError),
		int64(pkt.QoS),
		boolToInt(pkt.Retained),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: insert packet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: last insert id: %w", err)
	}
	return id, nil
}

func insertPosition(ctx context.Context, tx *sql.Tx, packetID int64, pkt decode.Packet) error {
	pos := pkt.Position
	_, err := tx.ExecContext(ctx, `INSERT INTO positions (
	        packet_id,
	        node_id,
	        latitude,
	        longitude,
	        altitude,
	        time,
	        timestamp
	    ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		packetID,
		int64(pkt.From),
		pos.Latitude,
		pos.Longitude,
		nullInt32(pos.Altitude),
		int64(pos.Time),
		timeToSeconds(pkt.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert position: %w", err)
	}
	return nil
}

// insertHops stores every hop of every path, flagging the ones that belong to
// complete paths.
func insertHops(ctx context.Context, tx *sql.Tx, packetID int64, pkt decode.Packet) (int, error) {
	env := route.Envelope{
		PacketID:     packetID,
		MeshPacketID: pkt.MeshPacketID,
		From:         pkt.From,
		To:           pkt.To,
		GatewayID:    pkt.GatewayID,
		Timestamp:    pkt.ReceivedAt,
	}
	paths := route.Build(env, *pkt.Route)

	gatewayID := strings.TrimSpace(pkt.GatewayID)
	receivedAt := timeToSeconds(pkt.ReceivedAt)
	count := 0
	for _, p := range paths {
		origin, dest := pkt.From, pkt.To
		if p.Direction == route.Return {
			origin, dest = pkt.To, pkt.From
		}
		for _, hop := range p.Hops {
			_, err := tx.ExecContext(ctx, `INSERT INTO traceroute_hops (
	                packet_id,
	                gateway_id,
	                mesh_packet_id,
	                origin_node_id,
	                destination_node_id,
	                direction,
	                hop_index,
	                from_node_id,
	                to_node_id,
	                snr,
	                complete,
	                received_at
	            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				packetID,
				nullString(gatewayID),
				int64(pkt.MeshPacketID),
				int64(origin),
				int64(dest),
				string(p.Direction),
				hop.Index,
				int64(hop.From),
				int64(hop.To),
				nullFloat64(hop.SNR),
				boolToInt(p.Complete),
				receivedAt,
			)
			if err != nil {
				return count, fmt.Errorf("storage: insert traceroute hop: %w", err)
			}
			count++
		}
	}
	return count, nil
}

func upsertNode(ctx context.Context, tx *sql.Tx, entry *nodeEntry) error {
	if entry == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO node_info (
	    node_id,
	    user_id,
	    hex_id,
	    long_name,
	    short_name,
	    primary_channel,
	    first_seen,
	    last_updated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(node_id) DO UPDATE SET
	    user_id=COALESCE(excluded.user_id, node_info.user_id),
	    hex_id=COALESCE(excluded.hex_id, node_info.hex_id),
	    long_name=COALESCE(excluded.long_name, node_info.long_name),
	    short_name=COALESCE(excluded.short_name, node_info.short_name),
	    primary_channel=COALESCE(excluded.primary_channel, node_info.primary_channel),
	    first_seen=MIN(node_info.first_seen, excluded.first_seen),
	    last_updated=excluded.last_updated`,
		int64(entry.NodeID),
		nullString(entry.UserID),
		nullString(entry.HexID),
		nullString(entry.LongName),
		nullString(entry.ShortName),
		nullString(entry.PrimaryChannel),
		timeToSeconds(entry.FirstSeen),
		timeToSeconds(entry.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert node: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) publishErr(err error) {
	if err == nil {
		return
	}
	w.logger.Error("storage error", slog.Any("error", err))
}
