package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/aminovpavel/meshtopo/internal/cache"
	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/storage"
)

// DefaultMaxEnvelopeBytes caps the payload accepted from the broker.
const DefaultMaxEnvelopeBytes = 64 * 1024

// ErrEnvelopeTooLarge is reported for payloads over the configured cap.
var ErrEnvelopeTooLarge = errors.New("pipeline: envelope too large")

// Client abstracts the MQTT client behaviour required by the pipeline.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// Pipeline wires the MQTT client with decoder and storage writer.
type Pipeline struct {
	client  Client
	decoder decode.Decoder
	writer  storage.Writer
	errCh   chan error
	wg      sync.WaitGroup

	logger      *slog.Logger
	metrics     *observability.Metrics
	maxEnvelope int
	dedup       cache.Cache
	dedupTTL    time.Duration
}

// Option customises the pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = observability.Component(logger, "pipeline")
		}
	}
}

// WithMetrics wires ingestion counters.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithMaxEnvelopeBytes overrides the payload cap. Zero or negative disables it.
func WithMaxEnvelopeBytes(n int) Option {
	return func(p *Pipeline) {
		p.maxEnvelope = n
	}
}

// WithLogDedup suppresses repeats of the same warning within ttl.
func WithLogDedup(c cache.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.dedup = c
		p.dedupTTL = ttl
	}
}

// New creates a pipeline instance.
func New(client Client, decoder decode.Decoder, writer storage.Writer, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:      client,
		decoder:     decoder,
		writer:      writer,
		errCh:       make(chan error, 32),
		logger:      observability.NoOpLogger(),
		maxEnvelope: DefaultMaxEnvelopeBytes,
		dedupTTL:    time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Errors exposes asynchronous processing errors.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Run starts the pipeline and blocks until the context is cancelled or the client stops.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("pipeline: client is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("pipeline: decoder is nil")
	}
	if p.writer == nil {
		return fmt.Errorf("pipeline: writer is nil")
	}

	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start client: %w", err)
	}
	p.metrics.MarkHealthy()
	p.logger.Info("pipeline started")

	p.wg.Add(2)
	go p.consume(ctx)
	go p.forwardClientErrors(ctx)

	<-ctx.Done()
	p.client.Stop()
	p.wg.Wait()
	close(p.errCh)
	p.logger.Info("pipeline stopped")

	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.client.Messages():
			if !ok {
				return
			}
			p.handle(ctx, msg)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg mqtt.Message) {
	if p.maxEnvelope > 0 && len(msg.Payload) > p.maxEnvelope {
		p.metrics.IncDroppedMessages()
		p.warn(ctx, "oversized envelope dropped", msg.Topic, ErrEnvelopeTooLarge, slog.Int("bytes", len(msg.Payload)))
		p.publishErr(fmt.Errorf("%w: %d bytes on %s", ErrEnvelopeTooLarge, len(msg.Payload), msg.Topic))
		return
	}

	pkt, err := p.decoder.Decode(ctx, msg)
	if err != nil {
		p.metrics.IncDecodeErrors()
		p.warn(ctx, "decode failed", msg.Topic, err)
		p.publishErr(fmt.Errorf("pipeline: decode: %w", err))
		return
	}
	if err := p.writer.Store(ctx, pkt); err != nil {
		if errors.Is(err, storage.ErrQueueFull) {
			p.metrics.IncDroppedMessages()
		}
		p.warn(ctx, "store failed", msg.Topic, err)
		p.publishErr(fmt.Errorf("pipeline: store: %w", err))
	}
}

// warn logs once per (message, topic, error) within the dedup TTL.
func (p *Pipeline) warn(ctx context.Context, message, topic string, err error, attrs ...any) {
	if p.dedup != nil {
		key := fmt.Sprintf("logdedup:%016x", xxh3.HashString(message+"\x00"+topic+"\x00"+err.Error()))
		if _, seen, cacheErr := p.dedup.Get(ctx, key); cacheErr == nil && seen {
			return
		}
		_ = p.dedup.Set(ctx, key, []byte{1}, p.dedupTTL)
	}
	args := append([]any{slog.String("topic", topic), slog.Any("error", err)}, attrs...)
	p.logger.Warn(message, args...)
}

func (p *Pipeline) forwardClientErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.client.Errors():
			if !ok {
				return
			}
			p.logger.Warn("mqtt error", slog.Any("error", err))
			p.publishErr(fmt.Errorf("pipeline: mqtt: %w", err))
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	p.metrics.IncPipelineErrors()
	select {
	case p.errCh <- err:
	default:
	}
}
