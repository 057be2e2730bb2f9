// Package worker runs the message pipeline on a bounded worker pool so one
// slow classification never stalls the transport's receive loop.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"assistant_server/core/domain"
	"assistant_server/core/service/ingest"
	"assistant_server/pkg/apperr"
	"assistant_server/pkg/metrics"
)

// =============================================================================
// go-pkgz/pool based message worker pool
// =============================================================================

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers     int
	WorkerChanSize int
	BatchSize      int
	JobTimeout     time.Duration
}

// DefaultPoolConfig returns defaults sized for a single-tenant assistant.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:     8,
		WorkerChanSize: 64,
		BatchSize:      1,
		JobTimeout:     90 * time.Second,
	}
}

// PoolMetrics holds pool counters.
type PoolMetrics struct {
	Processed  int64
	Failed     int64
	Duplicates int64
}

// Pool fans inbound messages out to pipeline workers.
type Pool struct {
	pipeline *ingest.Pipeline
	config   *PoolConfig

	pool *pool.WorkerGroup[*domain.InboundMessage]

	ctx    context.Context
	cancel context.CancelFunc

	metrics PoolMetrics
	latency *metrics.LatencyTracker
	log     zerolog.Logger

	started bool
	mu      sync.Mutex
}

// messageWorker implements pool.Worker for inbound messages.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker.
func (w *messageWorker) Do(ctx context.Context, msg *domain.InboundMessage) error {
	return w.pool.process(ctx, msg)
}

// NewPool creates the worker pool.
func NewPool(pipeline *ingest.Pipeline, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		pipeline: pipeline,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		latency:  metrics.NewLatencyTracker(1000),
		log:      log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start spins up the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.pool = pool.New[*domain.InboundMessage](p.config.MaxWorkers, &messageWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	p.log.Info().
		Int("max_workers", p.config.MaxWorkers).
		Int("chan_size", p.config.WorkerChanSize).
		Msg("worker pool started")
	return nil
}

// Stop drains the pool and waits for in-flight messages.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing pool")
	}
	p.cancel()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.Processed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.Failed)).
		Int64("duplicates", atomic.LoadInt64(&p.metrics.Duplicates)).
		Msg("worker pool stopped")
}

// Submit enqueues one message. Returns false when the pool is not running.
func (p *Pool) Submit(msg *domain.InboundMessage) bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}

	p.pool.Submit(msg)
	return true
}

// Metrics returns a copy of the counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Processed:  atomic.LoadInt64(&p.metrics.Processed),
		Failed:     atomic.LoadInt64(&p.metrics.Failed),
		Duplicates: atomic.LoadInt64(&p.metrics.Duplicates),
	}
}

// Latency returns the processing latency snapshot.
func (p *Pool) Latency() metrics.LatencyStats {
	return p.latency.Stats()
}

func (p *Pool) process(ctx context.Context, msg *domain.InboundMessage) error {
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := p.pipeline.Process(jobCtx, msg)
	p.latency.Record(time.Since(start))
	switch {
	case err == nil:
		atomic.AddInt64(&p.metrics.Processed, 1)
	case apperr.IsCode(err, apperr.CodeDuplicateDelivery):
		// Expected under at-least-once delivery; counted, not logged as
		// a failure.
		atomic.AddInt64(&p.metrics.Duplicates, 1)
	default:
		atomic.AddInt64(&p.metrics.Failed, 1)
		p.log.Error().Err(err).Str("message_id", msg.ID).Msg("message processing failed")
	}
	return nil
}
