// ABOUTME: Generic buffered batch writer with drop and block overflow policies
// ABOUTME: Flushes on size or interval, retries with backoff, drains on Close

package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/metrics"
)

// Policy decides what Submit does when the buffer is full.
type Policy int

const (
	// PolicyDrop discards the record and counts it.
	PolicyDrop Policy = iota
	// PolicyBlock waits up to BlockTimeout, then parks the record for the next flush.
	PolicyBlock
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultMaxRetries    = 5
	defaultFlushInterval = time.Second
	defaultBlockTimeout  = 50 * time.Millisecond

	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// Writer persists one batch. It must be safe to call again with the same
// batch after a failure.
type Writer[T any] func(ctx context.Context, batch []T) error

// Options configures a Sink.
type Options struct {
	Name          string
	BufferSize    int
	BatchSize     int
	MaxRetries    int
	FlushInterval time.Duration
	BlockTimeout  time.Duration
	Policy        Policy
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// OptionsFromConfig builds Options from a sink config section.
func OptionsFromConfig(name string, cfg config.SinkConfig, policy Policy, m *metrics.Metrics, logger *slog.Logger) Options {
	return Options{
		Name:          name,
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
		FlushInterval: cfg.FlushInterval,
		Policy:        policy,
		Metrics:       m,
		Logger:        logger,
	}
}

// Sink is an asynchronous batching writer.
type Sink[T any] struct {
	name          string
	write         Writer[T]
	policy        Policy
	batchSize     int
	maxRetries    int
	flushInterval time.Duration
	blockTimeout  time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	ch chan T

	// mu guards closed; Submit holds it shared while enqueueing so Close
	// never races a send.
	mu     sync.RWMutex
	closed bool

	overflowMu sync.Mutex
	overflow   []T

	dropped atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// New creates a sink and starts its flush loop. Call Close to drain it.
func New[T any](write Writer[T], opts Options) *Sink[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	if opts.Name == "" {
		opts.Name = "sink"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink[T]{
		name:          opts.Name,
		write:         write,
		policy:        opts.Policy,
		batchSize:     opts.BatchSize,
		maxRetries:    opts.MaxRetries,
		flushInterval: opts.FlushInterval,
		blockTimeout:  opts.BlockTimeout,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "sink", "sink", opts.Name),
		ch:            make(chan T, opts.BufferSize),
		ctx:           ctx,
		cancel:        cancel,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues a record without waiting for it to be written.
func (s *Sink[T]) Submit(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.submitAfterClose(v)
		return
	}

	select {
	case s.ch <- v:
		return
	default:
	}

	if s.policy == PolicyDrop {
		s.dropped.Add(1)
		s.metrics.AddSinkDropped(s.name, 1)
		return
	}

	timer := time.NewTimer(s.blockTimeout)
	defer timer.Stop()
	select {
	case s.ch <- v:
	case <-timer.C:
		s.overflowMu.Lock()
		s.overflow = append(s.overflow, v)
		n := len(s.overflow)
		s.overflowMu.Unlock()
		s.logger.Warn("buffer full, record parked for next flush", "overflow", n)
	}
}

// submitAfterClose handles records arriving once the loop has stopped.
func (s *Sink[T]) submitAfterClose(v T) {
	if s.policy == PolicyBlock {
		ctx, cancel := context.WithTimeout(context.Background(), s.flushInterval)
		defer cancel()
		if err := s.write(ctx, []T{v}); err == nil {
			s.metrics.AddSinkWritten(s.name, 1)
			return
		}
		s.metrics.IncSinkFlushFailure(s.name)
		s.spill([]T{v}, "submitted after close")
		return
	}
	s.metrics.AddSinkDropped(s.name, 1)
	s.logger.Warn("dropped record submitted after close")
}

// Close stops accepting buffered records, flushes what is pending and waits
// for the loop to exit. If ctx expires first, in-flight retries are abandoned
// and the unwritten count is logged.
func (s *Sink[T]) Close(ctx context.Context) error {
	s.stopped.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *Sink[T]) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]T, 0, s.batchSize)
	failing := false

	for {
		select {
		case v := <-s.ch:
			batch = append(batch, v)
			if len(batch) >= s.batchSize && !failing {
				batch, failing = s.flush(batch)
			}

		case <-ticker.C:
			batch, failing = s.flush(batch)
			s.reportDrops()

		case <-s.stop:
		drain:
			for {
				select {
				case v := <-s.ch:
					batch = append(batch, v)
				default:
					break drain
				}
			}
			batch, _ = s.flush(batch)
			s.reportDrops()
			if len(batch) > 0 {
				s.spill(batch, "shutdown")
			}
			return
		}
	}
}

// flush writes the batch plus any parked overflow. It returns what is still
// pending and whether the write failed.
func (s *Sink[T]) flush(batch []T) ([]T, bool) {
	s.overflowMu.Lock()
	if len(s.overflow) > 0 {
		batch = append(batch, s.overflow...)
		s.overflow = nil
	}
	s.overflowMu.Unlock()

	if len(batch) == 0 {
		return batch, false
	}

	for start := 0; start < len(batch); start += s.batchSize {
		end := min(start+s.batchSize, len(batch))
		if err := s.writeWithRetry(batch[start:end]); err != nil {
			s.metrics.IncSinkFlushFailure(s.name)
			rest := batch[start:]
			if s.policy == PolicyDrop {
				s.dropped.Add(int64(len(rest)))
				s.metrics.AddSinkDropped(s.name, len(rest))
				s.logger.Error("flush failed, batch dropped", "count", len(rest), "error", err)
				return batch[:0], false
			}
			s.logger.Error("flush failed, batch kept for next attempt", "count", len(rest), "error", err)
			kept := make([]T, len(rest))
			copy(kept, rest)
			return kept, true
		}
		s.metrics.AddSinkWritten(s.name, end-start)
	}
	return batch[:0], false
}

func (s *Sink[T]) writeWithRetry(batch []T) error {
	backoff := initialBackoff
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err = s.write(s.ctx, batch); err == nil {
			return nil
		}
		if attempt == s.maxRetries {
			break
		}
		s.logger.Debug("write failed, retrying", "attempt", attempt, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return err
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return err
}

// spill writes records that could not be persisted to the error log, one
// JSON document per line, so a blocking sink never loses them silently.
func (s *Sink[T]) spill(records []T, reason string) {
	s.logger.Error("records unwritten, spilling to log", "count", len(records), "reason", reason)
	for _, v := range records {
		b, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("unwritten record", "reason", reason, "record", v, "marshal_error", err)
			continue
		}
		s.logger.Error("unwritten record", "reason", reason, "record", json.RawMessage(b))
	}
}

// reportDrops logs the number of records shed since the last report.
func (s *Sink[T]) reportDrops() {
	if n := s.dropped.Swap(0); n > 0 {
		s.logger.Warn("dropped records", "count", n)
	}
}
