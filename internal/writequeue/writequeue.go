// Package writequeue serializes index writes through a single worker.
// SQLite allows one writer at a time, so the firehose indexer enqueues
// table-keyed requests here instead of contending for the write lock.
// Requests are applied in enqueue order; transient busy errors are
// retried with exponential backoff.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shelfmark/internal/metrics"
)

// ErrClosed is returned on the result channel for requests enqueued
// after Close.
var ErrClosed = errors.New("write queue closed")

// Op is the kind of write a request performs.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpUpsert Op = "upsert"
)

// Request is one pending index write.
type Request struct {
	Table   string
	Op      Op
	Key     string
	Payload map[string]any
}

// Writer applies requests to the underlying store.
type Writer interface {
	Insert(ctx context.Context, table string, payload map[string]any) error
	Update(ctx context.Context, table, key string, payload map[string]any) error
	Delete(ctx context.Context, table, key string) error
	Upsert(ctx context.Context, table, key string, payload map[string]any) error
}

// Config holds the write queue settings.
type Config struct {
	// BatchSize triggers a flush once this many requests are pending.
	BatchSize int
	// FlushInterval bounds how long an enqueued request may wait.
	FlushInterval time.Duration
	// MaxRetries bounds the attempts per request, including the first.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// Retryable classifies errors worth retrying. Nil retries nothing.
	Retryable func(error) bool
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		FlushInterval: time.Second,
		MaxRetries:    5,
		BaseDelay:     50 * time.Millisecond,
	}
}

type item struct {
	req    Request
	result chan error
	at     time.Time
}

// Queue buffers write requests and applies them from one worker
// goroutine.
type Queue struct {
	writer Writer
	config Config

	mu      sync.Mutex
	pending []*item
	closed  bool

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a write queue. Call Start to launch the worker.
func New(writer Writer, config Config) *Queue {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 50 * time.Millisecond
	}
	return &Queue{
		writer: writer,
		config: config,
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
	log.Info().
		Int("batch_size", q.config.BatchSize).
		Dur("flush_interval", q.config.FlushInterval).
		Msg("write queue started")
}

// Enqueue adds a request and returns a channel that receives the
// request's final outcome. The channel is buffered; callers that don't
// care about the result may drop it.
func (q *Queue) Enqueue(req Request) <-chan error {
	result := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		result <- ErrClosed
		return result
	}
	q.pending = append(q.pending, &item{req: req, result: result, at: time.Now()})
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.WriteQueueDepth.Set(float64(depth))

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return result
}

// Depth returns the number of pending requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting new requests, flushes everything pending, and
// waits for the worker to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()

	log.Info().Msg("write queue stopped")
	return nil
}

// worker flushes pending requests when the batch fills, the oldest
// request's wait expires, or the queue shuts down.
func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		n := len(q.pending)
		var oldest time.Time
		if n > 0 {
			oldest = q.pending[0].at
		}
		q.mu.Unlock()

		if n >= q.config.BatchSize {
			q.flushBatch()
			continue
		}
		if n > 0 && time.Since(oldest) >= q.config.FlushInterval {
			q.flushBatch()
			continue
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if n > 0 {
			timer = time.NewTimer(q.config.FlushInterval - time.Since(oldest))
			timeout = timer.C
		}

		select {
		case <-q.stopCh:
			if timer != nil {
				timer.Stop()
			}
			q.drain()
			return
		case <-q.signal:
			if timer != nil {
				timer.Stop()
			}
		case <-timeout:
		}
	}
}

// drain flushes until nothing is pending.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		n := len(q.pending)
		q.mu.Unlock()
		if n == 0 {
			return
		}
		q.flushBatch()
	}
}

// flushBatch takes up to BatchSize pending requests and applies them in
// order.
func (q *Queue) flushBatch() {
	q.mu.Lock()
	n := len(q.pending)
	if n == 0 {
		q.mu.Unlock()
		return
	}
	if n > q.config.BatchSize {
		n = q.config.BatchSize
	}
	batch := q.pending[:n:n]
	q.pending = q.pending[n:]
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.WriteQueueDepth.Set(float64(depth))
	metrics.WriteQueueFlushesTotal.Inc()

	for _, it := range batch {
		err := q.apply(it.req)
		if err != nil {
			metrics.WriteQueueFailuresTotal.Inc()
			log.Error().Err(err).
				Str("table", it.req.Table).
				Str("op", string(it.req.Op)).
				Str("key", it.req.Key).
				Msg("write request failed")
		} else {
			metrics.WriteQueueWritesTotal.WithLabelValues(it.req.Table, string(it.req.Op)).Inc()
		}
		it.result <- err
	}
}

// apply runs one request, retrying transient errors up to MaxRetries
// attempts with doubling delays.
func (q *Queue) apply(req Request) error {
	var err error
	for attempt := 0; attempt < q.config.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.WriteQueueRetriesTotal.Inc()
			time.Sleep(q.config.BaseDelay << uint(attempt-1))
		}

		err = q.applyOnce(req)
		if err == nil {
			return nil
		}
		if q.config.Retryable == nil || !q.config.Retryable(err) {
			return err
		}
	}
	return err
}

func (q *Queue) applyOnce(req Request) error {
	ctx := context.Background()
	switch req.Op {
	case OpInsert:
		return q.writer.Insert(ctx, req.Table, req.Payload)
	case OpUpdate:
		return q.writer.Update(ctx, req.Table, req.Key, req.Payload)
	case OpDelete:
		return q.writer.Delete(ctx, req.Table, req.Key)
	case OpUpsert:
		return q.writer.Upsert(ctx, req.Table, req.Key, req.Payload)
	default:
		return fmt.Errorf("unknown write op: %s", req.Op)
	}
}
