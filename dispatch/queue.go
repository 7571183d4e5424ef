// Package dispatch implements the download dispatch queue.
//
// Items run strictly one at a time in FIFO order on a single drain
// goroutine. After each item the drain sleeps a uniformly random delay in
// [MinDelay, MaxDelay] so that back-to-back downloads reach the target
// spaced apart. The drain starts lazily on Enqueue and exits once the
// queue is empty.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/metrics"
)

// Default inter-item delay bounds.
const (
	DefaultMinDelay = 1000 * time.Millisecond
	DefaultMaxDelay = 1500 * time.Millisecond
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("dispatch queue closed")
	// ErrInvalidConfig is returned for inconsistent delay bounds.
	ErrInvalidConfig = errors.New("invalid dispatch config")
)

// Config holds the inter-item delay bounds.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultConfig returns the default delay bounds.
func DefaultConfig() Config {
	return Config{MinDelay: DefaultMinDelay, MaxDelay: DefaultMaxDelay}
}

// Validate checks that 0 <= MinDelay <= MaxDelay.
func (c Config) Validate() error {
	if c.MinDelay < 0 {
		return fmt.Errorf("%w: min_delay %s is negative", ErrInvalidConfig, c.MinDelay)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("%w: max_delay %s < min_delay %s", ErrInvalidConfig, c.MaxDelay, c.MinDelay)
	}
	return nil
}

// Item is one deferred download.
//
// When the item runs, the queue first releases the hold on Backlog (if
// set) and then invokes Trigger. Release comes first so the producer can
// resume while the download is in flight.
type Item struct {
	// Name identifies the item in logs.
	Name string
	// Backlog is the controller whose hold this item returns.
	Backlog *backlog.Controller
	// Trigger performs the download.
	Trigger func(ctx context.Context) error
}

// Queue is a strictly sequential FIFO of download items.
type Queue struct {
	cfg       Config
	logger    *log.Logger
	collector *metrics.Collector

	// delay picks the pause after an item; replaced in tests.
	delay func() time.Duration

	mu      sync.Mutex
	items   []Item
	running bool
	closed  bool
	idle    chan struct{} // closed when the current drain exits
}

// New creates an idle queue.
func New(cfg Config, logger *log.Logger, collector *metrics.Collector) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	q := &Queue{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}
	q.delay = q.randomDelay
	return q, nil
}

// Enqueue appends an item and starts the drain if it is idle.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.collector.IncDispatchEnqueued()

	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return nil
}

// Len returns the number of items waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Running reports whether the drain goroutine is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until the queue is empty and the drain has exited.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
			// A new drain may have started; re-check.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects further items and waits for queued ones to run.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Wait(ctx)
}

func (q *Queue) drain(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			close(idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = Item{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.run(item)
		time.Sleep(q.delay())
	}
}

// run executes one item. Items outlive the session that produced them, so
// they run on a background context.
func (q *Queue) run(item Item) {
	if item.Backlog != nil {
		item.Backlog.Release()
	}
	if item.Trigger == nil {
		return
	}

	start := time.Now()
	if err := item.Trigger(context.Background()); err != nil {
		q.collector.IncDownloadFailure()
		q.logger.Error("download trigger failed", map[string]any{
			"item":  item.Name,
			"error": err.Error(),
		})
		return
	}
	q.collector.IncDownloadSuccess()
	q.logger.Debug("download triggered", map[string]any{
		"item":        item.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (q *Queue) randomDelay() time.Duration {
	return RandomDelay(q.cfg.MinDelay, q.cfg.MaxDelay)
}

// RandomDelay returns a uniformly random duration in [lo, hi].
func RandomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
