// Package runtime hosts the Coordinator, the single privileged consumer of
// every worker channel.
//
// The Coordinator binds registrations into the session registry, serves
// each bound channel on its own goroutine, runs transfers through the
// segment state machine, and hands every flushed segment to the download
// dispatch queue. It is the only component that triggers downloads.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/ferry/adapter"
	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/dispatch"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/registry"
	"github.com/pithecene-io/ferry/store"
	"github.com/pithecene-io/ferry/transfer"
	"github.com/pithecene-io/ferry/types"
	"github.com/pithecene-io/ferry/worker"
)

// DefaultNotifyTimeout bounds one notification publish.
const DefaultNotifyTimeout = 10 * time.Second

var (
	// ErrCoordinatorClosed is returned for registrations after Shutdown.
	ErrCoordinatorClosed = errors.New("coordinator shut down")
	// ErrEmptyName is returned by RequestDownload for an empty artifact name.
	ErrEmptyName = errors.New("download name is empty")
)

// Config holds coordinator tunables.
type Config struct {
	// SegmentSize is the segment ceiling in bytes.
	SegmentSize int64
	// Backlog configures the backpressure bound.
	Backlog backlog.Config
	// Dispatch configures inter-download spacing.
	Dispatch dispatch.Config
	// BlobRetention is how long a segment blob stays addressable after
	// its download was triggered.
	BlobRetention time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		SegmentSize:   transfer.DefaultCeiling,
		Backlog:       backlog.DefaultConfig(),
		Dispatch:      dispatch.DefaultConfig(),
		BlobRetention: store.DefaultRetention,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SegmentSize <= 0 {
		return fmt.Errorf("segment_size must be > 0, got %d", c.SegmentSize)
	}
	if err := c.Backlog.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if c.BlobRetention < 0 {
		return fmt.Errorf("blob_retention must be >= 0, got %s", c.BlobRetention)
	}
	return nil
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithCollector sets the metrics collector.
func WithCollector(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.collector = m }
}

// WithNotifier publishes a DownloadEvent after every download trigger.
// The coordinator closes the notifier on Shutdown.
func WithNotifier(a adapter.Adapter) Option {
	return func(c *Coordinator) { c.notifier = a }
}

// WithNotifyTimeout bounds each notification publish.
func WithNotifyTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.notifyTimeout = d }
}

// DownloadRecord describes one triggered download.
type DownloadRecord struct {
	Session  types.SessionID
	Transfer string
	Name     string
	StoredAs string
	Ordinal  int
	Final    bool
	Size     int64
	BlobID   string
	Err      error
	At       time.Time
}

// Coordinator is the consumer side of every registered channel.
type Coordinator struct {
	id            string
	cfg           Config
	target        store.Target
	registry      *registry.Registry
	queue         *dispatch.Queue
	blobs         *store.BlobRegistry
	notifier      adapter.Adapter
	notifyTimeout time.Duration
	logger        *log.Logger
	collector     *metrics.Collector

	mu        sync.Mutex
	links     map[string]*link
	downloads []DownloadRecord
	closed    bool

	serving     sync.WaitGroup
	releaseOnce sync.Once
	releaseErr  error
}

// NewCoordinator creates a coordinator that saves downloads into target.
func NewCoordinator(cfg Config, target store.Target, opts ...Option) (*Coordinator, error) {
	if target == nil {
		return nil, errors.New("coordinator requires a download target")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		id:            uuid.NewString(),
		cfg:           cfg,
		target:        target,
		registry:      registry.New(),
		blobs:         store.NewBlobRegistry(),
		notifyTimeout: DefaultNotifyTimeout,
		links:         make(map[string]*link),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	if c.collector == nil {
		c.collector = metrics.NewCollector(target.Backend(), c.id)
	}

	queue, err := dispatch.New(cfg.Dispatch, c.logger, c.collector)
	if err != nil {
		return nil, err
	}
	c.queue = queue
	return c, nil
}

// ID returns the coordinator's instance id.
func (c *Coordinator) ID() string { return c.id }

// Config returns the coordinator's configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// NewSession mints a fresh session id.
func (c *Coordinator) NewSession() types.SessionID {
	return types.SessionID(uuid.NewString())
}

// Register binds a registration handshake and starts serving its channel.
// A registration for an already bound session replaces the old binding.
func (c *Coordinator) Register(reg worker.Registration) error {
	ctrl, err := backlog.NewController(reg.Backlog, c.cfg.Backlog)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	l := newLink(reg.Session, reg.Channel, ctrl, c.logger.WithSession(reg.Session))
	c.links[l.id()] = l
	c.serving.Add(1)
	c.mu.Unlock()

	prev, replaced := c.registry.Bind(registry.Entry{
		Session: reg.Session,
		Channel: reg.Channel,
		Backlog: reg.Backlog,
	})
	c.collector.IncRegistration()
	if replaced {
		c.collector.IncStaleHandshake()
		l.logger.Warn("stale handshake replaced", map[string]any{
			"previous_link": prev.Channel.ID(),
			"link":          l.id(),
		})
	} else {
		l.logger.Info("session registered", map[string]any{"link": l.id()})
	}

	go c.serve(l)
	return nil
}

// Unregister removes the binding for session if it still points at the
// link with linkID.
func (c *Coordinator) Unregister(session types.SessionID, linkID string) {
	if c.registry.UnbindChannel(session, linkID) {
		c.collector.IncUnregistration()
		c.logger.WithSession(session).Info("session unregistered", map[string]any{"link": linkID})
	}
}

// RequestDownload asks the worker bound to session to stream the artifact
// called name. Returns registry.ErrNotRegistered if no worker is bound.
func (c *Coordinator) RequestDownload(ctx context.Context, session types.SessionID, name string) error {
	if name == "" {
		return ErrEmptyName
	}
	entry, err := c.registry.Lookup(session)
	if err != nil {
		c.collector.IncLookupFailure()
		return err
	}

	c.mu.Lock()
	l, ok := c.links[entry.Channel.ID()]
	c.mu.Unlock()
	if !ok {
		c.collector.IncLookupFailure()
		return fmt.Errorf("%w: %s", registry.ErrNotRegistered, session)
	}

	l.pushPending(name)
	if err := entry.Channel.SendContext(ctx, types.NewDownload(name)); err != nil {
		l.dropPending(name)
		return fmt.Errorf("request download %q: %w", name, err)
	}
	c.collector.IncDownloadRequested()
	l.logger.Debug("download requested", map[string]any{"name": name})
	return nil
}

// Sessions returns the currently bound sessions.
func (c *Coordinator) Sessions() []types.SessionID {
	return c.registry.Sessions()
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() metrics.Snapshot {
	return c.collector.Snapshot()
}

// Downloads returns every download triggered so far, in trigger order.
func (c *Coordinator) Downloads() []DownloadRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DownloadRecord(nil), c.downloads...)
}

// Wait blocks until every queued download has been triggered.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.queue.Wait(ctx)
}

// Shutdown stops accepting registrations, closes every channel, waits for
// the serve goroutines and the dispatch queue, then releases blobs and the
// notifier. Downloads already queued still run. Calling Shutdown again
// waits for the same conditions without releasing twice.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		_ = l.endpoint.Close()
	}

	served := make(chan struct{})
	go func() {
		c.serving.Wait()
		close(served)
	}()
	select {
	case <-served:
	case <-ctx.Done():
		return fmt.Errorf("waiting for channels: %w", ctx.Err())
	}

	if err := c.queue.Close(ctx); err != nil {
		return fmt.Errorf("draining dispatch queue: %w", err)
	}

	c.releaseOnce.Do(func() {
		c.blobs.Close()
		if c.notifier != nil {
			if err := c.notifier.Close(); err != nil {
				c.releaseErr = fmt.Errorf("closing notifier: %w", err)
			}
		}
	})
	return c.releaseErr
}
