// Package worker creates instrumented background workers.
//
// Every worker is built through a Factory. The factory sits between the
// worker and its host: registration handshakes a worker posts are consumed
// and handed to the RegistrationHandler, while all other worker messages
// pass through to the host unchanged. Terminating a worker unbinds every
// session it registered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/channel"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/types"
)

// DefaultBuffer is the default inbox/outbox capacity.
const DefaultBuffer = 16

// ErrTerminated is returned when posting to or from a terminated worker.
var ErrTerminated = errors.New("worker terminated")

// Registration is the handshake a worker posts to bind a session to a
// fresh channel. It carries live objects and never crosses the wire.
type Registration struct {
	// Session is the session being bound.
	Session types.SessionID
	// Channel is the consumer's endpoint of the link.
	Channel *channel.Endpoint
	// Backlog is the counter the producer created for the link.
	Backlog *backlog.Counter
}

// complete reports whether every field of the handshake is present.
func (r *Registration) complete() bool {
	return r != nil && r.Session != "" && r.Channel != nil && r.Backlog != nil
}

// RegistrationHandler receives intercepted handshakes.
type RegistrationHandler interface {
	// Register binds the session to the handshake's channel.
	Register(reg Registration) error
	// Unregister removes the binding for session if it still refers to
	// the link with linkID.
	Unregister(session types.SessionID, linkID string)
}

// Script is the body of a worker. It runs on its own goroutine until it
// returns or ctx is canceled by Terminate.
type Script func(ctx context.Context, scope *Scope) error

// Options configures a worker.
type Options struct {
	// Name identifies the worker in logs.
	Name string
	// Buffer is the inbox/outbox capacity (default 16).
	Buffer int
}

// Factory creates workers wired to a RegistrationHandler.
type Factory struct {
	handler RegistrationHandler
	backlog backlog.Config
	logger  *log.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithBacklog sets the backlog bounds producers use. It should match the
// bounds of the consumer handling the registrations.
func WithBacklog(cfg backlog.Config) FactoryOption {
	return func(f *Factory) { f.backlog = cfg }
}

// NewFactory creates a factory whose workers report handshakes to handler.
func NewFactory(handler RegistrationHandler, logger *log.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = log.Nop()
	}
	f := &Factory{
		handler: handler,
		backlog: backlog.DefaultConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// binding records one registration made by a worker.
type binding struct {
	session types.SessionID
	link    *channel.Endpoint // worker side
}

// Worker is the host's handle on a running worker.
type Worker struct {
	name    string
	factory *Factory
	ctx     context.Context
	cancel  context.CancelFunc

	inbox  chan any // host -> worker
	raw    chan any // worker -> interceptor
	outbox chan any // interceptor -> host

	mu       sync.Mutex
	bindings []binding

	done          chan struct{}
	err           error
	terminateOnce sync.Once
}

// New starts script in a new worker.
func (f *Factory) New(script Script, opts Options) *Worker {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:    opts.Name,
		factory: f,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan any, buffer),
		raw:     make(chan any, buffer),
		outbox:  make(chan any, buffer),
		done:    make(chan struct{}),
	}

	go w.intercept()
	go func() {
		defer close(w.done)
		w.err = script(ctx, &Scope{worker: w})
	}()

	f.logger.Debug("worker started", map[string]any{"worker": w.name})
	return w
}

// Name returns the worker's diagnostic name.
func (w *Worker) Name() string { return w.name }

// PostMessage delivers v to the worker's Scope.Messages.
func (w *Worker) PostMessage(v any) error {
	select {
	case <-w.ctx.Done():
		return ErrTerminated
	default:
	}
	select {
	case w.inbox <- v:
		return nil
	case <-w.ctx.Done():
		return ErrTerminated
	}
}

// Messages returns the non-handshake messages posted by the worker.
// The channel is closed after Terminate.
func (w *Worker) Messages() <-chan any { return w.outbox }

// Done is closed when the script returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the script returns and reports its error.
// A script stopped by Terminate typically returns context.Canceled.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Terminate stops the worker and unbinds every session it registered.
// Safe to call more than once.
func (w *Worker) Terminate() {
	w.terminateOnce.Do(func() {
		w.cancel()

		w.mu.Lock()
		bindings := w.bindings
		w.bindings = nil
		w.mu.Unlock()

		for _, b := range bindings {
			w.factory.handler.Unregister(b.session, b.link.ID())
			_ = b.link.Close()
		}
		w.factory.logger.Debug("worker terminated", map[string]any{
			"worker":  w.name,
			"unbound": len(bindings),
		})
	})
}

// intercept routes worker output: handshakes go to the handler, the rest
// to the host, in posting order.
func (w *Worker) intercept() {
	defer close(w.outbox)
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.raw:
			if reg, ok := asRegistration(msg); ok {
				w.handleRegistration(reg)
				continue
			}
			select {
			case w.outbox <- msg:
			case <-w.ctx.Done():
				return
			}
		}
	}
}

func asRegistration(msg any) (*Registration, bool) {
	switch m := msg.(type) {
	case *Registration:
		return m, true
	case Registration:
		return &m, true
	default:
		return nil, false
	}
}

func (w *Worker) handleRegistration(reg *Registration) {
	logger := w.factory.logger
	if w.ctx.Err() != nil {
		if reg.Channel != nil {
			_ = reg.Channel.Close()
		}
		return
	}
	if !reg.complete() {
		logger.Warn("dropping incomplete registration", map[string]any{"worker": w.name})
		if reg != nil && reg.Channel != nil {
			_ = reg.Channel.Close()
		}
		return
	}
	if err := w.factory.handler.Register(*reg); err != nil {
		logger.Warn("registration rejected", map[string]any{
			"worker":  w.name,
			"session": string(reg.Session),
			"error":   err.Error(),
		})
		_ = reg.Channel.Close()
	}
}

func (w *Worker) track(b binding) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bindings = append(w.bindings, b)
}

func (w *Worker) untrack(b binding) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bindings = slices.DeleteFunc(w.bindings, func(x binding) bool { return x.link == b.link })
}

// Scope is the worker-side view of its host.
type Scope struct {
	worker *Worker
}

// Name returns the worker's diagnostic name.
func (s *Scope) Name() string { return s.worker.name }

// Messages returns messages posted by the host.
func (s *Scope) Messages() <-chan any { return s.worker.inbox }

// PostMessage sends v to the host. Registration values are intercepted
// by the factory and never reach Worker.Messages.
func (s *Scope) PostMessage(v any) error {
	select {
	case s.worker.raw <- v:
		return nil
	case <-s.worker.ctx.Done():
		return ErrTerminated
	}
}

// Register creates a channel and backlog counter for session, posts the
// registration handshake, and returns the producer half of the link.
// Registering again for the same session replaces the earlier binding.
func (s *Scope) Register(session types.SessionID) (*Producer, error) {
	if session == "" {
		return nil, errors.New("register: empty session")
	}

	ctrl, err := backlog.NewController(backlog.NewCounter(0), s.worker.factory.backlog)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	local, remote := channel.Pipe()

	// Tracked before posting so a Terminate racing the handshake still
	// unbinds it.
	b := binding{session: session, link: local}
	s.worker.track(b)

	reg := &Registration{Session: session, Channel: remote, Backlog: ctrl.Counter()}
	if err := s.PostMessage(reg); err != nil {
		s.worker.untrack(b)
		_ = local.Close()
		_ = remote.Close()
		return nil, err
	}

	return newProducer(s.worker.ctx, session, local, ctrl), nil
}
