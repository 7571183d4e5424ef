// Package registry maps sessions to their live transfer channel.
//
// At most one entry exists per session. A new registration for a session
// always replaces the previous one (last writer wins), so a worker that
// restarts and re-announces itself takes over from its crashed predecessor.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/channel"
	"github.com/pithecene-io/ferry/types"
)

// ErrNotRegistered is returned by Lookup when a session has no live channel.
var ErrNotRegistered = errors.New("session not registered")

// Entry is the consumer-side view of one registration.
type Entry struct {
	// Session is the registering session.
	Session types.SessionID
	// Channel is the consumer's endpoint of the link.
	Channel *channel.Endpoint
	// Backlog is the counter shared with the producer.
	Backlog *backlog.Counter
}

// Registry is a concurrency-safe session -> entry map.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.SessionID]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[types.SessionID]Entry),
	}
}

// Bind stores entry under its session, replacing any previous entry.
// It returns the replaced entry and true when a stale binding existed.
func (r *Registry) Bind(entry Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.entries[entry.Session]
	r.entries[entry.Session] = entry
	return prev, replaced
}

// Lookup returns the live entry for session.
func (r *Registry) Lookup(session types.SessionID) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[session]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotRegistered, session)
	}
	return entry, nil
}

// Unbind removes the entry for session. Removing a missing entry is a no-op.
func (r *Registry) Unbind(session types.SessionID) {
	r.mu.Lock()
	delete(r.entries, session)
	r.mu.Unlock()
}

// UnbindChannel removes the entry for session only if it is still bound to
// the channel with the given link id. It reports whether an entry was removed.
// A newer registration made over a different link is left in place.
func (r *Registry) UnbindChannel(session types.SessionID, linkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[session]
	if !ok || entry.Channel == nil || entry.Channel.ID() != linkID {
		return false
	}
	delete(r.entries, session)
	return true
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sessions returns the bound sessions in sorted order.
func (r *Registry) Sessions() []types.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]types.SessionID, 0, len(r.entries))
	for s := range r.entries {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })
	return sessions
}
