package runtime

import (
	"sync"

	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/channel"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/transfer"
	"github.com/pithecene-io/ferry/types"
)

// link is the consumer-side state of one registered channel.
//
// pending is shared with RequestDownload; current is owned by the serve
// goroutine.
type link struct {
	session  types.SessionID
	endpoint *channel.Endpoint
	backlog  *backlog.Controller
	logger   *log.Logger

	mu      sync.Mutex
	pending []string // requested transfer names, oldest first

	current *transfer.Transfer
}

func newLink(session types.SessionID, ep *channel.Endpoint, ctrl *backlog.Controller, logger *log.Logger) *link {
	return &link{
		session:  session,
		endpoint: ep,
		backlog:  ctrl,
		logger:   logger,
	}
}

func (l *link) id() string { return l.endpoint.ID() }

func (l *link) pushPending(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, name)
}

// dropPending removes the newest pending entry for name.
func (l *link) dropPending(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.pending) - 1; i >= 0; i-- {
		if l.pending[i] == name {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// popPending returns the oldest requested name.
func (l *link) popPending() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return "", false
	}
	name := l.pending[0]
	l.pending = l.pending[1:]
	return name, true
}

func (l *link) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
