// Package channel provides the bidirectional, ordered message link that a
// worker hands to the consumer during registration.
//
// Each side of the link is an Endpoint. Messages are framed with the ipc
// codec over a synchronous in-memory pipe, so a Send completes once the
// peer has read the frame and ordering within a link is preserved.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/ferry/ipc"
)

// ErrClosed is returned when sending on a closed endpoint.
var ErrClosed = errors.New("channel closed")

// Endpoint is one side of a channel.
type Endpoint struct {
	id   string
	conn net.Conn
	enc  *ipc.FrameEncoder
	dec  *ipc.FrameDecoder

	closeOnce sync.Once
	closeErr  error
}

// Pipe creates a connected pair of endpoints sharing one link id.
// Conventionally the first endpoint stays with the worker and the second
// is handed to the consumer.
func Pipe() (*Endpoint, *Endpoint) {
	id := uuid.NewString()
	a, b := net.Pipe()
	return newEndpoint(id, a), newEndpoint(id, b)
}

func newEndpoint(id string, conn net.Conn) *Endpoint {
	return &Endpoint{
		id:   id,
		conn: conn,
		enc:  ipc.NewFrameEncoder(conn),
		dec:  ipc.NewFrameDecoder(conn),
	}
}

// ID returns the link identifier shared by both endpoints.
func (e *Endpoint) ID() string {
	return e.id
}

// Send writes one message. It blocks until the peer reads it.
func (e *Endpoint) Send(msg any) error {
	if err := e.enc.WriteMessage(msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("channel %s: %w", e.id, err)
	}
	return nil
}

// SendContext is Send bounded by ctx. A send interrupted by ctx may leave
// a partial frame on the link, so the endpoint is closed in that case.
func (e *Endpoint) SendContext(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = e.conn.SetWriteDeadline(time.Now())
	})
	err := e.Send(msg)
	if !stop() {
		// The deadline fired; the frame may be torn.
		if err != nil {
			_ = e.Close()
			return ctx.Err()
		}
		_ = e.conn.SetWriteDeadline(time.Time{})
	}
	return err
}

// Receive reads the next message.
//
// Errors:
//   - io.EOF: the link was closed by either side
//   - ipc malformed error (ipc.IsMalformed): the frame should be dropped,
//     the link remains usable
//   - fatal *ipc.FrameError: the link cannot be resynchronized
func (e *Endpoint) Receive() (any, error) {
	payload, err := e.dec.ReadFrame()
	if err != nil {
		if isClosed(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	return ipc.DecodeMessage(payload)
}

// Close closes this side of the link; the peer observes io.EOF.
// Safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

// isClosed reports whether err means the pipe was closed by either side.
// net.Pipe reports a local close as io.ErrClosedPipe, possibly wrapped in
// a partial-frame error if it interrupted a read.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
