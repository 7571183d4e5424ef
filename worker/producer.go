package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/ferry/backlog"
	"github.com/pithecene-io/ferry/channel"
	"github.com/pithecene-io/ferry/ipc"
	"github.com/pithecene-io/ferry/types"
)

// DefaultChunkSize is the chunk size used by StreamWriter (1 MiB).
const DefaultChunkSize = 1024 * 1024

// ErrStreamClosed is returned by Write after Close.
var ErrStreamClosed = errors.New("stream closed")

// Producer is the worker's half of a registered link. It reads download
// requests on its own goroutine so the consumer is never blocked on a
// worker that is busy streaming.
type Producer struct {
	session types.SessionID
	link    *channel.Endpoint
	backlog *backlog.Controller

	downloads chan string
}

func newProducer(ctx context.Context, session types.SessionID, link *channel.Endpoint, ctrl *backlog.Controller) *Producer {
	p := &Producer{
		session:   session,
		link:      link,
		backlog:   ctrl,
		downloads: make(chan string, DefaultBuffer),
	}
	go p.readLoop(ctx)
	return p
}

// Session returns the registered session.
func (p *Producer) Session() types.SessionID { return p.session }

// LinkID returns the id of the underlying channel.
func (p *Producer) LinkID() string { return p.link.ID() }

// Backlog returns the producer's backlog controller.
func (p *Producer) Backlog() *backlog.Controller { return p.backlog }

// Downloads yields the names of requested downloads in request order.
// The channel is closed when the link closes.
func (p *Producer) Downloads() <-chan string { return p.downloads }

// Close closes the worker's end of the link.
func (p *Producer) Close() error { return p.link.Close() }

func (p *Producer) readLoop(ctx context.Context) {
	defer close(p.downloads)
	for {
		msg, err := p.link.Receive()
		if err != nil {
			if ipc.IsMalformed(err) {
				continue
			}
			return
		}
		req, ok := msg.(*types.DownloadMessage)
		if !ok {
			continue
		}
		select {
		case p.downloads <- req.Name:
		case <-ctx.Done():
			return
		}
	}
}

// Stream returns a writer for one transfer. The consumer names the
// transfer after the oldest outstanding download request, so a producer
// streams transfers in the order it received their requests.
func (p *Producer) Stream(ctx context.Context) *StreamWriter {
	return &StreamWriter{ctx: ctx, producer: p, chunkSize: DefaultChunkSize}
}

// StreamWriter sends one transfer as chunk messages followed by close.
// Each chunk first acquires backlog, blocking while the consumer is
// holding unflushed data at the bound.
type StreamWriter struct {
	ctx       context.Context
	producer  *Producer
	chunkSize int
	closed    bool
	written   int64
}

// SetChunkSize overrides the chunk size. Sizes outside (0, ipc.MaxChunkSize]
// are ignored.
func (s *StreamWriter) SetChunkSize(n int) {
	if n > 0 && n <= ipc.MaxChunkSize {
		s.chunkSize = n
	}
}

// Written returns the number of bytes sent so far.
func (s *StreamWriter) Written() int64 { return s.written }

// Write splits b into chunks and sends them in order.
func (s *StreamWriter) Write(b []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	sent := 0
	for len(b) > 0 {
		n := min(len(b), s.chunkSize)
		if err := s.sendChunk(b[:n]); err != nil {
			return sent, err
		}
		b = b[n:]
		sent += n
	}
	return sent, nil
}

// ReadFrom streams r in chunkSize reads, so io.Copy produces full-size
// chunks instead of its default buffer size.
func (s *StreamWriter) ReadFrom(r io.Reader) (int64, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	buf := make([]byte, s.chunkSize)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if sendErr := s.sendChunk(buf[:n]); sendErr != nil {
				return total, sendErr
			}
			total += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return total, nil
		default:
			return total, err
		}
	}
}

func (s *StreamWriter) sendChunk(data []byte) error {
	if err := s.producer.backlog.Acquire(s.ctx, len(data)); err != nil {
		return fmt.Errorf("acquire backlog: %w", err)
	}
	if err := s.producer.link.Send(types.NewChunk(data)); err != nil {
		return err
	}
	s.written += int64(len(data))
	return nil
}

// Close ends the transfer. Safe to call more than once.
func (s *StreamWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.producer.link.Send(types.NewClose())
}
