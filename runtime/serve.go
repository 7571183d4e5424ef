package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pithecene-io/ferry/adapter"
	"github.com/pithecene-io/ferry/dispatch"
	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/ipc"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/transfer"
	"github.com/pithecene-io/ferry/types"
)

// serve reads l's channel in order until it closes.
//
// Per message:
//   - chunk: debit the backlog, then feed the active transfer
//   - close: finish the active transfer (close-time flush)
//   - malformed or unexpected: drop and keep reading
//
// A fatal frame error ends the link, since framing cannot be resynchronized.
func (c *Coordinator) serve(l *link) {
	defer c.serving.Done()
	defer c.retire(l)

	for {
		msg, err := l.endpoint.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ipc.IsMalformed(err) {
				c.drop(l, metrics.DropMalformed, err)
				continue
			}
			c.collector.IncIPCDecodeErrors()
			l.logger.Error("channel framing failed", map[string]any{
				"link":  l.id(),
				"error": err.Error(),
			})
			return
		}

		switch m := msg.(type) {
		case *types.ChunkMessage:
			c.handleChunk(l, m.Chunk)
		case *types.CloseMessage:
			c.handleClose(l)
		default:
			c.drop(l, metrics.DropMalformed, nil)
		}
	}
}

// retire tears down a link whose channel closed.
func (c *Coordinator) retire(l *link) {
	_ = l.endpoint.Close()
	c.Unregister(l.session, l.id())

	c.mu.Lock()
	delete(c.links, l.id())
	c.mu.Unlock()

	if l.current != nil {
		l.logger.Warn("transfer abandoned", map[string]any{
			"transfer":      l.current.Name(),
			"pending_bytes": l.current.PendingBytes(),
			"flushes":       l.current.Flushes(),
		})
		l.current = nil
	}
	l.logger.Debug("link closed", map[string]any{
		"link":             l.id(),
		"pending_requests": l.pendingCount(),
	})
}

func (c *Coordinator) drop(l *link, reason string, err error) {
	c.collector.IncDropped(reason)
	fields := map[string]any{"link": l.id(), "reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.Debug("message dropped", fields)
}

// activeTransfer returns the transfer that incoming data belongs to,
// opening one named after the oldest pending request if needed.
func (c *Coordinator) activeTransfer(l *link) (*transfer.Transfer, error) {
	if l.current != nil {
		return l.current, nil
	}
	name, ok := l.popPending()
	if !ok {
		return nil, transfer.ErrNoPendingRequest
	}
	t, err := transfer.New(name, c.cfg.SegmentSize, func(seg *transfer.Segment) {
		c.flush(l, seg)
	})
	if err != nil {
		return nil, err
	}
	l.current = t
	return t, nil
}

func (c *Coordinator) handleChunk(l *link, data []byte) {
	// Debit first: the producer accounted these bytes whether or not a
	// transfer accepts them.
	if _, woke := l.backlog.Debit(len(data)); woke {
		c.collector.IncBacklogWake()
	}
	c.collector.AddChunk(len(data))

	t, err := c.activeTransfer(l)
	if err != nil {
		c.drop(l, metrics.DropNoPendingRequest, err)
		return
	}
	if err := t.Chunk(data); err != nil {
		c.drop(l, metrics.DropTransferDone, err)
	}
}

func (c *Coordinator) handleClose(l *link) {
	t, err := c.activeTransfer(l)
	if err != nil {
		c.drop(l, metrics.DropNoPendingRequest, err)
		return
	}
	l.current = nil
	if err := t.Close(); err != nil {
		c.drop(l, metrics.DropTransferDone, err)
		return
	}
	c.collector.IncTransferClosed()
	l.logger.Info("transfer closed", map[string]any{
		"transfer": t.Name(),
		"bytes":    t.TotalBytes(),
		"segments": t.Flushes(),
	})
}

// flush pauses the producer with a hold and queues the segment's download.
// The hold is returned by the dispatch item just before the trigger runs.
func (c *Coordinator) flush(l *link, seg *transfer.Segment) {
	l.backlog.Hold()
	c.collector.IncBacklogHold()
	c.collector.IncSegmentFlushed()

	session := l.session
	err := c.queue.Enqueue(dispatch.Item{
		Name:    seg.Name,
		Backlog: l.backlog,
		Trigger: func(ctx context.Context) error {
			return c.download(ctx, session, seg)
		},
	})
	if err != nil {
		l.backlog.Release()
		l.logger.Error("segment not queued", map[string]any{
			"segment": seg.Name,
			"error":   err.Error(),
		})
		return
	}
	l.logger.Debug("segment flushed", map[string]any{
		"segment": seg.Name,
		"bytes":   seg.Size,
		"final":   seg.Final,
	})
}

// download is the dispatch trigger: it exposes the segment as a blob,
// saves it to the target, schedules the blob's release, and publishes a
// notification.
func (c *Coordinator) download(ctx context.Context, session types.SessionID, seg *transfer.Segment) error {
	blob := c.blobs.Create(seg.Name, seg.Chunks)
	defer c.blobs.ReleaseAfter(blob.ID, c.cfg.BlobRetention)

	body := iox.NewCountingReader(blob.Reader())
	storedAs, err := c.target.Save(ctx, seg.Name, body)

	record := DownloadRecord{
		Session:  session,
		Transfer: seg.Transfer,
		Name:     seg.Name,
		StoredAs: storedAs,
		Ordinal:  seg.Ordinal,
		Final:    seg.Final,
		Size:     body.Count(),
		BlobID:   blob.ID,
		Err:      err,
		At:       time.Now().UTC(),
	}
	c.mu.Lock()
	c.downloads = append(c.downloads, record)
	c.mu.Unlock()

	c.notify(ctx, record)
	return err
}

func (c *Coordinator) notify(ctx context.Context, rec DownloadRecord) {
	if c.notifier == nil {
		return
	}

	event := &adapter.DownloadEvent{
		ContractVersion: adapter.ContractVersion,
		EventType:       adapter.EventTypeDownloadDispatched,
		Session:         string(rec.Session),
		Transfer:        rec.Transfer,
		Name:            rec.Name,
		StoredAs:        rec.StoredAs,
		Ordinal:         rec.Ordinal,
		Final:           rec.Final,
		Size:            rec.Size,
		BlobID:          rec.BlobID,
		Backend:         c.target.Backend(),
		Outcome:         adapter.OutcomeSuccess,
		Timestamp:       rec.At.Format(time.RFC3339Nano),
	}
	if rec.Err != nil {
		event.Outcome = adapter.OutcomeFailed
		event.Error = rec.Err.Error()
	}

	publishCtx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
	defer cancel()
	if err := c.notifier.Publish(publishCtx, event); err != nil {
		c.collector.IncNotifyFailure()
		c.logger.WithSession(rec.Session).Warn("download notification failed", map[string]any{
			"segment": rec.Name,
			"error":   err.Error(),
		})
	}
}
