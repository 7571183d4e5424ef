package reader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/runtime"
	"github.com/pithecene-io/ferry/store"
	"github.com/pithecene-io/ferry/transfer"
)

// ErrNameRequired is returned by InspectDownload for an empty name.
var ErrNameRequired = errors.New("download name is required")

// Reader reads downloads back from a target.
type Reader struct {
	target store.Target
}

// New creates a reader over target.
func New(target store.Target) *Reader {
	return &Reader{target: target}
}

// ListDownloads returns stored downloads in name order.
func (r *Reader) ListDownloads(ctx context.Context, opts ListOptions) ([]ListDownloadItem, error) {
	names, err := r.target.List(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]ListDownloadItem, 0, len(names))
	for _, name := range names {
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			continue
		}
		items = append(items, ListDownloadItem{Name: name})
		if opts.Limit > 0 && len(items) >= opts.Limit {
			break
		}
	}
	return items, nil
}

// InspectDownload reads one download in full to report its size and digest.
func (r *Reader) InspectDownload(ctx context.Context, name string) (*InspectDownloadResponse, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	rc, err := r.target.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(rc)

	h := sha256.New()
	counter := iox.NewCountingReader(rc)
	if _, err := io.Copy(h, counter); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	_, ordinal := transfer.ParseSegmentName(name)
	return &InspectDownloadResponse{
		Name:    name,
		Backend: r.target.Backend(),
		Size:    counter.Count(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
		Segment: ordinal,
	}, nil
}

// NewExportReport builds the report for a finished export.
func NewExportReport(coordinatorID string, files int, elapsed time.Duration, snap metrics.Snapshot, records []runtime.DownloadRecord) *ExportReport {
	sessions := make(map[string]struct{})
	rows := make([]DownloadRow, 0, len(records))
	for _, rec := range records {
		sessions[string(rec.Session)] = struct{}{}
		row := DownloadRow{
			Session:  string(rec.Session),
			Transfer: rec.Transfer,
			StoredAs: rec.StoredAs,
			Ordinal:  rec.Ordinal,
			Final:    rec.Final,
			Size:     rec.Size,
			State:    StateSaved,
			At:       rec.At,
		}
		if rec.Err != nil {
			row.State = StateFailed
			row.Error = rec.Err.Error()
		}
		rows = append(rows, row)
	}

	return &ExportReport{
		CoordinatorID: coordinatorID,
		Backend:       snap.StorageBackend,
		Duration:      elapsed.Round(time.Millisecond).String(),
		Stats: ExportStats{
			Files:           files,
			Sessions:        len(sessions),
			BytesReceived:   snap.BytesReceived,
			ChunksReceived:  snap.ChunksReceived,
			SegmentsFlushed: snap.SegmentsFlushed,
			DownloadSuccess: snap.DownloadSuccess,
			DownloadFailure: snap.DownloadFailure,
			MessagesDropped: snap.MessagesDropped,
			BacklogHolds:    snap.BacklogHolds,
			BacklogWakes:    snap.BacklogWakes,
			NotifyFailure:   snap.NotifyFailure,
		},
		Downloads: rows,
	}
}

// Failed reports whether any download of the export failed.
func (r *ExportReport) Failed() bool {
	for _, row := range r.Downloads {
		if row.State == StateFailed {
			return true
		}
	}
	return false
}
