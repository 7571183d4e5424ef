// Package adapter defines the notification boundary for finished downloads.
//
// After the dispatch queue triggers a download, the coordinator publishes a
// DownloadEvent so that a downstream model (a UI widget, a pipeline, a
// webhook consumer) can pick the artifact up. Adapters own their transport;
// callers provide configuration only.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// ContractVersion is the version of the DownloadEvent payload shape.
const ContractVersion = "0.1.0"

// EventTypeDownloadDispatched is the EventType of every DownloadEvent.
const EventTypeDownloadDispatched = "download_dispatched"

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// DownloadEvent is the payload published when a segment download has been
// triggered on the target.
type DownloadEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "download_dispatched"
	Session         string `json:"session"`
	Transfer        string `json:"transfer"`  // bare transfer name
	Name            string `json:"name"`      // segment name
	StoredAs        string `json:"stored_as"` // name chosen by the target
	Ordinal         int    `json:"ordinal"`
	Final           bool   `json:"final"`
	Size            int64  `json:"size"`
	BlobID          string `json:"blob_id"`
	Backend         string `json:"backend"`
	Outcome         string `json:"outcome"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp"` // ISO 8601
}

// Adapter publishes download events to a downstream system.
type Adapter interface {
	// Publish sends a download event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *DownloadEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry; each further retry doubles it.
var BaseBackoff = 500 * time.Millisecond

// Retry calls attempt up to 1+retries times with exponential backoff
// between calls. It stops early when attempt succeeds, when permanent
// reports the error as non-retriable, or when ctx is done.
func Retry(ctx context.Context, name string, retries int, attempt func(ctx context.Context) error, permanent func(error) bool) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
