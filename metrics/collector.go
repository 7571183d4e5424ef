// Package metrics provides per-coordinator metrics collection.
//
// The Collector accumulates counters for the lifetime of one coordinator.
// It is a leaf package with no internal dependencies; callers pass plain
// strings for drop reasons so it stays free of the types package.
package metrics

import "sync"

// Drop reasons recorded by IncDropped.
const (
	DropMalformed        = "malformed"
	DropNoPendingRequest = "no_pending_request"
	DropTransferDone     = "transfer_done"
)

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Registration
	Registrations   int64
	StaleHandshakes int64
	Unregistrations int64
	LookupFailures  int64

	// Transfer
	ChunksReceived  int64
	BytesReceived   int64
	SegmentsFlushed int64
	TransfersClosed int64
	MessagesDropped int64
	DroppedByReason map[string]int64
	IPCDecodeErrors int64

	// Backpressure
	BacklogHolds int64
	BacklogWakes int64

	// Dispatch
	DownloadsRequested int64
	DispatchEnqueued   int64
	DownloadSuccess    int64
	DownloadFailure    int64
	NotifyFailure      int64

	// Dimensions (informational, set at construction)
	StorageBackend string
	CoordinatorID  string
}

// Collector accumulates metrics for one coordinator.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	registrations   int64
	staleHandshakes int64
	unregistrations int64
	lookupFailures  int64

	chunksReceived  int64
	bytesReceived   int64
	segmentsFlushed int64
	transfersClosed int64
	messagesDropped int64
	droppedByReason map[string]int64
	ipcDecodeErrors int64

	backlogHolds int64
	backlogWakes int64

	downloadsRequested int64
	dispatchEnqueued   int64
	downloadSuccess    int64
	downloadFailure    int64
	notifyFailure      int64

	storageBackend string
	coordinatorID  string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(storageBackend, coordinatorID string) *Collector {
	return &Collector{
		droppedByReason: make(map[string]int64),
		storageBackend:  storageBackend,
		coordinatorID:   coordinatorID,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Registration ---

// IncRegistration records a bound registration handshake.
func (c *Collector) IncRegistration() {
	if c == nil {
		return
	}
	c.add(&c.registrations, 1)
}

// IncStaleHandshake records a registration that replaced a live entry.
func (c *Collector) IncStaleHandshake() {
	if c == nil {
		return
	}
	c.add(&c.staleHandshakes, 1)
}

// IncUnregistration records a binding removed by worker termination.
func (c *Collector) IncUnregistration() {
	if c == nil {
		return
	}
	c.add(&c.unregistrations, 1)
}

// IncLookupFailure records a download request for an unregistered session.
func (c *Collector) IncLookupFailure() {
	if c == nil {
		return
	}
	c.add(&c.lookupFailures, 1)
}

// --- Transfer ---

// AddChunk records one received chunk of n bytes.
func (c *Collector) AddChunk(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksReceived++
	c.bytesReceived += int64(n)
	c.mu.Unlock()
}

// IncSegmentFlushed records one segment handed to the dispatch queue.
func (c *Collector) IncSegmentFlushed() {
	if c == nil {
		return
	}
	c.add(&c.segmentsFlushed, 1)
}

// IncTransferClosed records a transfer reaching its terminal state.
func (c *Collector) IncTransferClosed() {
	if c == nil {
		return
	}
	c.add(&c.transfersClosed, 1)
}

// IncDropped records a channel message that was ignored.
func (c *Collector) IncDropped(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesDropped++
	c.droppedByReason[reason]++
	c.mu.Unlock()
}

// IncIPCDecodeErrors records a frame that could not be read from a channel.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.ipcDecodeErrors, 1)
}

// --- Backpressure ---

// IncBacklogHold records a hold applied ahead of a dispatch item.
func (c *Collector) IncBacklogHold() {
	if c == nil {
		return
	}
	c.add(&c.backlogHolds, 1)
}

// IncBacklogWake records a debit that crossed the wake threshold.
func (c *Collector) IncBacklogWake() {
	if c == nil {
		return
	}
	c.add(&c.backlogWakes, 1)
}

// --- Dispatch ---

// IncDownloadRequested records a download message sent to a worker.
func (c *Collector) IncDownloadRequested() {
	if c == nil {
		return
	}
	c.add(&c.downloadsRequested, 1)
}

// IncDispatchEnqueued records an item appended to the dispatch queue.
func (c *Collector) IncDispatchEnqueued() {
	if c == nil {
		return
	}
	c.add(&c.dispatchEnqueued, 1)
}

// IncDownloadSuccess records a download trigger that reached the target.
func (c *Collector) IncDownloadSuccess() {
	if c == nil {
		return
	}
	c.add(&c.downloadSuccess, 1)
}

// IncDownloadFailure records a download trigger rejected by the target.
func (c *Collector) IncDownloadFailure() {
	if c == nil {
		return
	}
	c.add(&c.downloadFailure, 1)
}

// IncNotifyFailure records a download notification that could not be published.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.add(&c.notifyFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByReason))
	for k, v := range c.droppedByReason {
		dropped[k] = v
	}

	return Snapshot{
		Registrations:   c.registrations,
		StaleHandshakes: c.staleHandshakes,
		Unregistrations: c.unregistrations,
		LookupFailures:  c.lookupFailures,

		ChunksReceived:  c.chunksReceived,
		BytesReceived:   c.bytesReceived,
		SegmentsFlushed: c.segmentsFlushed,
		TransfersClosed: c.transfersClosed,
		MessagesDropped: c.messagesDropped,
		DroppedByReason: dropped,
		IPCDecodeErrors: c.ipcDecodeErrors,

		BacklogHolds: c.backlogHolds,
		BacklogWakes: c.backlogWakes,

		DownloadsRequested: c.downloadsRequested,
		DispatchEnqueued:   c.dispatchEnqueued,
		DownloadSuccess:    c.downloadSuccess,
		DownloadFailure:    c.downloadFailure,
		NotifyFailure:      c.notifyFailure,

		StorageBackend: c.storageBackend,
		CoordinatorID:  c.coordinatorID,
	}
}
