package store

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how long a blob stays addressable after its
// download was triggered.
const DefaultRetention = 40 * time.Second

// ErrBlobReleased is returned for a blob id that was released or never existed.
var ErrBlobReleased = errors.New("blob released")

// Blob is an addressable, immutable snapshot of one segment.
type Blob struct {
	// ID is the blob's address ("blob:<uuid>").
	ID string
	// Name is the download name the blob was created for.
	Name string
	// Size is the total byte length.
	Size int64

	chunks [][]byte
}

// Reader returns a fresh reader over the blob content.
func (b *Blob) Reader() io.Reader {
	readers := make([]io.Reader, len(b.chunks))
	for i, c := range b.chunks {
		readers[i] = bytes.NewReader(c)
	}
	return io.MultiReader(readers...)
}

// BlobRegistry keeps segment data addressable between the flush and the
// moment the target has consumed it. Blobs are released explicitly or
// after a retention delay.
type BlobRegistry struct {
	mu     sync.Mutex
	blobs  map[string]*Blob
	timers map[string]*time.Timer
	closed bool
}

// NewBlobRegistry creates an empty registry.
func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{
		blobs:  make(map[string]*Blob),
		timers: make(map[string]*time.Timer),
	}
}

// Create registers chunks as a new blob. The chunks are retained, not copied.
func (r *BlobRegistry) Create(name string, chunks [][]byte) *Blob {
	var size int64
	for _, c := range chunks {
		size += int64(len(c))
	}
	b := &Blob{
		ID:     "blob:" + uuid.NewString(),
		Name:   name,
		Size:   size,
		chunks: chunks,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.blobs[b.ID] = b
	}
	return b
}

// Get resolves a blob id.
func (r *BlobRegistry) Get(id string) (*Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[id]
	if !ok {
		return nil, ErrBlobReleased
	}
	return b, nil
}

// Release drops the blob immediately. Releasing twice is a no-op.
func (r *BlobRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(id)
}

func (r *BlobRegistry) releaseLocked(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	delete(r.blobs, id)
}

// ReleaseAfter schedules the blob's release after d.
func (r *BlobRegistry) ReleaseAfter(id string, d time.Duration) {
	if d <= 0 {
		r.Release(id)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blobs[id]; !ok {
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(d, func() { r.Release(id) })
}

// Len returns the number of live blobs.
func (r *BlobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

// Close releases every blob and stops pending timers.
func (r *BlobRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.blobs {
		r.releaseLocked(id)
	}
	r.closed = true
}
