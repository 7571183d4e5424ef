// Package transfer implements the per-transfer accumulation state machine.
//
// A Transfer collects the chunks of one named artifact and cuts them into
// segments bounded by a size ceiling. Every segment boundary and the final
// close produce a flush, handed to the FlushFunc in the Flushing state.
package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultCeiling is the default segment size ceiling (256 MiB).
const DefaultCeiling = 256 * 1024 * 1024

// State is the state of a Transfer.
type State int

const (
	// StateAccumulating accepts chunk and close.
	StateAccumulating State = iota
	// StateFlushing is held while a segment is handed off.
	StateFlushing
	// StateDone is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrTransferDone is returned for chunk or close after the transfer closed.
	ErrTransferDone = errors.New("transfer already closed")
	// ErrReentrantFlush is returned when the FlushFunc feeds the same transfer.
	ErrReentrantFlush = errors.New("transfer is flushing")
	// ErrNoPendingRequest is returned for a chunk or close that arrives
	// on a channel with no outstanding download request to name it.
	ErrNoPendingRequest = errors.New("no pending download request")
	// ErrInvalidCeiling is returned for a non-positive ceiling.
	ErrInvalidCeiling = errors.New("segment ceiling must be > 0")
)

// Segment is one flushed, size-bounded slice of a transfer.
type Segment struct {
	// Transfer is the bare transfer name.
	Transfer string
	// Name is the output name: the bare name for ordinal 0, else name.NNN.
	Name string
	// Ordinal is the segment number (0 for an unsegmented transfer).
	Ordinal int
	// Chunks holds the segment data in arrival order.
	Chunks [][]byte
	// Size is the total byte length of Chunks.
	Size int64
	// Final is true for the flush triggered by close.
	Final bool
}

// Reader returns a reader over the segment bytes without copying them.
func (s *Segment) Reader() io.Reader {
	readers := make([]io.Reader, len(s.Chunks))
	for i, c := range s.Chunks {
		readers[i] = bytes.NewReader(c)
	}
	return io.MultiReader(readers...)
}

// Bytes returns the segment bytes as one contiguous slice.
func (s *Segment) Bytes() []byte {
	buf := make([]byte, 0, s.Size)
	for _, c := range s.Chunks {
		buf = append(buf, c...)
	}
	return buf
}

// SegmentName returns the output name for a segment ordinal.
func SegmentName(name string, ordinal int) string {
	if ordinal == 0 {
		return name
	}
	return fmt.Sprintf("%s.%03d", name, ordinal)
}

// ParseSegmentName reverses SegmentName. A name without a numeric suffix
// of at least three digits is a bare transfer name with ordinal 0.
func ParseSegmentName(segment string) (name string, ordinal int) {
	i := strings.LastIndexByte(segment, '.')
	if i <= 0 || len(segment)-i-1 < 3 {
		return segment, 0
	}
	n, err := strconv.Atoi(segment[i+1:])
	if err != nil || n <= 0 || strings.ContainsAny(segment[i+1:], "+-") {
		return segment, 0
	}
	return segment[:i], n
}

// FlushFunc receives each completed segment. It must not call back into
// the transfer that produced the segment.
type FlushFunc func(seg *Segment)

// Transfer accumulates one named artifact.
// Not safe for concurrent use; a transfer is owned by the goroutine
// serving its channel.
type Transfer struct {
	name    string
	ceiling int64
	onFlush FlushFunc

	state   State
	chunks  [][]byte
	size    int64
	segment int // last assigned ordinal
	flushes int
	total   int64
}

// New creates a transfer in the Accumulating state.
func New(name string, ceiling int64, onFlush FlushFunc) (*Transfer, error) {
	if ceiling <= 0 {
		return nil, ErrInvalidCeiling
	}
	return &Transfer{
		name:    name,
		ceiling: ceiling,
		onFlush: onFlush,
		state:   StateAccumulating,
	}, nil
}

// Name returns the bare transfer name.
func (t *Transfer) Name() string { return t.name }

// State returns the current state.
func (t *Transfer) State() State { return t.state }

// Flushes returns the number of segments flushed so far.
func (t *Transfer) Flushes() int { return t.flushes }

// PendingBytes returns the bytes accumulated since the last flush.
func (t *Transfer) PendingBytes() int64 { return t.size }

// TotalBytes returns every byte received by the transfer.
func (t *Transfer) TotalBytes() int64 { return t.total }

// Chunk appends data to the current segment.
//
// A chunk that would push a non-empty segment past the ceiling first
// flushes the pending segment; a segment that reaches the ceiling after
// the append is flushed immediately. Segments therefore never exceed the
// ceiling unless a single chunk does.
func (t *Transfer) Chunk(data []byte) error {
	if err := t.checkAccumulating(); err != nil {
		return err
	}

	n := int64(len(data))
	if len(t.chunks) > 0 && t.size+n > t.ceiling {
		t.segment++
		t.flush(false)
	}

	t.chunks = append(t.chunks, data)
	t.size += n
	t.total += n

	if t.size >= t.ceiling {
		t.segment++
		t.flush(false)
	}
	return nil
}

// Close finishes the transfer.
//
// The final flush happens only when chunks are pending or nothing was ever
// flushed, so an empty transfer still yields exactly one empty segment.
// A transfer that was already split advances its ordinal regardless.
func (t *Transfer) Close() error {
	if err := t.checkAccumulating(); err != nil {
		return err
	}

	if t.segment > 0 {
		t.segment++
	}
	if len(t.chunks) > 0 || t.flushes == 0 {
		t.flush(true)
	}
	t.state = StateDone
	return nil
}

func (t *Transfer) checkAccumulating() error {
	switch t.state {
	case StateAccumulating:
		return nil
	case StateFlushing:
		return ErrReentrantFlush
	default:
		return ErrTransferDone
	}
}

// flush hands the pending chunks off and resets the segment buffer.
func (t *Transfer) flush(final bool) {
	t.state = StateFlushing
	seg := &Segment{
		Transfer: t.name,
		Name:     SegmentName(t.name, t.segment),
		Ordinal:  t.segment,
		Chunks:   t.chunks,
		Size:     t.size,
		Final:    final,
	}
	t.chunks = nil
	t.size = 0
	t.flushes++

	if t.onFlush != nil {
		t.onFlush(seg)
	}
	t.state = StateAccumulating
}
