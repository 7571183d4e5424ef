// Package ipc implements the wire framing for transfer channels.
//
// Every message is a 4-byte big-endian length prefix followed by a msgpack
// payload. The payload is a map whose "kind" field discriminates the message.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/ferry/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// MaxChunkSize is the maximum raw chunk size (8 MiB).
	MaxChunkSize = 8 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorMalformed indicates a well-formed payload with a missing or
	// unrecognized kind. Such messages are dropped, never fatal.
	FrameErrorMalformed
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot be resynchronized.
// Partial and oversized frames are fatal; decode and malformed errors
// only spoil the frame at hand.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// IsMalformed returns true if err reports a message that should be
// silently dropped (bad payload, missing or unknown kind).
func IsMalformed(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.Kind == FrameErrorMalformed || frameErr.Kind == FrameErrorDecode
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed msgpack frames to a stream.
// Safe for concurrent use; each frame is written atomically.
type FrameEncoder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteMessage encodes msg with msgpack and writes it as one frame.
func (e *FrameEncoder) WriteMessage(msg any) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to encode message",
			Err:  err,
		}
	}
	return e.WriteFrame(payload)
}

// WriteFrame writes a raw payload with its length prefix.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// kindProbe is used to peek at the kind field without full decode.
type kindProbe struct {
	Kind types.MessageKind `msgpack:"kind"`
}

// DecodeMessage decodes a payload into one of *types.ChunkMessage,
// *types.CloseMessage or *types.DownloadMessage.
//
// A payload without a kind, with an unknown kind, or with the in-process
// only "register" kind yields a FrameErrorMalformed error, as does a chunk
// without chunk bytes or a download without a name. An empty but present
// chunk is valid.
func DecodeMessage(payload []byte) (any, error) {
	var probe kindProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode message kind",
			Err:  err,
		}
	}

	var msg any
	switch probe.Kind {
	case types.KindChunk:
		msg = &types.ChunkMessage{}
	case types.KindClose:
		msg = &types.CloseMessage{}
	case types.KindDownload:
		msg = &types.DownloadMessage{}
	case "":
		return nil, &FrameError{Kind: FrameErrorMalformed, Msg: "message has no kind"}
	default:
		return nil, &FrameError{
			Kind: FrameErrorMalformed,
			Msg:  fmt.Sprintf("unsupported message kind %q", probe.Kind),
		}
	}

	if err := msgpack.Unmarshal(payload, msg); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode message",
			Err:  err,
		}
	}

	switch m := msg.(type) {
	case *types.ChunkMessage:
		if m.Chunk == nil {
			return nil, &FrameError{Kind: FrameErrorMalformed, Msg: "chunk message has no chunk field"}
		}
	case *types.DownloadMessage:
		if m.Name == "" {
			return nil, &FrameError{Kind: FrameErrorMalformed, Msg: "download message has no name"}
		}
	}
	return msg, nil
}
