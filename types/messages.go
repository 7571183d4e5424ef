// Package types holds the message shapes exchanged over a transfer channel.
//
//nolint:revive // types is a common Go package naming convention
package types

// SessionID identifies one logical owner of worker registrations.
// Many worker instances may register the same session sequentially.
type SessionID string

// MessageKind is the discriminant carried by every channel message.
type MessageKind string

// Message kinds understood by the consumer and the reference producer.
const (
	// KindRegister is the out-of-band handshake binding a channel to a session.
	KindRegister MessageKind = "register"
	// KindChunk carries raw bytes for the active transfer.
	KindChunk MessageKind = "chunk"
	// KindClose ends the active transfer.
	KindClose MessageKind = "close"
	// KindDownload asks the producer to stream a named artifact.
	KindDownload MessageKind = "download"
)

// IsKnown reports whether k is one of the defined message kinds.
func (k MessageKind) IsKnown() bool {
	switch k {
	case KindRegister, KindChunk, KindClose, KindDownload:
		return true
	default:
		return false
	}
}

// ChunkMessage carries one chunk of artifact bytes (producer -> consumer).
type ChunkMessage struct {
	// Kind is always "chunk".
	Kind MessageKind `msgpack:"kind"`
	// Chunk is the raw data.
	Chunk []byte `msgpack:"chunk"`
}

// CloseMessage marks the active transfer as finished (producer -> consumer).
type CloseMessage struct {
	// Kind is always "close".
	Kind MessageKind `msgpack:"kind"`
}

// DownloadMessage requests a named artifact (consumer -> producer).
type DownloadMessage struct {
	// Kind is always "download".
	Kind MessageKind `msgpack:"kind"`
	// Name is the artifact name; it becomes the transfer name.
	Name string `msgpack:"name"`
}

// NewChunk builds a chunk message.
func NewChunk(data []byte) *ChunkMessage {
	return &ChunkMessage{Kind: KindChunk, Chunk: data}
}

// NewClose builds a close message.
func NewClose() *CloseMessage {
	return &CloseMessage{Kind: KindClose}
}

// NewDownload builds a download request.
func NewDownload(name string) *DownloadMessage {
	return &DownloadMessage{Kind: KindDownload, Name: name}
}
