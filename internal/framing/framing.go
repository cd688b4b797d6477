// Package framing splits application payloads that exceed the transport's
// maximum message size into sequenced chunks and reassembles them on receipt.
//
// Chunk layout (big-endian):
//
//	offset 0: u32 magic
//	offset 4: u32 message id (random per message)
//	offset 8: u16 chunk sequence number
//	offset 10: u8 flags (bit 0: last chunk)
//	offset 11: u8 reserved (zero)
//	offset 12: u32 total payload length in bytes
//	offset 16: chunk payload, zero-padded to a 4-byte boundary
//
// Payloads at or below the limit are sent as-is, unless their first bytes
// collide with the chunk magic or the control marker, in which case they are
// escaped as a single chunk.
//
// A second, independent layer multiplexes control messages over the same
// transport: a fixed four-word marker followed by UTF-8 JSON. Control
// messages carry signaling (candidates trickled after the handshake) and are
// routed back into the connection logic, never surfaced as user messages.
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed chunk header size in bytes.
	HeaderLen = 16

	chunkMagic uint32 = 0x504C4B31 // "PLK1"

	flagLast uint8 = 1 << 0

	// DefaultMaxMessageBytes matches the conservative cross-implementation
	// limit for a single reliable data-channel message.
	DefaultMaxMessageBytes = 16000
)

// controlMarker prefixes control-channel messages. Four fixed words chosen
// once; payload bytes are compared verbatim.
var controlMarker = []byte{
	0x3F, 0x9A, 0xD2, 0x17,
	0x84, 0xB0, 0xC6, 0xE5,
	0x5A, 0xD1, 0xF9, 0xC2,
	0x27, 0xE3, 0xB8, 0x04,
}

var (
	ErrEmptyPayload    = errors.New("framing: empty payload")
	ErrPayloadTooLarge = errors.New("framing: payload exceeds sequence space")
	ErrShortHeader     = errors.New("framing: chunk shorter than header")
	ErrBadMagic        = errors.New("framing: bad chunk magic")
	ErrChunkBounds     = errors.New("framing: chunk outside declared payload")
	ErrTotalMismatch   = errors.New("framing: total length differs between chunks")
	ErrStrideMismatch  = errors.New("framing: chunk stride differs between chunks")
)

// Header is the decoded chunk header.
type Header struct {
	MessageID uint32
	Seq       uint16
	Last      bool
	TotalLen  uint32
}

// Codec chunks and classifies transport messages. The zero value uses
// DefaultMaxMessageBytes.
type Codec struct {
	// MaxMessageBytes is the largest message handed to the transport,
	// header included.
	MaxMessageBytes int
}

func (c Codec) maxMessage() int {
	if c.MaxMessageBytes <= 0 {
		return DefaultMaxMessageBytes
	}
	return c.MaxMessageBytes
}

// ChunkPayloadSize is the number of payload bytes carried by every chunk
// except possibly the final one: the post-header budget rounded down to a
// 4-byte boundary.
func (c Codec) ChunkPayloadSize() int {
	return (c.maxMessage() - HeaderLen) / 4 * 4
}

// NeedsChunking reports whether payload cannot be sent as a bare transport
// message: either it exceeds the size limit or its first bytes would be
// mistaken for a chunk or control message on receipt.
func (c Codec) NeedsChunking(payload []byte) bool {
	if len(payload) > c.maxMessage() {
		return true
	}
	if len(payload) >= 4 && binary.BigEndian.Uint32(payload) == chunkMagic {
		return true
	}
	return bytes.HasPrefix(payload, controlMarker)
}

// Split breaks payload into chunks under the configured message size. The
// caller provides the per-message random id so retransmitted sends never
// reuse one.
func (c Codec) Split(messageID uint32, payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	size := c.ChunkPayloadSize()
	nChunks := (len(payload) + size - 1) / size
	if nChunks > 1<<16 {
		return nil, fmt.Errorf("%w: %d chunks of %d bytes", ErrPayloadTooLarge, nChunks, size)
	}

	chunks := make([][]byte, 0, nChunks)
	for seq := 0; seq < nChunks; seq++ {
		start := seq * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		part := payload[start:end]

		padded := (len(part) + 3) / 4 * 4
		buf := make([]byte, HeaderLen+padded)
		binary.BigEndian.PutUint32(buf[0:4], chunkMagic)
		binary.BigEndian.PutUint32(buf[4:8], messageID)
		binary.BigEndian.PutUint16(buf[8:10], uint16(seq))
		if seq == nChunks-1 {
			buf[10] = flagLast
		}
		binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
		copy(buf[HeaderLen:], part)
		chunks = append(chunks, buf)
	}
	return chunks, nil
}

// IsChunk reports whether msg begins with a chunk header.
func IsChunk(msg []byte) bool {
	return len(msg) >= HeaderLen && binary.BigEndian.Uint32(msg) == chunkMagic
}

// DecodeChunk splits msg into its header and raw chunk payload (padding
// still attached; the reassembler trims it against TotalLen).
func DecodeChunk(msg []byte) (Header, []byte, error) {
	if len(msg) < HeaderLen {
		return Header{}, nil, ErrShortHeader
	}
	if binary.BigEndian.Uint32(msg[0:4]) != chunkMagic {
		return Header{}, nil, ErrBadMagic
	}
	h := Header{
		MessageID: binary.BigEndian.Uint32(msg[4:8]),
		Seq:       binary.BigEndian.Uint16(msg[8:10]),
		Last:      msg[10]&flagLast != 0,
		TotalLen:  binary.BigEndian.Uint32(msg[12:16]),
	}
	if h.TotalLen == 0 {
		return Header{}, nil, fmt.Errorf("%w: zero total length", ErrChunkBounds)
	}
	return h, msg[HeaderLen:], nil
}

// WrapControl prefixes a control payload with the control marker.
func WrapControl(payload []byte) []byte {
	out := make([]byte, 0, len(controlMarker)+len(payload))
	out = append(out, controlMarker...)
	return append(out, payload...)
}

// UnwrapControl strips the control marker, reporting whether msg was a
// control message at all.
func UnwrapControl(msg []byte) ([]byte, bool) {
	if !bytes.HasPrefix(msg, controlMarker) {
		return nil, false
	}
	return msg[len(controlMarker):], true
}
