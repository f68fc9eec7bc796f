// ABOUTME: BinaryHeader codec for the 9-byte frame header on every binary message
// ABOUTME: byte 0 is the message-type tag, bytes 1..9 are a big-endian i64 microsecond timestamp
package sendspin

import (
	"encoding/binary"
	"errors"
)

// Binary message-type tags.
const (
	TagAudioChunk        byte = 4
	TagArtworkChannel0   byte = 8
	TagArtworkChannel1   byte = 9
	TagArtworkChannel2   byte = 10
	TagArtworkChannel3   byte = 11
	TagSourceAudioChunk  byte = 12
	TagVisualizationData byte = 16
)

// HeaderSize is the fixed length of the header prepended to every binary
// frame. The payload body follows immediately with no further framing;
// frame boundaries come from the WebSocket message boundary.
const HeaderSize = 9

// ErrShortHeader is returned by UnpackHeader when the buffer is shorter
// than HeaderSize bytes.
var ErrShortHeader = errors.New("sendspin: binary frame shorter than 9-byte header")

// PackHeader renders the 9-byte header for tag/timestamp into a fresh
// byte slice sized for header+payloadLen, with the header at offset 0 and
// room left for the caller to copy the payload starting at HeaderSize.
func PackHeader(tag byte, timestampUs int64, payloadLen int) []byte {
	buf := make([]byte, HeaderSize+payloadLen)
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:HeaderSize], uint64(timestampUs))
	return buf
}

// PackFrame returns a complete binary frame: the 9-byte header followed by
// payload.
func PackFrame(tag byte, timestampUs int64, payload []byte) []byte {
	frame := PackHeader(tag, timestampUs, len(payload))
	copy(frame[HeaderSize:], payload)
	return frame
}

// UnpackHeader reads the tag and timestamp out of the first 9 bytes of
// data and returns the remaining payload bytes (a sub-slice, not a copy).
// Unknown tags are returned, not rejected — the caller decides whether to
// ignore them.
func UnpackHeader(data []byte) (tag byte, timestampUs int64, payload []byte, err error) {
	if len(data) < HeaderSize {
		return 0, 0, nil, ErrShortHeader
	}
	tag = data[0]
	timestampUs = int64(binary.BigEndian.Uint64(data[1:HeaderSize]))
	payload = data[HeaderSize:]
	return tag, timestampUs, payload, nil
}

// ArtworkChannelTag returns the binary tag for artwork channel index
// (0..3). Callers are expected to have already clamped index to range.
func ArtworkChannelTag(index int) byte {
	return TagArtworkChannel0 + byte(index)
}

// IsKnownTag reports whether tag is one of the seven tags this protocol
// defines. Unknown tags are tolerated by consumers, not treated as errors.
func IsKnownTag(tag byte) bool {
	switch tag {
	case TagAudioChunk, TagArtworkChannel0, TagArtworkChannel1, TagArtworkChannel2, TagArtworkChannel3,
		TagSourceAudioChunk, TagVisualizationData:
		return true
	default:
		return false
	}
}
