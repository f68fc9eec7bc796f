// ABOUTME: PCMFormat definition and validation
// ABOUTME: Codec/sample-rate/channels/bit-depth tuple negotiated for a stream
package audio

import "fmt"

// Known codec identifiers. Wire-compatible, lowercase.
const (
	CodecPCM  = "pcm"
	CodecFLAC = "flac"
	CodecOpus = "opus"
)

// PCMFormat describes the audio format a player/session has committed to
// for the current stream.
type PCMFormat struct {
	Codec       string
	SampleRate  uint32
	Channels    uint32
	BitDepth    uint32
	CodecHeader []byte // decoded codec-specific header (e.g. FLAC STREAMINFO), nil if absent
}

// DefaultFormat returns the PCM/48kHz/stereo/16-bit default a session
// adopts when no preferred format could be negotiated from a hello payload.
func DefaultFormat() PCMFormat {
	return PCMFormat{Codec: CodecPCM, SampleRate: 48000, Channels: 2, BitDepth: 16}
}

// IsKnownCodec reports whether codec is one of the three codecs the
// protocol recognizes.
func IsKnownCodec(codec string) bool {
	switch codec {
	case CodecPCM, CodecFLAC, CodecOpus:
		return true
	default:
		return false
	}
}

// Valid reports whether f has a known codec and strictly positive
// sample_rate/channels/bit_depth, the same conditions the server-side
// Session applies when picking a preferred format out of
// player@v1_support.supported_formats. A Client checks stream/start
// payloads with ValidatePlayerOutput instead.
func (f PCMFormat) Valid() bool {
	return IsKnownCodec(f.Codec) && f.SampleRate > 0 && f.Channels > 0 && f.BitDepth > 0
}

// ValidatePlayerOutput checks the stricter constraints a playback output
// device imposes: mono/stereo only, and one of the three PCM bit depths
// it can render. A client-side audio output fails construction on a
// format outside these bounds.
func (f PCMFormat) ValidatePlayerOutput() error {
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: unsupported channel count %d (want 1 or 2)", f.Channels)
	}
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("audio: unsupported bit depth %d (want 16, 24, or 32)", f.BitDepth)
	}
	return nil
}
