// ABOUTME: Audio fundamentals package providing the negotiated PCM format type
// ABOUTME: Defines PCMFormat and the stream-format defaults used during negotiation
// Package audio provides the fundamental audio format type negotiated
// between a Sendspin client and server.
//
// This package defines:
//   - PCMFormat: codec + sample rate + channels + bit depth, with an
//     optional codec-specific header blob
//
// It deliberately stops at describing a format — decoding, encoding, and
// resampling PCM/Opus/FLAC bitstreams are outside this package's (and this
// repo's) scope; see SPEC_FULL.md.
//
// Example:
//
//	format := audio.DefaultFormat()
//	format.SampleRate = 44100
//	if !format.Valid() {
//	    // reject the negotiated format
//	}
package audio
