// ABOUTME: Sine-wave PCM source used by the example server to exercise SendPCM
// ABOUTME: stands in for a real decode/playback pipeline, which is out of scope here
package server

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	toneSampleRate = 48000
	toneChannels   = 2
	toneFrequency  = 440.0
	toneFrameMs    = 20
)

// toneSource generates a continuous 440Hz PCM16 sine wave, 20ms at a time,
// matching the PCM/48k/stereo/16 default format sessions adopt absent a
// negotiated preference.
type toneSource struct {
	mu          sync.Mutex
	sampleIndex uint64
}

func newToneSource() *toneSource {
	return &toneSource{}
}

// NextFrame returns one 20ms PCM16LE stereo frame.
func (s *toneSource) NextFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	numSamples := toneSampleRate * toneFrameMs / 1000
	frame := make([]byte, numSamples*toneChannels*2)
	for i := 0; i < numSamples; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(toneSampleRate)
		sample := int16(math.Sin(2*math.Pi*toneFrequency*t) * 0.5 * 32767)
		for ch := 0; ch < toneChannels; ch++ {
			off := (i*toneChannels + ch) * 2
			binary.LittleEndian.PutUint16(frame[off:], uint16(sample))
		}
	}
	s.sampleIndex += uint64(numSamples)
	return frame
}
