// ABOUTME: Tests for the PCMFormat type
// ABOUTME: Tests default construction and validation boundaries
package audio

import "testing"

func TestDefaultFormat(t *testing.T) {
	f := DefaultFormat()
	if !f.Valid() {
		t.Fatalf("default format should be valid: %+v", f)
	}
	if f.Codec != CodecPCM || f.SampleRate != 48000 || f.Channels != 2 || f.BitDepth != 16 {
		t.Errorf("unexpected default: %+v", f)
	}
}

func TestFormatValid(t *testing.T) {
	tests := []struct {
		name string
		f    PCMFormat
		want bool
	}{
		{"valid pcm", PCMFormat{Codec: "pcm", SampleRate: 44100, Channels: 2, BitDepth: 16}, true},
		{"valid opus", PCMFormat{Codec: "opus", SampleRate: 48000, Channels: 2, BitDepth: 16}, true},
		{"unknown codec", PCMFormat{Codec: "aac", SampleRate: 48000, Channels: 2, BitDepth: 16}, false},
		{"zero sample rate", PCMFormat{Codec: "pcm", SampleRate: 0, Channels: 2, BitDepth: 16}, false},
		{"zero channels", PCMFormat{Codec: "pcm", SampleRate: 48000, Channels: 0, BitDepth: 16}, false},
		{"zero bit depth", PCMFormat{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePlayerOutput(t *testing.T) {
	tests := []struct {
		name    string
		f       PCMFormat
		wantErr bool
	}{
		{"mono 16-bit", PCMFormat{Channels: 1, BitDepth: 16}, false},
		{"stereo 24-bit", PCMFormat{Channels: 2, BitDepth: 24}, false},
		{"stereo 32-bit", PCMFormat{Channels: 2, BitDepth: 32}, false},
		{"surround rejected", PCMFormat{Channels: 6, BitDepth: 16}, true},
		{"8-bit rejected", PCMFormat{Channels: 2, BitDepth: 8}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.ValidatePlayerOutput()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlayerOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
