package audio

import "testing"

func TestResampleForSTT(t *testing.T) {
	frames := sineFrames(t, 10, 0.5)
	pcm := ResampleForSTT(frames)

	// 48 kHz -> 16 kHz is a 3:1 reduction, 2 bytes per sample.
	want := 10 * FrameSamples / 3 * 2
	if len(pcm) != want {
		t.Errorf("len(pcm) = %d, want %d", len(pcm), want)
	}
}

func TestPlaybackPCM(t *testing.T) {
	frames := sineFrames(t, 3, 0.5)
	pcm := PlaybackPCM(frames)
	if want := 3 * FrameSamples * 2; len(pcm) != want {
		t.Errorf("len(pcm) = %d, want %d", len(pcm), want)
	}
}

func TestPlaybackPCMClamps(t *testing.T) {
	samples := make([]float32, FrameSamples)
	samples[0] = 2.0  // over full scale
	samples[1] = -2.0 // under full scale
	f := Frame{Samples: samples}

	pcm := PlaybackPCM([]Frame{f})
	s0 := int16(pcm[0]) | int16(pcm[1])<<8
	s1 := int16(pcm[2]) | int16(pcm[3])<<8
	if s0 != 32767 {
		t.Errorf("clamped high sample = %d, want 32767", s0)
	}
	if s1 != -32768 {
		t.Errorf("clamped low sample = %d, want -32768", s1)
	}
}

func TestResampleToCanonical(t *testing.T) {
	tests := []struct {
		name    string
		srcRate int
		srcLen  int
		wantLen int
	}{
		{"16k upsamples 3x", 16000, 160, 480},
		{"24k upsamples 2x", 24000, 480, 960},
		{"48k passes through", 48000, 960, 960},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]float32, tt.srcLen)
			out := resampleToCanonical(in, tt.srcRate)
			if len(out) != tt.wantLen {
				t.Errorf("len(out) = %d, want %d", len(out), tt.wantLen)
			}
		})
	}
}

func TestDownmixInt16Averages(t *testing.T) {
	// One stereo sample: L=16384, R=0 -> mono 0.25.
	pcm := []byte{0x00, 0x40, 0x00, 0x00}
	mono := downmixInt16(pcm, 2)
	if len(mono) != 1 {
		t.Fatalf("len(mono) = %d, want 1", len(mono))
	}
	if got := mono[0]; got < 0.24 || got > 0.26 {
		t.Errorf("mono[0] = %v, want ~0.25", got)
	}
}
