package audio

// sttSampleRate is the rate the transcription boundary expects.
const sttSampleRate = 16000

// ResampleForSTT converts canonical frames to 16 kHz mono int16 LE bytes for
// the transcription boundary. 48 kHz divides evenly by 3 so the conversion
// averages each group of three samples.
func ResampleForSTT(frames []Frame) []byte {
	const step = SampleRate / sttSampleRate // 3
	out := make([]byte, 0, len(frames)*FrameSamples/step*2)
	for _, f := range frames {
		for i := 0; i+step <= len(f.Samples); i += step {
			sum := float32(0)
			for j := range step {
				sum += f.Samples[i+j]
			}
			s := clampInt16(sum / step)
			out = append(out, byte(s), byte(s>>8))
		}
	}
	return out
}

// PlaybackPCM converts canonical frames to 48 kHz mono int16 LE bytes for
// egress playback.
func PlaybackPCM(frames []Frame) []byte {
	out := make([]byte, 0, len(frames)*FrameSamples*2)
	for _, f := range frames {
		for _, v := range f.Samples {
			s := clampInt16(v)
			out = append(out, byte(s), byte(s>>8))
		}
	}
	return out
}

// resampleToCanonical converts mono float32 samples at srcRate to the
// canonical 48 kHz using linear interpolation. Input at the canonical rate
// is returned unchanged.
func resampleToCanonical(mono []float32, srcRate int) []float32 {
	if srcRate == SampleRate || srcRate <= 0 || len(mono) < 2 {
		return mono
	}
	dstLen := int(int64(len(mono)) * SampleRate / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(SampleRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		s0 := mono[srcIdx]
		s1 := s0
		if srcIdx+1 < len(mono) {
			s1 = mono[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// downmixInt16 converts interleaved int16 LE bytes to mono float32 in
// [-1, 1], averaging channels. Returns nil for a non-positive channel count.
func downmixInt16(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		sum := float32(0)
		for c := range channels {
			off := (i*channels + c) * 2
			s := int16(pcm[off]) | int16(pcm[off+1])<<8
			sum += float32(s) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// int16ToFloat32 converts int16 samples to float32 in [-1, 1].
func int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// float32ToInt16 converts float32 samples to clamped int16.
func float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		out[i] = clampInt16(v)
	}
	return out
}

// clampInt16 scales a float32 sample to int16 range with saturation.
func clampInt16(v float32) int16 {
	scaled := v * 32767
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}
