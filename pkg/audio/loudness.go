package audio

import "math"

// Loudness normalization defaults applied at egress.
const (
	DefaultTargetLUFS = -16.0
	DefaultTruePeakDB = -1.5
	DefaultLRA        = 11.0
)

// Normalizer applies single-pass linear loudness normalization to a segment
// of frames: measure integrated loudness, apply one static gain toward the
// target, and cap the gain so the true peak stays under the ceiling.
// Dynamics are left untouched; LRA is measured and reported but never
// compressed.
type Normalizer struct {
	TargetLUFS float64
	TruePeakDB float64
	LRA        float64
}

// NewNormalizer returns a normalizer with the standard egress targets
// (I = -16 LUFS, TP <= -1.5 dBFS, LRA = 11).
func NewNormalizer() *Normalizer {
	return &Normalizer{
		TargetLUFS: DefaultTargetLUFS,
		TruePeakDB: DefaultTruePeakDB,
		LRA:        DefaultLRA,
	}
}

// Measurement describes the loudness of a frame sequence.
type Measurement struct {
	// IntegratedLUFS is the gated mean loudness per ITU-R BS.1770 without
	// K-weighting (mono speech at 48 kHz keeps the approximation within
	// tolerance for gain staging).
	IntegratedLUFS float64

	// TruePeakDB is the sample peak in dBFS.
	TruePeakDB float64

	// LoudnessRange is the spread between the 10th and 95th percentile of
	// 400 ms block loudness.
	LoudnessRange float64
}

// measurement block size: 400 ms = 20 frames.
const blockFrames = 20

// Measure computes integrated loudness, true peak and loudness range over
// the given frames.
func (n *Normalizer) Measure(frames []Frame) Measurement {
	if len(frames) == 0 {
		return Measurement{IntegratedLUFS: math.Inf(-1), TruePeakDB: math.Inf(-1)}
	}

	var peak float64
	var blocks []float64
	for start := 0; start < len(frames); start += blockFrames {
		end := min(start+blockFrames, len(frames))
		var sumSq float64
		var count int
		for _, f := range frames[start:end] {
			for _, v := range f.Samples {
				fv := float64(v)
				sumSq += fv * fv
				count++
				if a := math.Abs(fv); a > peak {
					peak = a
				}
			}
		}
		if count > 0 {
			blocks = append(blocks, loudnessDB(sumSq/float64(count)))
		}
	}

	// Absolute gate at -70 LUFS per BS.1770.
	var gatedSum float64
	var gated int
	for _, b := range blocks {
		if b > -70 {
			gatedSum += math.Pow(10, b/10)
			gated++
		}
	}
	integrated := math.Inf(-1)
	if gated > 0 {
		integrated = 10 * math.Log10(gatedSum/float64(gated))
	}

	peakDB := math.Inf(-1)
	if peak > 0 {
		peakDB = 20 * math.Log10(peak)
	}

	return Measurement{
		IntegratedLUFS: integrated,
		TruePeakDB:     peakDB,
		LoudnessRange:  loudnessRange(blocks),
	}
}

// Normalize returns a new frame sequence with a static gain applied so the
// integrated loudness approaches TargetLUFS without the peak exceeding
// TruePeakDB. Silent input is returned unchanged.
func (n *Normalizer) Normalize(frames []Frame) []Frame {
	m := n.Measure(frames)
	if math.IsInf(m.IntegratedLUFS, -1) {
		return frames
	}

	gainDB := n.TargetLUFS - m.IntegratedLUFS
	if !math.IsInf(m.TruePeakDB, -1) {
		if headroom := n.TruePeakDB - m.TruePeakDB; gainDB > headroom {
			gainDB = headroom
		}
	}
	if math.Abs(gainDB) < 0.1 {
		return frames
	}

	gain := float32(math.Pow(10, gainDB/20))
	out := make([]Frame, len(frames))
	for i, f := range frames {
		samples := make([]float32, len(f.Samples))
		for j, v := range f.Samples {
			samples[j] = v * gain
		}
		out[i] = Frame{Samples: samples, Seq: f.Seq, Ingress: f.Ingress}
	}
	return out
}

// loudnessDB converts a mean-square power to loudness units.
func loudnessDB(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return math.Inf(-1)
	}
	return -0.691 + 10*math.Log10(meanSquare)
}

// loudnessRange computes the 10th..95th percentile spread of block loudness
// above the -70 LUFS gate.
func loudnessRange(blocks []float64) float64 {
	var kept []float64
	for _, b := range blocks {
		if b > -70 {
			kept = append(kept, b)
		}
	}
	if len(kept) < 2 {
		return 0
	}
	sortFloats(kept)
	lo := kept[int(float64(len(kept)-1)*0.10)]
	hi := kept[int(float64(len(kept)-1)*0.95)]
	return hi - lo
}

// sortFloats is an insertion sort; block counts are small.
func sortFloats(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
