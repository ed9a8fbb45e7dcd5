// Package vad converts the continuous canonical frame stream into discrete
// speech segments. Detection runs on a 16 kHz downmix of each frame; the
// segmenter adds hysteresis, padding and length bounds on top.
package vad

import (
	"errors"
	"fmt"
	"math"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// ErrVAD wraps detector backend failures. The segmenter either drops the
// frame or forwards it unfiltered, depending on configuration.
var ErrVAD = errors.New("vad: detector failure")

// Detector decides speech/non-speech per canonical frame. Implementations
// must be cheap enough to run on every 20 ms frame.
type Detector interface {
	IsSpeech(f audio.Frame) (bool, error)
}

// EnergyDetector is the built-in detector: short-term energy combined with
// zero-crossing rate over a 16 kHz decimation of the frame. Aggressiveness
// 0 (permissive) through 3 (strict) selects the decision thresholds.
type EnergyDetector struct {
	energyThreshold float64
	zcrMax          float64
}

// detector thresholds per aggressiveness level. Energy is mean-square of
// normalized samples; ZCR is crossings per sample. Higher aggressiveness
// requires more energy and a lower (more voiced) crossing rate.
var detectorLevels = [4]struct {
	energy float64
	zcrMax float64
}{
	{1e-6, 0.60},
	{1e-5, 0.50},
	{1e-4, 0.40},
	{5e-4, 0.30},
}

// NewEnergyDetector creates a detector at the given aggressiveness (0-3).
func NewEnergyDetector(aggressiveness int) (*EnergyDetector, error) {
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("vad: aggressiveness %d out of range 0..3", aggressiveness)
	}
	lvl := detectorLevels[aggressiveness]
	return &EnergyDetector{energyThreshold: lvl.energy, zcrMax: lvl.zcrMax}, nil
}

var _ Detector = (*EnergyDetector)(nil)

// IsSpeech reports whether the frame contains speech. Never fails for the
// built-in detector; the error return satisfies [Detector] for remote or
// model-backed implementations.
func (d *EnergyDetector) IsSpeech(f audio.Frame) (bool, error) {
	// Decimate 48 kHz -> 16 kHz by averaging triplets, matching what a
	// model-backed detector would see at its native rate.
	const step = 3
	var energy float64
	var crossings int
	var prev float64
	n := 0
	for i := 0; i+step <= len(f.Samples); i += step {
		v := float64(f.Samples[i]+f.Samples[i+1]+f.Samples[i+2]) / step
		energy += v * v
		if n > 0 && ((v >= 0) != (prev >= 0)) {
			crossings++
		}
		prev = v
		n++
	}
	if n == 0 {
		return false, nil
	}
	energy /= float64(n)
	zcr := float64(crossings) / float64(n)

	// Very low energy is silence no matter the crossing rate.
	if energy < d.energyThreshold {
		return false, nil
	}
	// High-energy, high-ZCR frames are broadband noise, not speech, unless
	// the energy is overwhelming.
	if zcr > d.zcrMax && energy < d.energyThreshold*math.Pow(10, 2) {
		return false, nil
	}
	return true, nil
}
