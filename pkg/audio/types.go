// Package audio defines the canonical audio representation used by every
// pipeline stage and the boundary conversions into and out of it.
//
// All internal audio is 48 kHz mono float32 PCM in fixed 20 ms frames of
// exactly 960 samples. Adapters decode into this shape at ingress and the
// playback path converts out of it at egress; no stage in between performs
// format conversion.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Canonical format constants. These are wire invariants, not tunables.
const (
	// SampleRate is the canonical sample rate in Hz.
	SampleRate = 48000

	// Channels is the canonical channel count.
	Channels = 1

	// FrameSamples is the number of samples in one canonical frame.
	FrameSamples = 960

	// FrameDuration is the wall-clock duration of one canonical frame.
	FrameDuration = 20 * time.Millisecond
)

// ErrBadFrame is returned by [NewFrame] when the sample buffer does not
// match the canonical shape.
var ErrBadFrame = errors.New("audio: frame must be exactly 960 float32 samples")

// Frame is a single canonical audio frame: 20 ms of 48 kHz mono float32 PCM.
// Frames are immutable once constructed; stages share them by value and never
// write into the sample buffer.
type Frame struct {
	// Samples holds exactly [FrameSamples] float32 PCM values in [-1, 1].
	Samples []float32

	// Seq is the monotonic sequence number assigned at ingress.
	Seq uint64

	// Ingress marks when this frame entered the pipeline.
	Ingress time.Time
}

// NewFrame constructs a canonical frame from samples. It rejects any buffer
// that is not exactly [FrameSamples] long.
func NewFrame(samples []float32, seq uint64, ingress time.Time) (Frame, error) {
	if len(samples) != FrameSamples {
		return Frame{}, fmt.Errorf("audio: %d samples: %w", len(samples), ErrBadFrame)
	}
	return Frame{Samples: samples, Seq: seq, Ingress: ingress}, nil
}

// Silence returns a canonical frame of digital silence with the given
// sequence number. Used by the jitter buffer on playback underrun.
func Silence(seq uint64) Frame {
	return Frame{
		Samples: make([]float32, FrameSamples),
		Seq:     seq,
		Ingress: time.Now(),
	}
}

// Segment is one speech burst: a finite, ordered, sequence-contiguous run of
// canonical frames together with its session and correlation identity.
type Segment struct {
	SessionID     string
	CorrelationID string

	// Frames are contiguous in sequence number; see [NewSegment].
	Frames []Frame

	// StartMS and EndMS are stream-relative timestamps in milliseconds.
	StartMS int64
	EndMS   int64

	// SpeakerID identifies the speaker when the adapter can attribute audio
	// to a participant. Empty otherwise.
	SpeakerID string

	// Language is an optional BCP-47 hint forwarded to transcription.
	Language string
}

// ErrSegmentGap is returned by [NewSegment] when frames are not contiguous
// in sequence number.
var ErrSegmentGap = errors.New("audio: segment frames must be sequence-contiguous")

// NewSegment builds a segment from contiguous frames. StartMS is taken from
// the first frame's position implied by startMS; EndMS is derived so that
// the duration equals len(frames) x 20 ms.
func NewSegment(sessionID, correlationID string, frames []Frame, startMS int64) (Segment, error) {
	if len(frames) == 0 {
		return Segment{}, errors.New("audio: segment requires at least one frame")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq != frames[i-1].Seq+1 {
			return Segment{}, fmt.Errorf("audio: frame %d seq %d after seq %d: %w",
				i, frames[i].Seq, frames[i-1].Seq, ErrSegmentGap)
		}
	}
	return Segment{
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Frames:        frames,
		StartMS:       startMS,
		EndMS:         startMS + int64(len(frames))*20,
	}, nil
}

// Duration returns the segment length derived from its frame count.
func (s Segment) Duration() time.Duration {
	return time.Duration(len(s.Frames)) * FrameDuration
}
