package vad

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// Segmenter defaults, in milliseconds.
const (
	DefaultPaddingMS    = 200
	DefaultMinSegmentMS = 300
	DefaultMaxSegmentMS = 30000

	// startRunFrames is the speech-hysteresis: consecutive speech frames
	// required before a segment opens.
	startRunFrames = 3
)

// Config tunes a [Segmenter].
type Config struct {
	// SessionID stamps every emitted segment.
	SessionID string

	// PaddingMS is both the pre-roll taken from history when a segment
	// opens and the silence hangover that closes it.
	PaddingMS int

	// MinSegmentMS discards shorter bursts.
	MinSegmentMS int

	// MaxSegmentMS closes a running segment at the cap and reopens it
	// immediately, bounding downstream latency.
	MaxSegmentMS int

	// DegradedPassthrough forwards frames as speech when the detector
	// fails instead of dropping them.
	DegradedPassthrough bool

	// NewCorrelationID mints the correlation id for each segment.
	// Defaults to UUID v4.
	NewCorrelationID func() string
}

// Hooks receive segmenter events for metrics and barge-in. Nil hooks
// are skipped.
type Hooks struct {
	// SpeechStarted fires when a segment opens, before it completes.
	// The orchestrator uses it to interrupt playback.
	SpeechStarted  func()
	SegmentCreated func()
	ShortDiscarded func()
	DetectorFailed func()
}

// Segmenter accumulates canonical frames into speech segments using
// hysteresis on the detector decisions. Not safe for concurrent use; each
// session owns one instance.
type Segmenter struct {
	det   Detector
	cfg   Config
	hooks Hooks

	padFrames int
	minFrames int
	maxFrames int

	// history holds the most recent idle frames for pre-roll.
	history []audio.Frame

	active      bool
	current     []audio.Frame
	speechCount int
	speechRun   int
	silenceRun  int

	// continued marks an accumulation reopened by a max-duration split.
	// The tail continues an utterance that already met the minimum, so
	// it is never discarded as short.
	continued bool

	lastSeq  uint64
	haveLast bool
}

// NewSegmenter creates a segmenter over the given detector.
func NewSegmenter(det Detector, cfg Config, hooks Hooks) *Segmenter {
	if cfg.PaddingMS <= 0 {
		cfg.PaddingMS = DefaultPaddingMS
	}
	if cfg.MinSegmentMS <= 0 {
		cfg.MinSegmentMS = DefaultMinSegmentMS
	}
	if cfg.MaxSegmentMS <= 0 {
		cfg.MaxSegmentMS = DefaultMaxSegmentMS
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = uuid.NewString
	}
	frameMS := int(audio.FrameDuration.Milliseconds())
	return &Segmenter{
		det:       det,
		cfg:       cfg,
		hooks:     hooks,
		padFrames: cfg.PaddingMS / frameMS,
		minFrames: cfg.MinSegmentMS / frameMS,
		maxFrames: cfg.MaxSegmentMS / frameMS,
	}
}

// Process consumes one frame and returns any segments completed by it.
// A non-nil error reports a detector failure; processing already continued
// according to the degraded-mode policy, so the caller only logs it.
func (s *Segmenter) Process(f audio.Frame) ([]audio.Segment, error) {
	var out []audio.Segment
	var detErr error

	// A sequence gap (jitter drop, adapter restart) breaks frame
	// contiguity, so whatever is running ends here.
	if s.haveLast && f.Seq != s.lastSeq+1 {
		if seg, ok := s.closeCurrent(); ok {
			out = append(out, seg)
		}
		s.reset()
	}
	s.lastSeq = f.Seq
	s.haveLast = true

	speech, err := s.det.IsSpeech(f)
	if err != nil {
		detErr = fmt.Errorf("%w: %w", ErrVAD, err)
		if s.hooks.DetectorFailed != nil {
			s.hooks.DetectorFailed()
		}
		if !s.cfg.DegradedPassthrough {
			return out, detErr
		}
		speech = true
	}

	if speech {
		s.speechRun++
		s.silenceRun = 0
	} else {
		s.speechRun = 0
		s.silenceRun++
	}

	if !s.active {
		s.history = append(s.history, f)
		if len(s.history) > s.padFrames {
			s.history = s.history[1:]
		}
		if s.speechRun >= startRunFrames {
			// Open with the pre-roll; history already contains f.
			s.current = append([]audio.Frame(nil), s.history...)
			s.history = nil
			s.active = true
			s.silenceRun = 0
			s.speechCount = startRunFrames
			if s.hooks.SpeechStarted != nil {
				s.hooks.SpeechStarted()
			}
		}
		return out, detErr
	}

	s.current = append(s.current, f)
	if speech {
		s.speechCount++
	}
	switch {
	case s.silenceRun >= s.padFrames:
		// The hangover doubles as post-roll; it is already in current.
		if seg, ok := s.closeCurrent(); ok {
			out = append(out, seg)
		}
		s.active = false
		s.current = nil
		s.speechCount = 0
		s.continued = false
	case len(s.current) >= s.maxFrames:
		// Cap reached: close and reopen without losing a frame.
		if seg, ok := s.closeCurrent(); ok {
			out = append(out, seg)
		}
		s.current = nil
		s.speechCount = 0
		s.continued = true
	}
	return out, detErr
}

// Flush ends the stream, emitting whatever is still accumulating as a
// terminal segment if it meets the minimum length.
func (s *Segmenter) Flush() (audio.Segment, bool) {
	seg, ok := s.closeCurrent()
	s.reset()
	return seg, ok
}

// closeCurrent turns the accumulating frames into a segment, enforcing the
// minimum length.
func (s *Segmenter) closeCurrent() (audio.Segment, bool) {
	if len(s.current) == 0 {
		return audio.Segment{}, false
	}
	// The minimum applies to the speech burst itself, not the padding
	// around it. A max-duration continuation already proved its length.
	if !s.continued && s.speechCount < s.minFrames {
		if s.hooks.ShortDiscarded != nil {
			s.hooks.ShortDiscarded()
		}
		return audio.Segment{}, false
	}
	startMS := int64(s.current[0].Seq) * audio.FrameDuration.Milliseconds()
	seg, err := audio.NewSegment(s.cfg.SessionID, s.cfg.NewCorrelationID(), s.current, startMS)
	if err != nil {
		// Contiguity is maintained by the gap check in Process; a failure
		// here means the accumulator is corrupt, so discard it.
		return audio.Segment{}, false
	}
	if s.hooks.SegmentCreated != nil {
		s.hooks.SegmentCreated()
	}
	return seg, true
}

// reset clears all accumulation state.
func (s *Segmenter) reset() {
	s.active = false
	s.current = nil
	s.history = nil
	s.speechCount = 0
	s.speechRun = 0
	s.silenceRun = 0
	s.continued = false
	s.haveLast = false
}
