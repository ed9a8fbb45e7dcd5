package vad

import (
	"errors"
	"testing"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// scriptDetector returns pre-scripted decisions, optionally failing on
// selected frames. Keeps segmenter tests independent of signal content.
type scriptDetector struct {
	decisions []bool
	failAt    map[int]bool
	calls     int
}

func (d *scriptDetector) IsSpeech(_ audio.Frame) (bool, error) {
	i := d.calls
	d.calls++
	if d.failAt[i] {
		return false, errors.New("backend gone")
	}
	if i >= len(d.decisions) {
		return false, nil
	}
	return d.decisions[i], nil
}

// decisionScript builds a decision sequence from (count, speech) runs.
func decisionScript(runs ...struct {
	n      int
	speech bool
}) []bool {
	var out []bool
	for _, r := range runs {
		for range r.n {
			out = append(out, r.speech)
		}
	}
	return out
}

func run(n int, speech bool) struct {
	n      int
	speech bool
} {
	return struct {
		n      int
		speech bool
	}{n, speech}
}

// feed pushes n contiguous silent frames through the segmenter starting at
// seq, collecting emitted segments.
func feed(t *testing.T, s *Segmenter, n int, startSeq uint64) []audio.Segment {
	t.Helper()
	var segs []audio.Segment
	for i := range n {
		out, err := s.Process(silenceFrame(t, startSeq+uint64(i)))
		if err != nil && !errors.Is(err, ErrVAD) {
			t.Fatalf("Process() error = %v", err)
		}
		segs = append(segs, out...)
	}
	return segs
}

func TestSegmenterEmitsPaddedSegment(t *testing.T) {
	det := &scriptDetector{decisions: decisionScript(
		run(10, false), run(50, true), run(15, false),
	)}
	var created int
	s := NewSegmenter(det, Config{SessionID: "sess-1"}, Hooks{
		SegmentCreated: func() { created++ },
	})

	segs := feed(t, s, 75, 0)

	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	seg := segs[0]
	if created != 1 {
		t.Errorf("SegmentCreated fired %d times, want 1", created)
	}
	if seg.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", seg.SessionID)
	}
	if seg.CorrelationID == "" {
		t.Error("CorrelationID is empty")
	}

	// Segment opens after 3 speech frames with a 10-frame pre-roll
	// (frames 3..12) and closes after the 10-frame silence hangover
	// (frames 60..69): 67 frames total.
	if len(seg.Frames) != 67 {
		t.Errorf("segment has %d frames, want 67", len(seg.Frames))
	}
	if seg.StartMS != 60 {
		t.Errorf("StartMS = %d, want 60", seg.StartMS)
	}
	if got, want := seg.EndMS-seg.StartMS, int64(len(seg.Frames))*20; got != want {
		t.Errorf("duration = %d ms, want %d", got, want)
	}
}

func TestSegmenterDiscardsShortBurst(t *testing.T) {
	det := &scriptDetector{decisions: decisionScript(
		run(10, false), run(5, true), run(20, false),
	)}
	var discarded int
	s := NewSegmenter(det, Config{SessionID: "sess-1"}, Hooks{
		ShortDiscarded: func() { discarded++ },
	})

	segs := feed(t, s, 35, 0)

	if len(segs) != 0 {
		t.Fatalf("got %d segments, want 0", len(segs))
	}
	if discarded != 1 {
		t.Errorf("ShortDiscarded fired %d times, want 1", discarded)
	}
}

func TestSegmenterSplitsAtMaxWithoutLoss(t *testing.T) {
	// 100 ms cap (5 frames) to keep the test small.
	det := &scriptDetector{decisions: decisionScript(
		run(25, true), run(15, false),
	)}
	s := NewSegmenter(det, Config{
		SessionID:    "sess-1",
		MaxSegmentMS: 100,
		MinSegmentMS: 20,
	}, Hooks{})

	segs := feed(t, s, 40, 0)

	if len(segs) < 4 {
		t.Fatalf("got %d segments, want >= 4 (cap splits)", len(segs))
	}
	for i, seg := range segs {
		if len(seg.Frames) > 5 {
			t.Errorf("segment %d has %d frames, want <= 5", i, len(seg.Frames))
		}
	}
	// No frame lost across the splits: consecutive segments are contiguous.
	for i := 1; i < len(segs); i++ {
		prevEnd := segs[i-1].Frames[len(segs[i-1].Frames)-1].Seq
		if segs[i].Frames[0].Seq != prevEnd+1 {
			t.Errorf("segment %d starts at seq %d, previous ended at %d",
				i, segs[i].Frames[0].Seq, prevEnd)
		}
	}
}

func TestSegmenterKeepsShortTailAfterMaxSplit(t *testing.T) {
	// The utterance ends shortly after a cap split. The tail continues a
	// burst that already met the minimum, so it must not be discarded.
	det := &scriptDetector{decisions: decisionScript(
		run(7, true), run(10, false),
	)}
	var discarded int
	s := NewSegmenter(det, Config{
		SessionID:    "sess-1",
		MaxSegmentMS: 100, // 5 frames
		MinSegmentMS: 80,  // 4 frames
		PaddingMS:    40,  // 2 frames
	}, Hooks{
		ShortDiscarded: func() { discarded++ },
	})

	segs := feed(t, s, 17, 0)

	if len(segs) != 2 {
		t.Fatalf("got %d segments, want the capped head and its tail", len(segs))
	}
	head, tail := segs[0], segs[1]
	if tail.Frames[0].Seq != head.Frames[len(head.Frames)-1].Seq+1 {
		t.Errorf("tail starts at seq %d, head ended at %d",
			tail.Frames[0].Seq, head.Frames[len(head.Frames)-1].Seq)
	}
	if discarded != 0 {
		t.Errorf("ShortDiscarded fired %d times, want 0", discarded)
	}
}

func TestSegmenterFlushEmitsTail(t *testing.T) {
	det := &scriptDetector{decisions: decisionScript(run(30, true))}
	s := NewSegmenter(det, Config{SessionID: "sess-1"}, Hooks{})

	if segs := feed(t, s, 30, 0); len(segs) != 0 {
		t.Fatalf("got %d segments before flush, want 0", len(segs))
	}
	seg, ok := s.Flush()
	if !ok {
		t.Fatal("Flush() ok = false, want true")
	}
	if len(seg.Frames) != 30 {
		t.Errorf("terminal segment has %d frames, want 30", len(seg.Frames))
	}
	if _, ok := s.Flush(); ok {
		t.Error("second Flush() ok = true, want false")
	}
}

func TestSegmenterSequenceGapClosesSegment(t *testing.T) {
	det := &scriptDetector{decisions: decisionScript(run(60, true))}
	s := NewSegmenter(det, Config{SessionID: "sess-1"}, Hooks{})

	segs := feed(t, s, 30, 0)
	// Jump the sequence: the running segment must close at the gap.
	segs = append(segs, feed(t, s, 30, 100)...)

	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1 (closed at gap)", len(segs))
	}
	if last := segs[0].Frames[len(segs[0].Frames)-1].Seq; last != 29 {
		t.Errorf("segment ends at seq %d, want 29", last)
	}
}

func TestSegmenterDetectorFailure(t *testing.T) {
	t.Run("drops frames by default", func(t *testing.T) {
		failAt := map[int]bool{}
		for i := range 40 {
			failAt[i] = true
		}
		det := &scriptDetector{failAt: failAt}
		var failures int
		s := NewSegmenter(det, Config{SessionID: "sess-1"}, Hooks{
			DetectorFailed: func() { failures++ },
		})

		var segs []audio.Segment
		for i := range 40 {
			out, err := s.Process(silenceFrame(t, uint64(i)))
			if !errors.Is(err, ErrVAD) {
				t.Fatalf("Process() error = %v, want ErrVAD", err)
			}
			segs = append(segs, out...)
		}
		if len(segs) != 0 {
			t.Errorf("got %d segments, want 0", len(segs))
		}
		if failures != 40 {
			t.Errorf("DetectorFailed fired %d times, want 40", failures)
		}
	})

	t.Run("passthrough treats frames as speech", func(t *testing.T) {
		failAt := map[int]bool{}
		for i := range 40 {
			failAt[i] = true
		}
		det := &scriptDetector{failAt: failAt}
		s := NewSegmenter(det, Config{
			SessionID:           "sess-1",
			DegradedPassthrough: true,
		}, Hooks{})

		for i := range 40 {
			if _, err := s.Process(silenceFrame(t, uint64(i))); !errors.Is(err, ErrVAD) {
				t.Fatalf("Process() error = %v, want ErrVAD", err)
			}
		}
		seg, ok := s.Flush()
		if !ok {
			t.Fatal("Flush() ok = false, want passthrough segment")
		}
		if len(seg.Frames) != 40 {
			t.Errorf("segment has %d frames, want 40", len(seg.Frames))
		}
	})
}
