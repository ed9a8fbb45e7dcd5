package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nordlys-ai/skald/internal/observe"
	"github.com/nordlys-ai/skald/internal/vad"
	"github.com/nordlys-ai/skald/pkg/adapter"
	"github.com/nordlys-ai/skald/pkg/audio"
	"github.com/nordlys-ai/skald/pkg/client/stt"
	"github.com/nordlys-ai/skald/pkg/client/tts"
)

const (
	// DefaultDrainTimeout is the grace given to in-flight playback when
	// a session stops.
	DefaultDrainTimeout = 3 * time.Second

	// segmentQueueLen bounds completed segments awaiting the responder.
	segmentQueueLen = 8
)

// apologies rotate when a turn fails partway so the speaker is never
// met with silence.
var apologies = []string{
	"Sorry, I didn't catch that. Could you say it again?",
	"Apologies, something went wrong on my end. One more time?",
	"I missed that, could you repeat it?",
}

// SessionConfig identifies one voice conversation and its tunables.
type SessionConfig struct {
	SessionID string
	Owner     string
	Channel   string

	// Voice is the synthesis voice for this session.
	Voice string

	// Language is an optional BCP-47 hint forwarded to transcription.
	Language string

	// VAD tunes the segmenter. SessionID is filled in automatically.
	VAD vad.Config

	// JitterTarget and JitterMax tune the ingest jitter buffer depth in
	// frames. Zero keeps the buffer defaults.
	JitterTarget int
	JitterMax    int

	// DrainTimeout bounds playback draining on stop. Zero means
	// [DefaultDrainTimeout].
	DrainTimeout time.Duration
}

// Deps are the stage implementations one session composes.
type Deps struct {
	Input     adapter.Input
	Output    adapter.Output
	Detector  vad.Detector
	STT       stt.Transcriber
	TTS       tts.Synthesizer
	Responder *Responder
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// Session is one live voice conversation: an ingest task feeding the
// jitter buffer, a segmentation task feeding the per-segment worker,
// and asynchronous playback that new speech can interrupt. Create with
// [NewSession], drive with [Session.Run], stop with [Session.Stop].
type Session struct {
	cfg     SessionConfig
	input   adapter.Input
	output  adapter.Output
	jitter  *audio.JitterBuffer
	seg     *vad.Segmenter
	stt     stt.Transcriber
	tts     tts.Synthesizer
	resp    *Responder
	metrics *observe.Metrics
	log     *slog.Logger

	playMu     sync.Mutex
	playCancel context.CancelFunc
	playDone   chan struct{}

	apologyIdx int
	stopOnce   sync.Once
}

// NewSession wires one session's pipeline. All Deps fields except
// Logger are required.
func NewSession(cfg SessionConfig, deps Deps) (*Session, error) {
	if deps.Input == nil || deps.Output == nil || deps.Detector == nil ||
		deps.STT == nil || deps.TTS == nil || deps.Responder == nil || deps.Metrics == nil {
		return nil, errors.New("orchestrator: incomplete session dependencies")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("orchestrator: session id is required")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	cfg.VAD.SessionID = cfg.SessionID

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("session_id", cfg.SessionID))

	s := &Session{
		cfg:     cfg,
		input:   deps.Input,
		output:  deps.Output,
		stt:     deps.STT,
		tts:     deps.TTS,
		resp:    deps.Responder,
		metrics: deps.Metrics,
		log:     log,
	}

	lastDepth := 0
	jitterOpts := []audio.JitterOption{
		audio.WithDropHook(func() {
			s.metrics.RecordFrameDropped(context.Background(), "overflow")
		}),
		audio.WithDepthHook(func(depth int) {
			s.metrics.JitterDepth.Add(context.Background(), int64(depth-lastDepth))
			lastDepth = depth
		}),
	}
	if cfg.JitterTarget > 0 && cfg.JitterMax > 0 {
		jitterOpts = append(jitterOpts, audio.WithJitterDepths(cfg.JitterTarget, cfg.JitterMax))
	}
	s.jitter = audio.NewJitterBuffer(jitterOpts...)
	s.seg = vad.NewSegmenter(deps.Detector, cfg.VAD, vad.Hooks{
		SpeechStarted: s.bargeIn,
		SegmentCreated: func() {
			s.metrics.SegmentsCreated.Add(context.Background(), 1)
		},
		ShortDiscarded: func() {
			s.metrics.RecordFrameDropped(context.Background(), "short_segment")
		},
		DetectorFailed: func() {
			s.log.Warn("vad detector failed")
		},
	})
	return s, nil
}

// Run drives the session until the input ends, ctx is cancelled, or a
// fatal error occurs. A worker panic stops this session cleanly and is
// counted; other sessions are unaffected.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	if err := s.input.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start input: %w", err)
	}
	s.log.Info("session started", slog.String("channel", s.cfg.Channel))

	segCh := make(chan audio.Segment, segmentQueueLen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingest(gctx) })
	g.Go(func() error { return s.segment(gctx, segCh) })
	g.Go(func() error { return s.respondLoop(gctx, segCh) })

	err := g.Wait()
	s.drainPlayback()
	_ = s.input.Stop()
	// Stop the output on every exit path, not only on drain timeout:
	// shared-connection outputs release their transport here.
	_ = s.output.Stop()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.log.Info("session ended")
		return nil
	case errors.Is(err, adapter.ErrFatal):
		s.log.Error("session stopped: adapter fatal", slog.String("error", err.Error()))
		return err
	default:
		s.log.Error("session stopped", slog.String("error", err.Error()))
		return err
	}
}

// Stop signals the input to end; Run then drains and returns.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		_ = s.input.Stop()
	})
}

// ingest moves adapter frames into the jitter buffer until the source
// ends. Closing the buffer cascades shutdown to the segmentation task.
func (s *Session) ingest(ctx context.Context) error {
	defer s.jitter.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-s.input.Frames():
			if !ok {
				return nil
			}
			s.metrics.FramesProcessed.Add(ctx, 1)
			if err := s.jitter.Push(f); err != nil {
				return nil
			}
		}
	}
}

// segment pops buffered frames through the VAD and queues completed
// segments for the responder, flushing the tail when the stream ends.
func (s *Session) segment(ctx context.Context, segCh chan<- audio.Segment) error {
	defer close(segCh)
	for {
		f, err := s.jitter.Pop(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrBufferClosed) {
				if seg, ok := s.seg.Flush(); ok {
					select {
					case segCh <- seg:
					case <-ctx.Done():
					}
				}
			}
			return nil
		}

		segs, derr := s.seg.Process(f)
		if derr != nil {
			s.log.Warn("segmenter degraded", slog.String("error", derr.Error()))
		}
		for _, seg := range segs {
			select {
			case segCh <- seg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// respondLoop handles completed segments strictly in order. A panic in
// a turn is recovered, counted, and stops the session.
func (s *Session) respondLoop(ctx context.Context, segCh <-chan audio.Segment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panics.Add(context.Background(), 1)
			err = fmt.Errorf("orchestrator: worker panic: %v", r)
		}
	}()
	for seg := range segCh {
		s.handleSegment(ctx, seg)
	}
	return nil
}

// handleSegment runs one voice turn: transcribe, respond, synthesize,
// play. Partial failures apologize and keep the session alive.
func (s *Session) handleSegment(ctx context.Context, seg audio.Segment) {
	ctx = observe.WithCorrelationID(ctx, seg.CorrelationID)
	log := observe.Logger(ctx).With(slog.String("session_id", s.cfg.SessionID))
	start := time.Now()

	if s.cfg.Language != "" && seg.Language == "" {
		seg.Language = s.cfg.Language
	}

	sttStart := time.Now()
	ps, err := s.stt.Transcribe(ctx, seg)
	s.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	s.metrics.RecordSTTRequest(ctx, string(ps.Status))
	if err != nil {
		log.Warn("transcription failed", slog.String("error", err.Error()))
		s.apologize(ctx)
		return
	}
	if ps.Status == stt.StatusEmpty {
		return
	}

	reply, err := s.resp.Respond(ctx, Turn{
		SessionID:  s.cfg.SessionID,
		Owner:      s.cfg.Owner,
		Channel:    s.cfg.Channel,
		Transcript: ps.Transcript,
	})
	if err != nil {
		log.Warn("turn failed", slog.String("error", err.Error()))
		s.apologize(ctx)
		return
	}
	if reply.Text == "" {
		return
	}

	ttsStart := time.Now()
	frames, err := s.tts.Synthesize(ctx, reply.Text, s.cfg.Voice)
	s.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
	if err != nil {
		s.metrics.RecordTTSRequest(ctx, "failed")
		log.Warn("synthesis failed", slog.String("error", err.Error()))
		s.apologize(ctx)
		return
	}
	s.metrics.RecordTTSRequest(ctx, "ok")
	s.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())

	s.play(ctx, frames)
}

// play starts asynchronous playback of one reply, replacing any
// previous one.
func (s *Session) play(ctx context.Context, frames <-chan audio.Frame) {
	s.interrupt()

	// Detached from the task group so a finished ingest loop does not
	// clip the final reply; drainPlayback bounds it instead.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.playMu.Lock()
	s.playCancel = cancel
	s.playDone = done
	s.playMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if err := s.output.Play(pctx, frames); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("playback failed", slog.String("error", err.Error()))
		}
	}()
}

// bargeIn fires from the VAD the moment new speech opens: any current
// playback is cancelled immediately so the speaker is never talked
// over.
func (s *Session) bargeIn() {
	s.playMu.Lock()
	cancel := s.playCancel
	playing := cancel != nil
	s.playCancel = nil
	s.playMu.Unlock()

	if !playing {
		return
	}
	cancel()
	s.metrics.BargeIns.Add(context.Background(), 1)
	s.log.Debug("barge-in: playback interrupted")
}

// interrupt cancels any in-flight playback and waits for it to stop.
func (s *Session) interrupt() {
	s.playMu.Lock()
	cancel, done := s.playCancel, s.playDone
	s.playCancel = nil
	s.playMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// drainPlayback gives in-flight playback the configured grace before
// forcing it to stop.
func (s *Session) drainPlayback() {
	s.playMu.Lock()
	done := s.playDone
	s.playMu.Unlock()
	if done == nil {
		return
	}

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.interrupt()
		_ = s.output.Stop()
	}
}

// apologize speaks a canned phrase after a partial failure. Nothing to
// do when the session is already stopping.
func (s *Session) apologize(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	text := apologies[s.apologyIdx%len(apologies)]
	s.apologyIdx++

	frames, err := s.tts.Synthesize(ctx, text, s.cfg.Voice)
	if err != nil {
		s.log.Warn("apology synthesis failed", slog.String("error", err.Error()))
		return
	}
	s.play(ctx, frames)
}
