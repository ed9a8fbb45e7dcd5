// Package file implements adapters that read audio from and write audio to
// WAV files. The input adapter frames a 16-bit PCM WAV into canonical
// frames; the output adapter collects played frames and writes them as a
// 48 kHz mono WAV on completion. Used for offline runs and end-to-end
// tests.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nordlys-ai/skald/pkg/adapter"
	"github.com/nordlys-ai/skald/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ adapter.Input  = (*Input)(nil)
	_ adapter.Output = (*Output)(nil)
)

// frameChannelBuffer sizes the input frame channel.
const frameChannelBuffer = 64

// NewInput constructs a file input from settings:
//
//	path      WAV file to read (required)
//	realtime  "true" to pace frames at 20 ms wall-clock intervals
func NewInput(s adapter.Settings) (adapter.Input, error) {
	path := s["path"]
	if path == "" {
		return nil, errors.New("file: input requires a path setting")
	}
	realtime, _ := strconv.ParseBool(s["realtime"])
	return &Input{
		path:     path,
		realtime: realtime,
		frames:   make(chan audio.Frame, frameChannelBuffer),
		done:     make(chan struct{}),
	}, nil
}

// Input reads a WAV file and produces canonical frames.
type Input struct {
	path     string
	realtime bool

	frames chan audio.Frame
	done   chan struct{}

	mu       sync.Mutex
	active   bool
	stopOnce sync.Once
}

// Start decodes the file and begins delivering frames. The stream ends
// after the final (flushed) frame or on Stop.
func (in *Input) Start(ctx context.Context) error {
	raw, err := os.ReadFile(in.path)
	if err != nil {
		return fmt.Errorf("file: read %s: %w", in.path, err)
	}
	dec, err := audio.NewDecoder(audio.DecoderConfig{Format: audio.FormatWAV})
	if err != nil {
		return err
	}
	frames, err := dec.Decode(raw)
	if err != nil {
		return fmt.Errorf("file: decode %s: %w", in.path, err)
	}
	if tail, ok := dec.Flush(); ok {
		frames = append(frames, tail)
	}

	in.mu.Lock()
	in.active = true
	in.mu.Unlock()

	go in.pump(ctx, frames)
	return nil
}

// pump delivers decoded frames to the channel, optionally at real-time
// cadence, then closes the stream.
func (in *Input) pump(ctx context.Context, frames []audio.Frame) {
	defer func() {
		in.mu.Lock()
		in.active = false
		in.mu.Unlock()
		close(in.frames)
	}()

	var tick *time.Ticker
	if in.realtime {
		tick = time.NewTicker(audio.FrameDuration)
		defer tick.Stop()
	}

	for _, f := range frames {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-in.done:
				return
			case <-tick.C:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			return
		case in.frames <- f:
		}
	}
}

// Stop ends the stream early.
func (in *Input) Stop() error {
	in.stopOnce.Do(func() { close(in.done) })
	return nil
}

// Frames returns the canonical frame stream.
func (in *Input) Frames() <-chan audio.Frame { return in.frames }

// Active reports whether frames are still being delivered.
func (in *Input) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

// NewOutput constructs a file output from settings:
//
//	path  WAV file to write (required)
func NewOutput(s adapter.Settings) (adapter.Output, error) {
	path := s["path"]
	if path == "" {
		return nil, errors.New("file: output requires a path setting")
	}
	return &Output{path: path, stop: make(chan struct{})}, nil
}

// Output collects played frames and writes them as a WAV file when the
// stream ends.
type Output struct {
	path string
	stop chan struct{}

	mu      sync.Mutex
	playing bool
	pcm     []byte
}

// Play consumes frames until the channel closes, then writes the file.
// A Stop or cancellation still writes what was collected so far.
func (out *Output) Play(ctx context.Context, frames <-chan audio.Frame) error {
	out.mu.Lock()
	out.playing = true
	out.mu.Unlock()
	defer func() {
		out.mu.Lock()
		out.playing = false
		out.mu.Unlock()
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-out.stop:
			break loop
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			out.mu.Lock()
			out.pcm = append(out.pcm, audio.PlaybackPCM([]audio.Frame{f})...)
			out.mu.Unlock()
		}
	}
	return out.flush()
}

// flush writes the collected PCM as a WAV file.
func (out *Output) flush() error {
	out.mu.Lock()
	pcm := out.pcm
	out.mu.Unlock()
	wav := audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels)
	if err := os.WriteFile(out.path, wav, 0o644); err != nil {
		return fmt.Errorf("file: write %s: %w", out.path, err)
	}
	return nil
}

// Stop aborts playback; collected audio is still flushed by Play.
func (out *Output) Stop() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	select {
	case <-out.stop:
	default:
		close(out.stop)
	}
	return nil
}

// Playing reports whether a Play call is in progress.
func (out *Output) Playing() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.playing
}
