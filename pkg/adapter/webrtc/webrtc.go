// Package webrtc implements adapters for a WebRTC-class mobile transport:
// Opus packets carried as binary WebSocket messages against the signaling
// gateway. The media path is abstracted behind [Transport] so the adapter
// logic is independent of the wire library and testable without a peer.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nordlys-ai/skald/pkg/adapter"
	"github.com/nordlys-ai/skald/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ adapter.Input  = (*Input)(nil)
	_ adapter.Output = (*Output)(nil)
	_ Transport      = (*wsTransport)(nil)
)

const frameChannelBuffer = 64

// Transport abstracts the peer media channel: Opus packets in both
// directions.
type Transport interface {
	// Recv blocks for the next Opus packet from the peer.
	Recv(ctx context.Context) ([]byte, error)

	// Send delivers one Opus packet to the peer.
	Send(ctx context.Context, pkt []byte) error

	// Close tears the channel down.
	Close() error
}

// wsTransport carries Opus packets as binary WebSocket messages.
type wsTransport struct {
	conn *websocket.Conn
}

// dialTransport connects to the signaling gateway.
func dialTransport(ctx context.Context, url, token string) (Transport, error) {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("webrtc: dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("webrtc: read: %w", err)
		}
		// Text messages are signaling chatter; media is binary.
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, pkt []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageBinary, pkt); err != nil {
		return fmt.Errorf("webrtc: write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// dialFromSettings builds the default dialer from adapter settings:
//
//	url    WebSocket URL of the media gateway (required)
//	token  bearer token presented on dial
func dialFromSettings(s adapter.Settings) (func(ctx context.Context) (Transport, error), error) {
	url := s["url"]
	if url == "" {
		return nil, errors.New("webrtc: url setting is required")
	}
	token := s["token"]
	return func(ctx context.Context) (Transport, error) {
		return dialTransport(ctx, url, token)
	}, nil
}

// NewInput constructs a WebRTC-class input adapter.
func NewInput(s adapter.Settings) (adapter.Input, error) {
	dial, err := dialFromSettings(s)
	if err != nil {
		return nil, err
	}
	return &Input{
		dial:   dial,
		frames: make(chan audio.Frame, frameChannelBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Input decodes Opus packets from the transport into canonical frames,
// reconnecting on transient failures until the attempt budget is spent.
type Input struct {
	dial   func(ctx context.Context) (Transport, error)
	frames chan audio.Frame
	done   chan struct{}

	mu        sync.Mutex
	transport Transport
	active    bool
	stopOnce  sync.Once
}

// Start dials the transport and begins decoding.
func (in *Input) Start(ctx context.Context) error {
	if err := in.connect(ctx); err != nil {
		return err
	}
	in.mu.Lock()
	in.active = true
	in.mu.Unlock()
	go in.recvLoop(ctx)
	return nil
}

// connect dials with the shared reconnect policy.
func (in *Input) connect(ctx context.Context) error {
	return adapter.Reconnect(ctx, func(ctx context.Context) error {
		tr, err := in.dial(ctx)
		if err != nil {
			return err
		}
		in.mu.Lock()
		in.transport = tr
		in.mu.Unlock()
		return nil
	})
}

// recvLoop pulls packets, decodes them, and reconnects on read failure.
// A fatal reconnect outcome ends the stream.
func (in *Input) recvLoop(ctx context.Context) {
	defer func() {
		in.mu.Lock()
		in.active = false
		tr := in.transport
		in.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		close(in.frames)
	}()

	dec, err := audio.NewDecoder(audio.DecoderConfig{Format: audio.FormatOpus})
	if err != nil {
		slog.Error("webrtc: create opus decoder", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			return
		default:
		}

		in.mu.Lock()
		tr := in.transport
		in.mu.Unlock()

		pkt, err := tr.Recv(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-in.done:
				return
			default:
			}
			slog.Warn("webrtc: transport lost, reconnecting", "error", err)
			if rErr := in.connect(ctx); rErr != nil {
				slog.Error("webrtc: reconnect failed, ending stream", "error", rErr)
				return
			}
			continue
		}

		frames, err := dec.Decode(pkt)
		if err != nil {
			slog.Warn("webrtc: opus decode", "error", err)
			continue
		}
		for _, f := range frames {
			select {
			case in.frames <- f:
			case <-in.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop ends the stream and closes the transport.
func (in *Input) Stop() error {
	in.stopOnce.Do(func() {
		close(in.done)
		in.mu.Lock()
		tr := in.transport
		in.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
	})
	return nil
}

// Frames returns the canonical frame stream.
func (in *Input) Frames() <-chan audio.Frame { return in.frames }

// Active reports whether packets are being decoded.
func (in *Input) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

// NewOutput constructs a WebRTC-class output adapter. Settings match
// [NewInput].
func NewOutput(s adapter.Settings) (adapter.Output, error) {
	dial, err := dialFromSettings(s)
	if err != nil {
		return nil, err
	}
	return &Output{dial: dial, stop: make(chan struct{})}, nil
}

// Output Opus-encodes canonical frames and sends them over the transport
// at the 20 ms frame cadence.
type Output struct {
	dial func(ctx context.Context) (Transport, error)
	stop chan struct{}

	mu       sync.Mutex
	playing  bool
	stopOnce sync.Once
}

// Play dials the transport, then encodes and sends frames until the stream
// ends.
func (out *Output) Play(ctx context.Context, frames <-chan audio.Frame) error {
	var tr Transport
	err := adapter.Reconnect(ctx, func(ctx context.Context) error {
		var dErr error
		tr, dErr = out.dial(ctx)
		return dErr
	})
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	enc, err := audio.NewEncoder()
	if err != nil {
		return err
	}

	out.mu.Lock()
	out.playing = true
	out.mu.Unlock()
	defer func() {
		out.mu.Lock()
		out.playing = false
		out.mu.Unlock()
	}()

	tick := time.NewTicker(audio.FrameDuration)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-out.stop:
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			pkt, err := enc.Encode(f)
			if err != nil {
				slog.Warn("webrtc: opus encode", "error", err)
				continue
			}
			select {
			case <-tick.C:
			case <-out.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := tr.Send(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

// Stop aborts playback.
func (out *Output) Stop() error {
	out.stopOnce.Do(func() { close(out.stop) })
	return nil
}

// Playing reports whether playback is in progress.
func (out *Output) Playing() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.playing
}
