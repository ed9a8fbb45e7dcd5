// Package voicechat implements the voice-chat adapters on top of the
// Discord gateway. Incoming Opus packets are decoded per speaker into the
// canonical frame stream; outgoing canonical frames are Opus-encoded and
// paced onto the voice connection.
//
// Input and output adapters for the same guild/channel share one gateway
// connection, since a bot holds a single voice state per guild.
package voicechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nordlys-ai/skald/pkg/adapter"
	"github.com/nordlys-ai/skald/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ adapter.Input  = (*Input)(nil)
	_ adapter.Output = (*Output)(nil)
)

const frameChannelBuffer = 64

// voiceSession abstracts the live voice connection so tests can run
// without a gateway.
type voiceSession interface {
	OpusRecv() <-chan *discordgo.Packet
	OpusSend() chan<- []byte
	Speaking(bool) error
	Disconnect() error
}

// discordVoice adapts *discordgo.VoiceConnection to [voiceSession].
type discordVoice struct {
	session *discordgo.Session
	vc      *discordgo.VoiceConnection
}

func (d *discordVoice) OpusRecv() <-chan *discordgo.Packet { return d.vc.OpusRecv }
func (d *discordVoice) OpusSend() chan<- []byte            { return d.vc.OpusSend }
func (d *discordVoice) Speaking(b bool) error              { return d.vc.Speaking(b) }

func (d *discordVoice) Disconnect() error {
	err := d.vc.Disconnect()
	if cErr := d.session.Close(); err == nil {
		err = cErr
	}
	return err
}

// dialVoice opens a gateway session and joins the voice channel.
func dialVoice(token, guildID, channelID string) (voiceSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("voicechat: create session: %w", err)
	}
	s.Identify.Intents |= discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("voicechat: open gateway: %w", err)
	}
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("voicechat: join %s/%s: %w", guildID, channelID, err)
	}
	return &discordVoice{session: s, vc: vc}, nil
}

// channel is the shared per-voice-channel connection state. Input and
// output adapters hold references; the last Stop disconnects.
type channel struct {
	key  string
	dial func(ctx context.Context) (voiceSession, error)

	mu   sync.Mutex
	sess voiceSession
	refs int
}

var (
	channelsMu sync.Mutex
	channels   = make(map[string]*channel)
)

// sharedChannel returns the channel for the guild/channel pair, creating
// it on first use.
func sharedChannel(s adapter.Settings) (*channel, error) {
	token, guildID, channelID := s["token"], s["guild_id"], s["channel_id"]
	if token == "" || guildID == "" || channelID == "" {
		return nil, errors.New("voicechat: token, guild_id and channel_id settings are required")
	}
	key := guildID + "/" + channelID

	channelsMu.Lock()
	defer channelsMu.Unlock()
	if ch, ok := channels[key]; ok {
		ch.mu.Lock()
		ch.refs++
		ch.mu.Unlock()
		return ch, nil
	}
	ch := &channel{
		key: key,
		dial: func(_ context.Context) (voiceSession, error) {
			return dialVoice(token, guildID, channelID)
		},
		refs: 1,
	}
	channels[key] = ch
	return ch, nil
}

// connect establishes the gateway connection with the shared reconnect
// policy, reusing an existing one.
func (ch *channel) connect(ctx context.Context) (voiceSession, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sess != nil {
		return ch.sess, nil
	}
	err := adapter.Reconnect(ctx, func(ctx context.Context) error {
		sess, dErr := ch.dial(ctx)
		if dErr != nil {
			return dErr
		}
		ch.sess = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch.sess, nil
}

// release drops one reference; the last one disconnects.
func (ch *channel) release() error {
	ch.mu.Lock()
	ch.refs--
	last := ch.refs <= 0
	sess := ch.sess
	if last {
		ch.sess = nil
	}
	ch.mu.Unlock()

	if !last || sess == nil {
		return nil
	}
	channelsMu.Lock()
	delete(channels, ch.key)
	channelsMu.Unlock()
	return sess.Disconnect()
}

// NewInput constructs a voice-chat input from settings:
//
//	token       bot token (required)
//	guild_id    guild of the voice channel (required)
//	channel_id  voice channel to join (required)
func NewInput(s adapter.Settings) (adapter.Input, error) {
	ch, err := sharedChannel(s)
	if err != nil {
		return nil, err
	}
	return &Input{
		ch:     ch,
		frames: make(chan audio.Frame, frameChannelBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Input decodes incoming voice-chat Opus packets into canonical frames.
// Packets from all speakers funnel into one stream; per-speaker decoder
// state is kept per SSRC.
type Input struct {
	ch     *channel
	frames chan audio.Frame
	done   chan struct{}

	mu       sync.Mutex
	active   bool
	stopOnce sync.Once
}

// Start joins the voice channel (with reconnect policy) and begins
// decoding.
func (in *Input) Start(ctx context.Context) error {
	sess, err := in.ch.connect(ctx)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.active = true
	in.mu.Unlock()
	go in.recvLoop(ctx, sess)
	return nil
}

// recvLoop decodes Opus packets into canonical frames until the source
// ends. Sequence numbers are restamped adapter-wide so downstream
// contiguity checks hold across speakers.
func (in *Input) recvLoop(ctx context.Context, sess voiceSession) {
	defer func() {
		in.mu.Lock()
		in.active = false
		in.mu.Unlock()
		close(in.frames)
	}()

	decoders := make(map[uint32]*audio.Decoder)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			return
		case pkt, ok := <-sess.OpusRecv():
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = audio.NewDecoder(audio.DecoderConfig{Format: audio.FormatOpus})
				if err != nil {
					slog.Error("voicechat: create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			frames, err := dec.Decode(pkt.Opus)
			if err != nil {
				slog.Warn("voicechat: opus decode", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			for _, f := range frames {
				f.Seq = seq
				seq++
				select {
				case in.frames <- f:
				default:
					// Consumer stalled; drop rather than block the gateway.
				}
			}
		}
	}
}

// Stop leaves the voice channel once the output side (if any) has also
// released it.
func (in *Input) Stop() error {
	var err error
	in.stopOnce.Do(func() {
		close(in.done)
		err = in.ch.release()
	})
	return err
}

// Frames returns the canonical frame stream.
func (in *Input) Frames() <-chan audio.Frame { return in.frames }

// Active reports whether packets are being decoded.
func (in *Input) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

// NewOutput constructs a voice-chat output sharing the input's gateway
// connection. Settings match [NewInput].
func NewOutput(s adapter.Settings) (adapter.Output, error) {
	ch, err := sharedChannel(s)
	if err != nil {
		return nil, err
	}
	return &Output{ch: ch, stop: make(chan struct{})}, nil
}

// Output Opus-encodes canonical frames and paces them onto the voice
// connection at the 20 ms frame cadence.
type Output struct {
	ch   *channel
	stop chan struct{}

	mu       sync.Mutex
	playing  bool
	stopOnce sync.Once
}

// Play encodes and sends frames until the stream ends.
func (out *Output) Play(ctx context.Context, frames <-chan audio.Frame) error {
	sess, err := out.ch.connect(ctx)
	if err != nil {
		return err
	}
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

	if err := sess.Speaking(true); err != nil {
		slog.Warn("voicechat: speaking notification", "error", err)
	}
	defer func() {
		if err := sess.Speaking(false); err != nil {
			slog.Warn("voicechat: speaking notification", "error", err)
		}
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
				slog.Warn("voicechat: opus encode", "error", err)
				continue
			}
			select {
			case <-tick.C:
			case <-out.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case sess.OpusSend() <- pkt:
			case <-out.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Stop aborts playback and releases the shared gateway connection.
func (out *Output) Stop() error {
	var err error
	out.stopOnce.Do(func() {
		close(out.stop)
		err = out.ch.release()
	})
	return err
}

// Playing reports whether playback is in progress.
func (out *Output) Playing() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.playing
}
