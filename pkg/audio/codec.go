package audio

import (
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"
)

// Format identifies a source codec accepted at ingress.
type Format string

// Source codecs relevant to the built-in adapters.
const (
	FormatOpus  Format = "opus"
	FormatPCM16 Format = "pcm16"
	FormatWAV   Format = "wav"
)

// Codec error sentinels. Both are recoverable at the boundary: the caller
// drops the offending chunk and keeps the stream open.
var (
	ErrCodec             = errors.New("audio: malformed input")
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)

// DecoderConfig describes the source stream feeding a [Decoder].
type DecoderConfig struct {
	Format Format

	// SampleRate and Channels describe raw PCM input. Ignored for WAV
	// (taken from the header) and Opus (fixed by the packet).
	SampleRate int
	Channels   int
}

// Decoder converts raw source bytes into canonical frames. It buffers
// partial trailing data between calls so that every emitted frame is exactly
// 20 ms; [Decoder.Flush] zero-pads whatever remains.
//
// A Decoder carries per-stream state (Opus decoder state, WAV header,
// sequence counter) and must not be shared across streams or goroutines.
type Decoder struct {
	cfg  DecoderConfig
	opus *gopus.Decoder

	// header buffers WAV bytes until the fmt and data chunks are located.
	header     []byte
	headerDone bool

	// residue holds a trailing partial int16 byte from PCM input.
	residue []byte

	// pending holds canonical-rate samples not yet filling a full frame.
	pending []float32

	seq uint64
}

// NewDecoder creates a decoder for the given source format.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	d := &Decoder{cfg: cfg}
	switch cfg.Format {
	case FormatOpus:
		dec, err := gopus.NewDecoder(SampleRate, Channels)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		d.opus = dec
	case FormatPCM16:
		if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
			return nil, fmt.Errorf("audio: pcm16 requires sample rate and channels: %w", ErrCodec)
		}
	case FormatWAV:
		// Rate and channels come from the header.
	default:
		return nil, fmt.Errorf("audio: %q: %w", cfg.Format, ErrUnsupportedFormat)
	}
	return d, nil
}

// Decode consumes the next chunk of source bytes and returns all complete
// canonical frames it yields. Returning zero frames is normal while the
// decoder accumulates input.
func (d *Decoder) Decode(raw []byte) ([]Frame, error) {
	switch d.cfg.Format {
	case FormatOpus:
		pcm, err := d.opus.Decode(raw, FrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", errors.Join(ErrCodec, err))
		}
		d.pending = append(d.pending, int16ToFloat32(pcm)...)
	case FormatPCM16:
		if err := d.consumePCM(raw, d.cfg.SampleRate, d.cfg.Channels); err != nil {
			return nil, err
		}
	case FormatWAV:
		if err := d.consumeWAV(raw); err != nil {
			return nil, err
		}
	}
	return d.drainFrames(), nil
}

// Flush zero-pads any buffered partial frame to a full 20 ms frame and
// returns it. ok is false when nothing was buffered.
func (d *Decoder) Flush() (f Frame, ok bool) {
	if len(d.pending) == 0 {
		return Frame{}, false
	}
	samples := make([]float32, FrameSamples)
	copy(samples, d.pending)
	d.pending = d.pending[:0]
	f = Frame{Samples: samples, Seq: d.seq, Ingress: time.Now()}
	d.seq++
	return f, true
}

// consumePCM converts int16 LE bytes at the given rate and channel count
// into canonical-rate samples appended to pending.
func (d *Decoder) consumePCM(raw []byte, rate, channels int) error {
	buf := raw
	if len(d.residue) > 0 {
		buf = append(d.residue, raw...)
		d.residue = nil
	}
	if odd := len(buf) % 2; odd != 0 {
		d.residue = []byte{buf[len(buf)-1]}
		buf = buf[:len(buf)-1]
	}
	if len(buf) == 0 {
		return nil
	}
	mono := downmixInt16(buf, channels)
	if mono == nil {
		return fmt.Errorf("audio: %d channels: %w", channels, ErrCodec)
	}
	d.pending = append(d.pending, resampleToCanonical(mono, rate)...)
	return nil
}

// consumeWAV buffers bytes until the RIFF header is parsed, then feeds the
// data chunk through the PCM path using the header's rate and channels.
func (d *Decoder) consumeWAV(raw []byte) error {
	if d.headerDone {
		return d.consumePCM(raw, d.cfg.SampleRate, d.cfg.Channels)
	}
	d.header = append(d.header, raw...)
	rate, channels, dataOff, err := parseWAVHeader(d.header)
	if errors.Is(err, errWAVIncomplete) {
		return nil
	}
	if err != nil {
		return err
	}
	d.headerDone = true
	d.cfg.SampleRate = rate
	d.cfg.Channels = channels
	body := d.header[dataOff:]
	d.header = nil
	return d.consumePCM(body, rate, channels)
}

// drainFrames slices complete frames off the pending buffer.
func (d *Decoder) drainFrames() []Frame {
	var frames []Frame
	now := time.Now()
	for len(d.pending) >= FrameSamples {
		samples := make([]float32, FrameSamples)
		copy(samples, d.pending[:FrameSamples])
		d.pending = d.pending[FrameSamples:]
		frames = append(frames, Frame{Samples: samples, Seq: d.seq, Ingress: now})
		d.seq++
	}
	return frames
}

// Encoder turns canonical frames back into Opus packets for transports that
// carry compressed audio.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an Opus encoder at the canonical rate.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes one canonical frame into a single Opus packet.
func (e *Encoder) Encode(f Frame) ([]byte, error) {
	pcm := float32ToInt16(f.Samples)
	packet, err := e.enc.Encode(pcm, FrameSamples, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
