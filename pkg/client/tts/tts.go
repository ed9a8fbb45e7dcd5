// Package tts calls the external speech synthesizer and streams the result
// as canonical frames. Responses are loudness-normalized at this boundary
// and cached per (voice, text) so repeated utterances bypass the service.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// Defaults for the synthesis boundary.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxTextLen = 2000
	DefaultCacheSize  = 256
	DefaultCacheTTL   = time.Hour

	frameChannelBuffer = 32
)

// TTS error sentinels.
var (
	// ErrTextTooLong rejects synthesis requests over the length cap before
	// any upstream call.
	ErrTextTooLong = errors.New("tts: text exceeds maximum length")

	// ErrUnavailable wraps upstream failures.
	ErrUnavailable = errors.New("tts: service unavailable")
)

// Synthesizer is the capability the orchestrator consumes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (<-chan audio.Frame, error)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxTextLen overrides the synthesis text length cap.
func WithMaxTextLen(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTextLen = n
		}
	}
}

// WithCache overrides the cache capacity and per-entry TTL.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(c *Client) {
		if capacity > 0 && ttl > 0 {
			c.cache = newLRUCache(capacity, ttl)
		}
	}
}

// WithNormalizer overrides the egress loudness normalizer.
func WithNormalizer(n *audio.Normalizer) Option {
	return func(c *Client) { c.norm = n }
}

// Client talks to the synthesizer's POST /synthesize-canonical endpoint,
// falling back to POST /synthesize (arbitrary WAV) for services that do
// not produce canonical output.
type Client struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	maxTextLen int
	cache      *lruCache
	norm       *audio.Normalizer
}

var _ Synthesizer = (*Client)(nil)

// New creates a TTS client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("tts: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{},
		timeout:    DefaultTimeout,
		maxTextLen: DefaultMaxTextLen,
		cache:      newLRUCache(DefaultCacheSize, DefaultCacheTTL),
		norm:       audio.NewNormalizer(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// cacheKey derives the cache key from voice and a text digest.
func cacheKey(text, voice string) string {
	sum := sha256.Sum256([]byte(text))
	return voice + ":" + hex.EncodeToString(sum[:])
}

// Synthesize returns a stream of loudness-normalized canonical frames for
// text in the given voice. Cache hits replay identical audio without an
// upstream call.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (<-chan audio.Frame, error) {
	if len(text) > c.maxTextLen {
		return nil, fmt.Errorf("%w: %d chars, cap %d", ErrTextTooLong, len(text), c.maxTextLen)
	}

	key := cacheKey(text, voice)
	if cached, ok := c.cache.get(key); ok {
		return replay(cached), nil
	}

	frames, err := c.fetch(ctx, text, voice)
	if err != nil {
		return nil, err
	}

	stored := make([]frameData, len(frames))
	for i, f := range frames {
		stored[i] = frameData(f.Samples)
	}
	c.cache.put(key, stored)
	return replay(stored), nil
}

// replay streams cached sample buffers as freshly numbered frames.
func replay(data []frameData) <-chan audio.Frame {
	out := make(chan audio.Frame, frameChannelBuffer)
	go func() {
		defer close(out)
		for i, samples := range data {
			out <- audio.Frame{
				Samples: samples,
				Seq:     uint64(i),
				Ingress: time.Now(),
			}
		}
	}()
	return out
}

// fetch performs the upstream call and decodes the result to normalized
// canonical frames.
func (c *Client) fetch(ctx context.Context, text, voice string) ([]audio.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The canonical endpoint returns pre-normalized 48 kHz mono audio.
	raw, status, err := c.post(ctx, "/synthesize-canonical", text, voice)
	if err != nil {
		return nil, err
	}
	normalized := true
	if status == http.StatusNotFound {
		raw, status, err = c.post(ctx, "/synthesize", text, voice)
		if err != nil {
			return nil, err
		}
		normalized = false
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}

	dec, err := audio.NewDecoder(audio.DecoderConfig{Format: audio.FormatWAV})
	if err != nil {
		return nil, err
	}
	frames, err := dec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("tts: decode audio: %w", err)
	}
	if tail, ok := dec.Flush(); ok {
		frames = append(frames, tail)
	}
	if !normalized {
		frames = c.norm.Normalize(frames)
	}
	return frames, nil
}

// post performs one synthesis request and returns the body and status.
func (c *Client) post(ctx context.Context, path, text, voice string) ([]byte, int, error) {
	body, err := json.Marshal(map[string]string{"text": text, "voice": voice})
	if err != nil {
		return nil, 0, fmt.Errorf("tts: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("tts: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
