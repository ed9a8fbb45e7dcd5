// Package stt calls the external ASR service. The client converts a
// canonical segment to the 16 kHz mono WAV the service expects, uploads it,
// and maps the response to a [ProcessedSegment].
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// Defaults for the transcription boundary.
const (
	DefaultTimeout           = 8 * time.Second
	DefaultMaxTranscriptLen  = 2000
	transientRetries         = 2
	retryBackoffFloor        = 100 * time.Millisecond
	retryBackoffCeil         = 500 * time.Millisecond
	sttSampleRate            = 16000
	multipartAudioFieldName  = "audio"
	multipartAudioFileName   = "segment.wav"
)

// Status of a transcription result.
type Status string

const (
	StatusOK     Status = "ok"
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// ErrUnavailable is returned when the ASR service keeps failing after the
// retry budget.
var ErrUnavailable = errors.New("stt: service unavailable")

// errPermanent marks responses that retrying cannot fix (4xx).
var errPermanent = errors.New("stt: permanent failure")

// WordTiming is an optional per-word time range in the source audio.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ProcessedSegment is the transcription result for one audio segment.
type ProcessedSegment struct {
	SegmentID     string
	CorrelationID string
	Transcript    string
	Confidence    float64
	Language      string
	Words         []WordTiming
	Status        Status
}

// Transcriber is the capability the orchestrator consumes. Satisfied by
// [Client] and by test doubles.
type Transcriber interface {
	Transcribe(ctx context.Context, seg audio.Segment) (ProcessedSegment, error)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, e.g. for pooled transports or
// tests.
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

// WithMaxTranscriptLen bounds the transcript length in characters.
func WithMaxTranscriptLen(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// Client talks to the ASR service's POST /transcribe endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	maxLen  int
}

var _ Transcriber = (*Client)(nil)

// New creates an STT client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("stt: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		maxLen:  DefaultMaxTranscriptLen,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// transcribeResponse is the ASR service's JSON reply.
type transcribeResponse struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Language   string       `json:"language"`
	Words      []WordTiming `json:"words"`
}

// Transcribe converts the segment to 16 kHz mono WAV and uploads it.
// Server errors are retried twice with jittered backoff before
// [ErrUnavailable] surfaces. An empty transcript is a normal result with
// [StatusEmpty], not an error.
func (c *Client) Transcribe(ctx context.Context, seg audio.Segment) (ProcessedSegment, error) {
	result := ProcessedSegment{
		SegmentID:     fmt.Sprintf("%s-%d", seg.SessionID, seg.StartMS),
		CorrelationID: seg.CorrelationID,
		Status:        StatusFailed,
	}

	pcm := audio.ResampleForSTT(seg.Frames)
	wav := audio.EncodeWAV(pcm, sttSampleRate, 1)

	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		if attempt > 0 {
			jitter := retryBackoffFloor +
				time.Duration(rand.Int64N(int64(retryBackoffCeil-retryBackoffFloor)))
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(jitter):
			}
		}

		resp, err := c.post(ctx, wav, seg)
		if err != nil {
			if errors.Is(err, errPermanent) {
				return result, err
			}
			lastErr = err
			continue
		}

		text := truncate(strings.TrimSpace(resp.Text), c.maxLen)
		result.Transcript = text
		result.Confidence = resp.Confidence
		result.Language = resp.Language
		result.Words = resp.Words
		if text == "" {
			result.Status = StatusEmpty
		} else {
			result.Status = StatusOK
		}
		return result, nil
	}
	return result, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// post performs one multipart upload attempt.
func (c *Client) post(ctx context.Context, wav []byte, seg audio.Segment) (*transcribeResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(multipartAudioFieldName, multipartAudioFileName)
	if err != nil {
		return nil, fmt.Errorf("stt: build multipart: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("stt: build multipart: %w", err)
	}
	if seg.Language != "" {
		_ = mw.WriteField("language", seg.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("stt: build multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return nil, fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if seg.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", seg.CorrelationID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stt: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("stt: server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", errPermanent, resp.StatusCode, raw)
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("stt: decode response: %w", err)
	}
	return &out, nil
}

// truncate bounds s to at most max bytes, backing off to the previous
// rune boundary so a multi-byte character is never cut in half.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
