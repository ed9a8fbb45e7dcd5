package stt

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// testSegment builds a one-second canonical segment.
func testSegment(t *testing.T) audio.Segment {
	t.Helper()
	frames := make([]audio.Frame, 50)
	for i := range frames {
		f, err := audio.NewFrame(make([]float32, audio.FrameSamples), uint64(i), time.Now())
		if err != nil {
			t.Fatalf("NewFrame() error = %v", err)
		}
		frames[i] = f
	}
	seg, err := audio.NewSegment("sess-1", "corr-1", frames, 0)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	return seg
}

func TestTranscribeSuccess(t *testing.T) {
	var gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("FormFile(audio) error = %v", err)
		}
		defer f.Close()
		if !strings.HasSuffix(hdr.Filename, ".wav") {
			t.Errorf("uploaded filename = %q, want .wav", hdr.Filename)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "  hello there  ", "confidence": 0.93, "language": "en",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Transcribe(t.Context(), testSegment(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Status != StatusOK {
		t.Errorf("Status = %q, want %q", got.Status, StatusOK)
	}
	if got.Transcript != "hello there" {
		t.Errorf("Transcript = %q, want trimmed %q", got.Transcript, "hello there")
	}
	if got.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", got.Confidence)
	}
	if gotCorrelation != "corr-1" {
		t.Errorf("X-Correlation-ID = %q, want corr-1", gotCorrelation)
	}
}

func TestTranscribeEmptyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "   "})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Transcribe(t.Context(), testSegment(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Status != StatusEmpty {
		t.Errorf("Status = %q, want %q", got.Status, StatusEmpty)
	}
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "third time lucky"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Transcribe(t.Context(), testSegment(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Transcript != "third time lucky" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("upstream calls = %d, want 3", n)
	}
}

func TestTranscribeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Transcribe(t.Context(), testSegment(t))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Transcribe() error = %v, want ErrUnavailable", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("upstream calls = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.Transcribe(t.Context(), testSegment(t)); err == nil {
		t.Fatal("Transcribe() error = nil, want error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestTranscribeBoundsLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"text": strings.Repeat("a", 5000)})
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithMaxTranscriptLen(100))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Transcribe(t.Context(), testSegment(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(got.Transcript) != 100 {
		t.Errorf("len(Transcript) = %d, want 100", len(got.Transcript))
	}
}

func TestTranscribeTruncatesOnRuneBoundary(t *testing.T) {
	// A 3-byte cap lands in the middle of the second two-byte é, so the
	// truncation must back off rather than emit a broken rune.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"text": strings.Repeat("é", 50)})
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithMaxTranscriptLen(3))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Transcribe(t.Context(), testSegment(t))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Transcript != "é" {
		t.Errorf("Transcript = %q, want %q", got.Transcript, "é")
	}
	if !utf8.ValidString(got.Transcript) {
		t.Errorf("Transcript = %q is not valid UTF-8", got.Transcript)
	}
}
