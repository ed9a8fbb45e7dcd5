package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestLive_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/health/live", nil)
	rec := httptest.NewRecorder()
	h.Live(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusHealthy {
		t.Errorf("status = %q, want %q", body.Status, StatusHealthy)
	}
}

func TestLive_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/health/live", nil)
	rec := httptest.NewRecorder()
	h.Live(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReady_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Required: true, Check: func(_ context.Context) error { return nil }},
		Checker{Name: "stt", Required: true, Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusHealthy {
		t.Errorf("status = %q, want %q", body.Status, StatusHealthy)
	}
	if body.Dependencies["postgres"] != "ok" {
		t.Errorf("postgres = %q, want %q", body.Dependencies["postgres"], "ok")
	}
	if body.Dependencies["stt"] != "ok" {
		t.Errorf("stt = %q, want %q", body.Dependencies["stt"], "ok")
	}
}

func TestReady_RequiredCheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Required: true, Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "stt", Required: true, Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusUnhealthy {
		t.Errorf("status = %q, want %q", body.Status, StatusUnhealthy)
	}
	if body.Dependencies["postgres"] != "fail: connection refused" {
		t.Errorf("postgres = %q, want the failure named", body.Dependencies["postgres"])
	}
	if body.Dependencies["stt"] != "ok" {
		t.Errorf("stt = %q, want %q", body.Dependencies["stt"], "ok")
	}
}

func TestReady_OptionalCheckerFailsDegrades(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Required: true, Check: func(_ context.Context) error { return nil }},
		Checker{Name: "guardrail", Check: func(_ context.Context) error {
			return errors.New("unreachable")
		}},
	)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d for a degraded service", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusDegraded {
		t.Errorf("status = %q, want %q", body.Status, StatusDegraded)
	}
	if body.Dependencies["guardrail"] != "fail: unreachable" {
		t.Errorf("guardrail = %q, want the failure named", body.Dependencies["guardrail"])
	}
}

func TestReady_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusHealthy {
		t.Errorf("status = %q, want %q", body.Status, StatusHealthy)
	}
}

func TestReady_MixedFailures(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Required: true, Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "guardrail", Check: func(_ context.Context) error {
			return errors.New("unreachable")
		}},
	)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusUnhealthy {
		t.Errorf("status = %q, want %q", body.Status, StatusUnhealthy)
	}
	if body.Dependencies["postgres"] != "fail: timeout" {
		t.Errorf("postgres = %q", body.Dependencies["postgres"])
	}
	if body.Dependencies["guardrail"] != "fail: unreachable" {
		t.Errorf("guardrail = %q", body.Dependencies["guardrail"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Required: true, Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReady_RunsCheckersConcurrently(t *testing.T) {
	// Each check waits for the other to begin; sequential evaluation
	// would stall the first check until its timeout and fail the probe.
	var began sync.WaitGroup
	began.Add(2)
	bothStarted := make(chan struct{})
	go func() {
		began.Wait()
		close(bothStarted)
	}()

	check := func(ctx context.Context) error {
		began.Done()
		select {
		case <-bothStarted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "a", Required: true, Check: check},
		Checker{Name: "b", Required: true, Check: check},
	)

	req := httptest.NewRequest("GET", "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReady_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Required: true, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/health/ready", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
