// Package httpapi exposes the service's HTTP surface: the text-path
// entry into the conversation pipeline, adapter-facing notifications,
// outbound messages, capability discovery, health probes, and the
// Prometheus metrics endpoint.
//
// All /api/v1 routes sit behind the observe middleware, bearer-token
// authentication, and a per-client token bucket. Errors share one JSON
// shape: {"success": false, "reason": "<kind>", "correlation_id": "…"}.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nordlys-ai/skald/internal/health"
	"github.com/nordlys-ai/skald/internal/observe"
	"github.com/nordlys-ai/skald/internal/orchestrator"
	"github.com/nordlys-ai/skald/pkg/adapter"
)

// maxBodyBytes bounds request bodies; transcripts are short by nature.
const maxBodyBytes = 64 << 10

// Config tunes the HTTP surface.
type Config struct {
	// Version is reported by the capabilities endpoint.
	Version string

	// Tokens is the accepted bearer token set. Empty disables
	// authentication; intended for local development only.
	Tokens []string

	// RateLimit is the number of requests each client may make per
	// RateWindow. Zero means DefaultRateLimit.
	RateLimit int
}

// Server serves the skald HTTP API.
type Server struct {
	cfg       Config
	responder *orchestrator.Responder
	registry  *adapter.Registry
	health    *health.Handler
	promo     http.Handler
	metrics   *observe.Metrics
	speak     Speaker

	auth     *authenticator
	throttle *throttler
}

// Speaker delivers an outbound message to an adapter channel. The
// composition root implements it over TTS plus the adapter registry;
// the API only knows the contract.
type Speaker interface {
	Speak(ctx context.Context, channel, text, voice string) error
}

// NewServer wires the HTTP surface. Responder, health handler, metrics
// handler, and observe metrics are required; registry and speaker are
// optional and disable their endpoints' richer behavior when absent.
func NewServer(cfg Config, responder *orchestrator.Responder, h *health.Handler, prom http.Handler, metrics *observe.Metrics, opts ...Option) (*Server, error) {
	if responder == nil || h == nil || prom == nil || metrics == nil {
		return nil, errors.New("httpapi: responder, health, prometheus handler, and metrics are required")
	}
	s := &Server{
		cfg:       cfg,
		responder: responder,
		health:    h,
		promo:     prom,
		metrics:   metrics,
	}
	for _, o := range opts {
		o(s)
	}
	s.auth = newAuthenticator(cfg.Tokens)
	s.throttle = newThrottler(cfg.RateLimit)
	return s, nil
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithRegistry enables adapter name discovery in the capabilities
// endpoint.
func WithRegistry(r *adapter.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithSpeaker enables the outbound messages endpoint.
func WithSpeaker(sp Speaker) Option {
	return func(s *Server) { s.speak = sp }
}

// UpdateAuth swaps the accepted bearer tokens and the per-client rate
// limit at runtime, for config hot reload. Existing rate buckets reset.
func (s *Server) UpdateAuth(tokens []string, rateLimit int) {
	s.auth.setTokens(tokens)
	s.throttle.setLimit(rateLimit)
}

// Handler builds the full route tree with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/transcripts", s.handleTranscript)
	api.HandleFunc("POST /api/v1/notifications/transcript", s.handleNotification)
	api.HandleFunc("POST /api/v1/messages", s.handleMessage)
	api.HandleFunc("GET /api/v1/capabilities", s.handleCapabilities)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", s.auth.wrap(s.throttle.wrap(api, s.writeError), s.writeError))
	mux.Handle("GET /metrics", s.promo)
	s.health.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// transcriptRequest is the body of the transcript and notification
// endpoints.
type transcriptRequest struct {
	Transcript    string            `json:"transcript"`
	UserID        string            `json:"user_id"`
	ChannelID     string            `json:"channel_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// replyBody is the success response of the transcript endpoint.
type replyBody struct {
	Success       bool     `json:"success"`
	ResponseText  string   `json:"response_text,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	Actions       []string `json:"actions,omitempty"`
	Blocked       bool     `json:"blocked,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	CorrelationID string   `json:"correlation_id"`
}

// errorBody is the shared error response shape.
type errorBody struct {
	Success       bool   `json:"success"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
}

// handleTranscript runs one text turn through the full pipeline and
// returns the reply. An empty transcript is not an error; it yields
// success with empty text, matching the voice path where silence
// produces no segments.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	req, ctx, ok := s.decodeTranscript(w, r)
	if !ok {
		return
	}
	reply, err := s.responder.Respond(ctx, turnFrom(req))
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, "turn_failed")
		return
	}
	writeJSON(w, http.StatusOK, replyBody{
		Success:       true,
		ResponseText:  reply.Text,
		Agent:         reply.Agent,
		Actions:       reply.Actions,
		Blocked:       reply.Blocked,
		Reason:        reply.Reason,
		CorrelationID: observe.CorrelationID(ctx),
	})
}

// handleNotification accepts an adapter-side transcript without waiting
// for a spoken reply. The turn still runs so context and logs stay
// complete; the caller only learns whether it was accepted.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	req, ctx, ok := s.decodeTranscript(w, r)
	if !ok {
		return
	}
	if _, err := s.responder.Respond(ctx, turnFrom(req)); err != nil {
		s.writeError(w, r, http.StatusBadGateway, "turn_failed")
		return
	}
	writeJSON(w, http.StatusAccepted, replyBody{
		Success:       true,
		CorrelationID: observe.CorrelationID(ctx),
	})
}

// turnFrom maps a request onto a pipeline turn. One session per
// user/channel pair keeps follow-up requests in the same conversation.
func turnFrom(req transcriptRequest) orchestrator.Turn {
	return orchestrator.Turn{
		SessionID:  req.UserID + "/" + req.ChannelID,
		Owner:      req.UserID,
		Channel:    req.ChannelID,
		Transcript: req.Transcript,
	}
}

// messageRequest is the body of the outbound messages endpoint.
type messageRequest struct {
	ChannelID     string            `json:"channel_id"`
	Content       string            `json:"content"`
	Voice         string            `json:"voice,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// messageBody is the success response of the messages endpoint.
type messageBody struct {
	Success       bool   `json:"success"`
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
}

// handleMessage synthesizes text and plays it to an adapter channel.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.speak == nil {
		s.writeError(w, r, http.StatusNotImplemented, "messages_unsupported")
		return
	}
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}
	if strings.TrimSpace(req.Content) == "" || req.ChannelID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}
	ctx := correlate(r.Context(), req.CorrelationID)
	if err := s.speak.Speak(ctx, req.ChannelID, req.Content, req.Voice); err != nil {
		s.writeError(w, r, http.StatusBadGateway, "delivery_failed")
		return
	}
	writeJSON(w, http.StatusOK, messageBody{
		Success:       true,
		MessageID:     uuid.NewString(),
		CorrelationID: observe.CorrelationID(ctx),
	})
}

// operation describes one API operation for capability discovery.
type operation struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

// capabilities is the body of the capabilities endpoint.
type capabilities struct {
	Service    string      `json:"service"`
	Version    string      `json:"version"`
	Operations []operation `json:"operations"`
	Inputs     []string    `json:"input_adapters,omitempty"`
	Outputs    []string    `json:"output_adapters,omitempty"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := capabilities{
		Service: "skald",
		Version: s.cfg.Version,
		Operations: []operation{
			{Name: "transcripts", Method: "POST", Path: "/api/v1/transcripts"},
			{Name: "notifications", Method: "POST", Path: "/api/v1/notifications/transcript"},
			{Name: "messages", Method: "POST", Path: "/api/v1/messages"},
			{Name: "capabilities", Method: "GET", Path: "/api/v1/capabilities"},
		},
	}
	if s.registry != nil {
		caps.Inputs = s.registry.InputNames()
		caps.Outputs = s.registry.OutputNames()
	}
	writeJSON(w, http.StatusOK, caps)
}

// decodeTranscript reads and validates the shared transcript body. The
// transcript itself may be empty; user and channel identify the
// session and are required.
func (s *Server) decodeTranscript(w http.ResponseWriter, r *http.Request) (transcriptRequest, context.Context, bool) {
	var req transcriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request")
		return req, r.Context(), false
	}
	if req.UserID == "" || req.ChannelID == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request")
		return req, r.Context(), false
	}
	return req, correlate(r.Context(), req.CorrelationID), true
}

// correlate adopts a caller-supplied correlation id so the response and
// all downstream logs carry it.
func correlate(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return observe.WithCorrelationID(ctx, id)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, reason string) {
	writeJSON(w, status, errorBody{
		Success:       false,
		Reason:        reason,
		CorrelationID: observe.CorrelationID(r.Context()),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false,"reason":"encode_failed"}`, http.StatusInternalServerError)
	}
}
