// Package app wires all skald subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems from config, Run serves until the context ends, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithTranscriber, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nordlys-ai/skald/internal/agent"
	"github.com/nordlys-ai/skald/internal/config"
	"github.com/nordlys-ai/skald/internal/health"
	"github.com/nordlys-ai/skald/internal/httpapi"
	"github.com/nordlys-ai/skald/internal/observe"
	"github.com/nordlys-ai/skald/internal/orchestrator"
	"github.com/nordlys-ai/skald/internal/resilience"
	"github.com/nordlys-ai/skald/internal/session"
	"github.com/nordlys-ai/skald/internal/tools"
	"github.com/nordlys-ai/skald/internal/transcript"
	"github.com/nordlys-ai/skald/internal/vad"
	"github.com/nordlys-ai/skald/pkg/adapter"
	fileadapter "github.com/nordlys-ai/skald/pkg/adapter/file"
	"github.com/nordlys-ai/skald/pkg/adapter/voicechat"
	"github.com/nordlys-ai/skald/pkg/adapter/webrtc"
	"github.com/nordlys-ai/skald/pkg/audio"
	"github.com/nordlys-ai/skald/pkg/client/guardrail"
	"github.com/nordlys-ai/skald/pkg/client/llm"
	"github.com/nordlys-ai/skald/pkg/client/stt"
	"github.com/nordlys-ai/skald/pkg/client/tts"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

// defaultVoiceSessionID names the session started for the configured
// adapter pair.
const defaultVoiceSessionID = "main"

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string
	log     *slog.Logger

	metrics  *observe.Metrics
	guard    guardrail.Validator
	stt      stt.Transcriber
	tts      tts.Synthesizer
	chat     llm.Provider
	store    session.Store
	pg       *session.PostgresStore
	mcpHost  *tools.MCPHost
	registry *tools.Registry

	summarizer *agent.Summarizer
	router     *agent.Router
	responder  *orchestrator.Responder
	manager    *orchestrator.Manager
	adapters   *adapter.Registry
	api        *httpapi.Server

	httpSrv *http.Server

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVersion sets the version reported by the capabilities endpoint
// and telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects metric instruments and skips global telemetry
// provider installation. Intended for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionStore injects a session store instead of creating one from
// config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTranscriber injects the STT client.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.stt = t }
}

// WithSynthesizer injects the TTS client.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.tts = s }
}

// WithChatProvider injects the LLM provider.
func WithChatProvider(p llm.Provider) Option {
	return func(a *App) { a.chat = p }
}

// WithValidator injects the guardrail validator.
func WithValidator(v guardrail.Validator) Option {
	return func(a *App) { a.guard = v }
}

// WithAdapterRegistry injects an adapter registry instead of the
// built-in file/voice-chat/webrtc set.
func WithAdapterRegistry(r *adapter.Registry) Option {
	return func(a *App) { a.adapters = r }
}

// New creates an App by wiring all subsystems together: telemetry,
// clients, tools, agents, the session store, the conversation pipeline,
// and the HTTP surface. Use Option functions to inject test doubles for
// any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		version: "dev",
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initClients(); err != nil {
		return nil, fmt.Errorf("app: init clients: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initAgents(); err != nil {
		return nil, fmt.Errorf("app: init agents: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}
	return a, nil
}

// initTelemetry installs the global OTel providers unless metrics were
// injected. With observability disabled, instruments record into a
// no-op provider.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	obs := a.cfg.Observability
	if obs.Enabled != nil && !*obs.Enabled {
		m, err := observe.NewMetrics(noop.NewMeterProvider())
		if err != nil {
			return err
		}
		a.metrics = m
		return nil
	}

	pcfg := observe.ProviderConfig{
		ServiceName:    obs.ServiceName,
		ServiceVersion: a.version,
		SampleRatio:    obs.SamplerRatio,
	}
	if obs.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(obs.OTLPEndpoint))
		if err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
		pcfg.TraceExporter = exp
	}

	shutdown, err := observe.InitProvider(ctx, pcfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initClients builds the external service clients that were not
// injected. STT and TTS are optional: without them the service runs in
// text-only mode and voice sessions refuse to start.
func (a *App) initClients() error {
	clients := a.cfg.Clients

	if a.guard == nil {
		gopts := []guardrail.Option{guardrail.WithLogger(a.log)}
		if clients.Guardrail.BaseURL != "" {
			gopts = append(gopts, guardrail.WithRemote(clients.Guardrail.BaseURL))
		}
		a.guard = guardrail.New(gopts...)
	}

	if a.stt == nil && clients.STT.BaseURL != "" {
		c, err := stt.New(clients.STT.BaseURL, stt.WithTimeout(clients.STTTimeout()))
		if err != nil {
			return err
		}
		a.stt = resilience.NewGuardedTranscriber(c, resilience.NewBreaker("stt"))
	}

	if a.tts == nil && clients.TTS.BaseURL != "" {
		topts := []tts.Option{
			tts.WithTimeout(clients.TTSTimeout()),
			tts.WithCache(clients.TTS.CacheSize, time.Duration(clients.TTS.CacheTTLS)*time.Second),
		}
		if a.cfg.Audio.LoudnormEnabled == nil || *a.cfg.Audio.LoudnormEnabled {
			topts = append(topts, tts.WithNormalizer(&audio.Normalizer{
				TargetLUFS: a.cfg.Audio.LoudnormI,
				TruePeakDB: a.cfg.Audio.LoudnormTP,
				LRA:        a.cfg.Audio.LoudnormLRA,
			}))
		}
		c, err := tts.New(clients.TTS.BaseURL, topts...)
		if err != nil {
			return err
		}
		a.tts = resilience.NewGuardedSynthesizer(c, resilience.NewBreaker("tts"))
	}

	if a.chat == nil && clients.LLM.APIKey != "" && clients.LLM.Model != "" {
		var popts []llm.OpenAIOption
		if clients.LLM.BaseURL != "" {
			popts = append(popts, llm.WithOpenAIBaseURL(clients.LLM.BaseURL))
		}
		primary, err := llm.NewOpenAI(clients.LLM.APIKey, clients.LLM.Model, popts...)
		if err != nil {
			return err
		}

		copts := []llm.Option{
			llm.WithTimeout(clients.LLMTimeout()),
			llm.WithLogger(a.log),
		}
		if fb := clients.LLM.Fallback; fb != nil {
			var fbOpts []anyllmlib.Option
			if fb.APIKey != "" {
				fbOpts = append(fbOpts, anyllmlib.WithAPIKey(fb.APIKey))
			}
			fallback, err := llm.NewAnyLLM(fb.Provider, fb.Model, fbOpts...)
			if err != nil {
				return err
			}
			copts = append(copts, llm.WithFallback(fallback))
		}

		client, err := llm.NewClient(
			resilience.NewGuardedChat(primary, resilience.NewBreaker("llm")),
			copts...,
		)
		if err != nil {
			return err
		}
		a.chat = client
	}

	return nil
}

// initTools assembles the tool registry from the builtins plus every
// configured MCP server's discovered tools.
func (a *App) initTools(ctx context.Context) error {
	toolset := []tools.Tool{tools.ClockTool(), tools.CalcTool()}

	if len(a.cfg.Tools.MCPServers) > 0 {
		a.mcpHost = tools.NewMCPHost()
		a.closers = append(a.closers, a.mcpHost.Close)

		for _, srv := range a.cfg.Tools.MCPServers {
			discovered, err := a.mcpHost.Connect(ctx, tools.MCPServerConfig{
				Name:       srv.Name,
				Transport:  srv.Transport,
				Command:    srv.Command,
				URL:        srv.URL,
				Env:        srv.Env,
				RatePerMin: srv.RatePerMin,
				Timeout:    time.Duration(srv.TimeoutMS) * time.Millisecond,
				Roles:      srv.Roles,
			})
			if err != nil {
				return err
			}
			toolset = append(toolset, discovered...)
			a.log.Info("connected mcp server",
				slog.String("name", srv.Name),
				slog.Int("tools", len(discovered)))
		}
	}

	registry, err := tools.NewRegistry(toolset...)
	if err != nil {
		return err
	}
	a.registry = registry
	return nil
}

// initAgents registers the agent set and builds the router. With
// routing disabled only the default agent is registered, so every turn
// lands on it.
func (a *App) initAgents() error {
	available := map[string]agent.Agent{
		"echo":   agent.NewEcho(),
		"intent": agent.NewIntent(),
	}
	order := []string{"echo", "intent"}

	if a.chat != nil {
		a.summarizer = agent.NewSummarizer(a.chat)
		available["summarizer"] = a.summarizer

		convOpts := []agent.ConversationalOption{agent.WithToolRegistry(a.registry)}
		if a.cfg.Agents.SystemPrompt != "" {
			convOpts = append(convOpts, agent.WithSystemPrompt(a.cfg.Agents.SystemPrompt))
		}
		available["conversational"] = agent.NewConversational(a.chat, convOpts...)
		order = append(order, "summarizer", "conversational")
	}

	registry := agent.NewRegistry()
	routing := a.cfg.Agents.RoutingEnabled == nil || *a.cfg.Agents.RoutingEnabled
	if routing {
		for _, name := range order {
			if err := registry.Register(available[name]); err != nil {
				return err
			}
		}
	} else {
		only, ok := available[a.cfg.Agents.Default]
		if !ok {
			return fmt.Errorf("default agent %q is not available", a.cfg.Agents.Default)
		}
		if err := registry.Register(only); err != nil {
			return err
		}
	}
	if _, ok := registry.Get(a.cfg.Agents.Default); !ok {
		return fmt.Errorf("default agent %q is not available", a.cfg.Agents.Default)
	}

	a.router = agent.NewRouter(registry,
		agent.WithDefaultAgent(a.cfg.Agents.Default),
		agent.WithBudget(a.cfg.Agents.AgentTimeout()),
		agent.WithRouterLogger(a.log),
	)
	a.log.Info("agents registered", slog.Any("agents", registry.Names()))
	return nil
}

// initStore selects the session store: Postgres when a DSN is
// configured, in-memory otherwise. The summarizer agent doubles as the
// context compactor when an LLM is available.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	sessions := a.cfg.Sessions
	if sessions.PostgresDSN != "" {
		popts := []session.PostgresOption{
			session.WithPostgresTTL(sessions.SessionTTL()),
			session.WithPostgresMaxTurns(sessions.ContextMaxTurns),
		}
		if a.summarizer != nil {
			popts = append(popts, session.WithPostgresSummarizer(a.summarizer))
		}
		store, err := session.NewPostgresStore(ctx, sessions.PostgresDSN, popts...)
		if err != nil {
			return err
		}
		a.pg = store
		a.store = store
	} else {
		mopts := []session.MemoryOption{
			session.WithTTL(sessions.SessionTTL()),
			session.WithMaxSessions(sessions.Max),
			session.WithMaxTurns(sessions.ContextMaxTurns),
			session.WithLogger(a.log),
		}
		if a.summarizer != nil {
			mopts = append(mopts, session.WithSummarizer(a.summarizer))
		}
		a.store = session.NewMemoryStore(mopts...)
	}

	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initPipeline wires the responder, the adapter registry, and the voice
// session manager.
func (a *App) initPipeline() error {
	ropts := []orchestrator.ResponderOption{
		orchestrator.WithTools(a.registry),
		orchestrator.WithResponderLogger(a.log),
	}
	if len(a.cfg.Agents.Keywords) > 0 {
		ropts = append(ropts, orchestrator.WithCorrector(transcript.NewCorrector(a.cfg.Agents.Keywords)))
	}
	responder, err := orchestrator.NewResponder(a.router, a.guard, a.store, a.metrics, ropts...)
	if err != nil {
		return err
	}
	a.responder = responder

	if a.adapters == nil {
		a.adapters = adapter.NewRegistry()
		a.adapters.RegisterInput(string(config.AdapterFile), fileadapter.NewInput)
		a.adapters.RegisterOutput(string(config.AdapterFile), fileadapter.NewOutput)
		a.adapters.RegisterInput(string(config.AdapterVoiceChat), voicechat.NewInput)
		a.adapters.RegisterOutput(string(config.AdapterVoiceChat), voicechat.NewOutput)
		a.adapters.RegisterInput(string(config.AdapterWebRTC), webrtc.NewInput)
		a.adapters.RegisterOutput(string(config.AdapterWebRTC), webrtc.NewOutput)
	}

	a.manager = orchestrator.NewManager(a.buildSession, a.log)
	return nil
}

// buildSession is the session factory handed to the manager: fresh
// adapters and detector per session, shared clients and responder.
func (a *App) buildSession(sc orchestrator.SessionConfig) (*orchestrator.Session, error) {
	if a.stt == nil || a.tts == nil {
		return nil, errors.New("app: voice sessions require configured stt and tts clients")
	}

	in, err := a.adapters.NewInput(
		string(a.cfg.Adapters.Input.Name),
		adapter.Settings(a.cfg.Adapters.Input.Settings),
	)
	if err != nil {
		return nil, err
	}
	out, err := a.adapters.NewOutput(
		string(a.cfg.Adapters.Output.Name),
		adapter.Settings(a.cfg.Adapters.Output.Settings),
	)
	if err != nil {
		return nil, err
	}
	detector, err := vad.NewEnergyDetector(a.cfg.Audio.VADAggressiveness)
	if err != nil {
		return nil, err
	}

	sc.VAD = vad.Config{
		PaddingMS:           a.cfg.Audio.VADPaddingMS,
		MinSegmentMS:        a.cfg.Audio.VADMinSegmentMS,
		MaxSegmentMS:        a.cfg.Audio.VADMaxSegmentMS,
		DegradedPassthrough: a.cfg.Audio.VADDegradedPassthrough,
	}
	sc.JitterTarget = a.cfg.Audio.JitterTargetFrames
	sc.JitterMax = a.cfg.Audio.JitterMaxFrames
	if sc.Voice == "" {
		sc.Voice = a.cfg.Clients.TTS.Voice
	}

	return orchestrator.NewSession(sc, orchestrator.Deps{
		Input:     in,
		Output:    out,
		Detector:  detector,
		STT:       a.stt,
		TTS:       a.tts,
		Responder: a.responder,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
}

// initHTTP assembles the API server with its health checkers and the
// Prometheus scrape handler.
func (a *App) initHTTP() error {
	hopts := []httpapi.Option{httpapi.WithRegistry(a.adapters)}
	if a.tts != nil {
		hopts = append(hopts, httpapi.WithSpeaker(&speaker{
			tts:      a.tts,
			adapters: a.adapters,
			output:   a.cfg.Adapters.Output,
			voice:    a.cfg.Clients.TTS.Voice,
		}))
	}

	api, err := httpapi.NewServer(
		httpapi.Config{
			Version:   a.version,
			Tokens:    a.cfg.Auth.BearerTokens,
			RateLimit: a.cfg.Auth.RateLimitPerClient,
		},
		a.responder,
		health.New(a.checkers()...),
		promhttp.Handler(),
		a.metrics,
		hopts...,
	)
	if err != nil {
		return err
	}
	a.api = api
	return nil
}

// checkers derives the readiness probes from what is configured. The
// session store and transcription are required; synthesis and the guard
// service only degrade readiness because both have fallbacks (apology
// rotation and the local policy).
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.pg != nil {
		cs = append(cs, health.Checker{Name: "postgres", Required: true, Check: a.pg.Ping})
	}
	if url := a.cfg.Clients.STT.BaseURL; url != "" {
		cs = append(cs, health.Checker{Name: "stt", Required: true, Check: httpCheck(url)})
	}
	if url := a.cfg.Clients.TTS.BaseURL; url != "" {
		cs = append(cs, health.Checker{Name: "tts", Required: false, Check: httpCheck(url)})
	}
	if url := a.cfg.Clients.Guardrail.BaseURL; url != "" {
		cs = append(cs, health.Checker{Name: "guardrail", Required: false, Check: httpCheck(url)})
	}
	return cs
}

// httpCheck probes a service's health endpoint. Any response below 500
// counts as reachable.
func httpCheck(baseURL string) func(ctx context.Context) error {
	url := baseURL + "/health"
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}

// Run serves HTTP and, when STT and TTS are configured, starts the
// default voice session over the configured adapters. It blocks until
// ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	a.log.Info("http server listening", slog.String("addr", a.cfg.Server.ListenAddr))

	if a.stt != nil && a.tts != nil {
		err := a.manager.Start(ctx, orchestrator.SessionConfig{
			SessionID: defaultVoiceSessionID,
			Channel:   string(a.cfg.Adapters.Input.Name),
		})
		if err != nil {
			a.log.Warn("voice session not started", slog.String("error", err.Error()))
		}
	} else {
		a.log.Info("running in text-only mode")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

// StartSession launches an additional voice session over the configured
// adapters.
func (a *App) StartSession(ctx context.Context, cfg orchestrator.SessionConfig) error {
	return a.manager.Start(ctx, cfg)
}

// StopSession ends one voice session and waits for it to drain.
func (a *App) StopSession(id string) error {
	return a.manager.Stop(id)
}

// Sessions returns the IDs of live voice sessions.
func (a *App) Sessions() []string {
	return a.manager.Active()
}

// Reload applies the hot-reloadable subset of a config change: the
// transcript keyword vocabulary, the bearer token set, and the
// per-client rate limit. The caller owns log level changes.
func (a *App) Reload(oldCfg, newCfg *config.Config) {
	d := config.Compare(oldCfg, newCfg)
	if d.KeywordsChanged {
		if len(d.NewKeywords) == 0 {
			a.responder.SetCorrector(nil)
		} else {
			a.responder.SetCorrector(transcript.NewCorrector(d.NewKeywords))
		}
		a.log.Info("keyword vocabulary reloaded", slog.Int("keywords", len(d.NewKeywords)))
	}
	if d.TokensChanged || d.RateLimitChanged {
		a.api.UpdateAuth(newCfg.Auth.BearerTokens, newCfg.Auth.RateLimitPerClient)
		a.log.Info("auth settings reloaded",
			slog.Int("tokens", len(newCfg.Auth.BearerTokens)),
			slog.Int("rate_limit", newCfg.Auth.RateLimitPerClient))
	}
}

// Shutdown stops the HTTP server, drains voice sessions, and tears
// down all subsystems in order. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", slog.Int("closers", len(a.closers)))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", slog.String("error", err.Error()))
			}
		}

		grace := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < grace {
				grace = remaining
			}
		}
		a.manager.StopAll(grace)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", slog.Int("remaining", len(a.closers)-i))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", slog.Int("index", i), slog.String("error", err.Error()))
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
