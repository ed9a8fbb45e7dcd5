// Package observe provides application-wide observability for skald:
// OpenTelemetry metrics, tracing, correlation IDs, and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OTel Metrics API and exported over
// a Prometheus bridge (see [InitProvider]) so /metrics keeps working.
// A package-level default [Metrics] ([DefaultMetrics]) exists for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all skald metrics.
const meterName = "github.com/nordlys-ai/skald"

// Metrics holds every metric instrument the pipeline records into. All
// fields are safe for concurrent use.
type Metrics struct {
	// --- Stage latency histograms ---

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks model inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks end-of-speech to first output frame.
	PipelineDuration metric.Float64Histogram

	// ToolDuration tracks external tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Pipeline counters ---

	// FramesProcessed counts frames accepted into the pipeline.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts dropped frames. Attribute: reason.
	FramesDropped metric.Int64Counter

	// SegmentsCreated counts speech segments emitted by the VAD.
	SegmentsCreated metric.Int64Counter

	// STTRequests counts transcription requests. Attribute: status.
	STTRequests metric.Int64Counter

	// TTSRequests counts synthesis requests. Attribute: status.
	TTSRequests metric.Int64Counter

	// LLMRequests counts model requests. Attribute: status.
	LLMRequests metric.Int64Counter

	// AgentInvocations counts routed agent calls. Attribute: agent.
	AgentInvocations metric.Int64Counter

	// GuardrailBlocks counts blocked texts. Attribute: reason.
	GuardrailBlocks metric.Int64Counter

	// ToolInvocations counts tool calls. Attributes: tool, status.
	ToolInvocations metric.Int64Counter

	// BargeIns counts playback interruptions by new speech.
	BargeIns metric.Int64Counter

	// Panics counts recovered worker panics.
	Panics metric.Int64Counter

	// --- Gauges ---

	// JitterDepth tracks buffered frames across jitter buffers.
	JitterDepth metric.Int64UpDownCounter

	// ActiveSessions tracks live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) sized for voice
// pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "skald.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "skald.llm.duration", "Latency of model inference."},
		{&met.TTSDuration, "skald.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.PipelineDuration, "skald.pipeline.duration", "End of speech to first output frame."},
		{&met.ToolDuration, "skald.tool.duration", "Latency of external tool execution."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesProcessed, "skald.frames.processed", "Frames accepted into the pipeline."},
		{&met.FramesDropped, "skald.frames.dropped", "Frames dropped, by reason."},
		{&met.SegmentsCreated, "skald.segments.created", "Speech segments emitted by the VAD."},
		{&met.STTRequests, "skald.stt.requests", "Transcription requests, by status."},
		{&met.TTSRequests, "skald.tts.requests", "Synthesis requests, by status."},
		{&met.LLMRequests, "skald.llm.requests", "Model requests, by status."},
		{&met.AgentInvocations, "skald.agent.invocations", "Agent dispatches, by agent name."},
		{&met.GuardrailBlocks, "skald.guardrail.blocks", "Guardrail blocks, by reason."},
		{&met.ToolInvocations, "skald.tool.invocations", "Tool calls, by tool and status."},
		{&met.BargeIns, "skald.barge_ins", "Playback interruptions by new speech."},
		{&met.Panics, "skald.panics", "Recovered worker panics."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.JitterDepth, err = m.Int64UpDownCounter("skald.jitter.depth",
		metric.WithDescription("Frames currently buffered across jitter buffers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("skald.sessions.active",
		metric.WithDescription("Live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("skald.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first
// call from the global meter provider. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrameDropped increments the drop counter with its reason
// ("overflow", "underrun", "malformed", ...).
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSTTRequest increments the transcription counter.
func (m *Metrics) RecordSTTRequest(ctx context.Context, status string) {
	m.STTRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordTTSRequest increments the synthesis counter.
func (m *Metrics) RecordTTSRequest(ctx context.Context, status string) {
	m.TTSRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordLLMRequest increments the model request counter.
func (m *Metrics) RecordLLMRequest(ctx context.Context, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordAgentInvocation increments the dispatch counter for one agent.
func (m *Metrics) RecordAgentInvocation(ctx context.Context, agent string) {
	m.AgentInvocations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordGuardrailBlock increments the block counter with its reason.
func (m *Metrics) RecordGuardrailBlock(ctx context.Context, reason string) {
	m.GuardrailBlocks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolInvocation increments the tool counter.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, status string) {
	m.ToolInvocations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		))
}
