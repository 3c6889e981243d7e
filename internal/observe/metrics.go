// Package observe holds the telemetry shared by the voice client and the
// reference peer: OpenTelemetry instruments, session-aware tracing, slog
// enrichment and the HTTP middleware that ties them together.
//
// Instruments are created against whatever [metric.MeterProvider] is passed
// to [NewMetrics]. [InitProvider] installs a Prometheus-backed provider
// globally, and [DefaultMetrics] binds to it on first use. Tests build their
// own Metrics over a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicecoach"

// Stage names a leg of the voice pipeline for [Metrics.ObserveStage].
type Stage string

const (
	// StageSTT runs from detected speech start to the final transcript.
	StageSTT Stage = "stt"
	// StageLLM runs from the completion request to its first token.
	StageLLM Stage = "llm"
	// StageTTS runs from the first sentence sent to synthesis to its
	// first audio.
	StageTTS Stage = "tts"
	// StageTurn runs from the final transcript to the first assistant
	// audio. Both ends of the connection record it, labelled by side.
	StageTurn Stage = "turn"
)

// Side labels which end of a connection recorded a measurement.
type Side string

const (
	SideClient Side = "client"
	SidePeer   Side = "peer"
)

// Metrics is the set of instruments both binaries record into. Prefer the
// Record and Observe helpers over the raw fields so attribute names stay
// consistent.
type Metrics struct {
	// StageDuration is labelled with stage and side.
	StageDuration metric.Float64Histogram

	ProviderRequests metric.Int64Counter // provider, kind, status
	ProviderErrors   metric.Int64Counter // provider, kind

	Turns           metric.Int64Counter // speaker
	BargeIns        metric.Int64Counter
	Reconnects      metric.Int64Counter // outcome
	MalformedFrames metric.Int64Counter // side
	DroppedAudio    metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with method, route and status. For
	// /ws it spans the whole session.
	HTTPRequestDuration metric.Float64Histogram
}

// Bucket bounds in seconds. Conversational latency matters between roughly
// 100ms and a few seconds.
var stageBuckets = []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.StageDuration, err = meter.Float64Histogram("voicecoach.stage.duration",
		metric.WithDescription("Voice pipeline latency by stage and side."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}

	for _, c := range []struct {
		dst        *metric.Int64Counter
		name, desc string
	}{
		{&met.ProviderRequests, "voicecoach.provider.requests", "Provider calls by provider, kind and status."},
		{&met.ProviderErrors, "voicecoach.provider.errors", "Provider failures by provider and kind."},
		{&met.Turns, "voicecoach.turns", "Committed conversation turns by speaker."},
		{&met.BargeIns, "voicecoach.barge_ins", "User interruptions of assistant speech."},
		{&met.Reconnects, "voicecoach.transport.reconnects", "Transport reconnect attempts by outcome."},
		{&met.MalformedFrames, "voicecoach.protocol.malformed_frames", "Dropped malformed frames by side."},
		{&met.DroppedAudio, "voicecoach.audio.dropped_frames", "Microphone frames dropped on a full send queue."},
	} {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = meter.Int64UpDownCounter("voicecoach.active_sessions",
		metric.WithDescription("Live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = meter.Float64Histogram("voicecoach.http.request.duration",
		metric.WithDescription("HTTP request time by method, route and status."),
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

// DefaultMetrics returns a process-wide Metrics bound to the global meter
// provider at first call. Call [InitProvider] before it if the instruments
// should be exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ObserveStage records d for stage as measured on side.
func (m *Metrics) ObserveStage(ctx context.Context, stage Stage, side Side, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("side", string(side)),
	))
}

// RecordProviderRequest counts one provider call. status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordTurn counts a committed turn for speaker ("user" or "ai").
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordReconnect counts a reconnect attempt. outcome is "ok", "failed" or
// "exhausted".
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordMalformedFrame(ctx context.Context, side Side) {
	m.MalformedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(side))))
}

func (m *Metrics) RecordDroppedAudio(ctx context.Context) {
	m.DroppedAudio.Add(ctx, 1)
}

// TrackSession counts a live session until the returned func is called.
// The decrement ignores cancellation of ctx.
func (m *Metrics) TrackSession(ctx context.Context) (done func()) {
	m.ActiveSessions.Add(ctx, 1)
	var once sync.Once
	return func() {
		once.Do(func() { m.ActiveSessions.Add(context.WithoutCancel(ctx), -1) })
	}
}
