package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestSessionID(t *testing.T) {
	t.Parallel()
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	ctx := WithSessionID(context.Background(), "s-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSessionID(context.Background(), "s-42")
	ctx, span := StartSpan(ctx, "peer.respond")
	if CorrelationID(ctx) == "" {
		t.Error("span has no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "peer.respond" {
		t.Fatalf("spans = %+v", spans)
	}
	var found bool
	for _, a := range spans[0].Attributes {
		if a.Key == SessionAttr && a.Value.AsString() == "s-42" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing session id", spans[0].Attributes)
	}
}

func TestStartSpan_NoSession(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(context.Background(), "check")
	span.End()
	for _, a := range exp.GetSpans()[0].Attributes {
		if a.Key == SessionAttr {
			t.Errorf("unexpected session attribute %v", a)
		}
	}
}

func TestCorrelationID_UniquePerTrace(t *testing.T) {
	useTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || seen[cid] {
			t.Fatalf("bad or duplicate correlation id %q", cid)
		}
		seen[cid] = true
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestEnrich(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background,
			notWant: []string{"session_id", "trace_id"},
		},
		{
			name:    "session only",
			ctx:     func() context.Context { return WithSessionID(context.Background(), "abc") },
			want:    []string{"session_id=abc"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func() context.Context {
				ctx, span := StartSpan(WithSessionID(context.Background(), "abc"), "turn")
				t.Cleanup(func() { span.End() })
				return ctx
			},
			want: []string{"session_id=abc", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := bufferLogger()
			Enrich(tt.ctx(), l).Info("peer: turn")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
