package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicecoach/internal/observe"
)

func newGroup(cfg BreakerConfig, names ...string) *Group[string] {
	g := NewGroup[string]("llm", cfg, WithLogger(discard()))
	for _, n := range names {
		g.Add(n, n)
	}
	return g
}

// failing returns a call that fails for the named members.
func failing(names ...string) func(string) (string, error) {
	return func(v string) (string, error) {
		for _, n := range names {
			if v == n {
				return "", errTest
			}
		}
		return v, nil
	}
}

func TestCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    []string
		want    string
		wantErr bool
	}{
		{"primary succeeds", nil, "primary", false},
		{"falls back to secondary", []string{"primary"}, "secondary", false},
		{"falls back to last", []string{"primary", "secondary"}, "tertiary", false},
		{"all fail", []string{"primary", "secondary", "tertiary"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newGroup(BreakerConfig{}, "primary", "secondary", "tertiary")
			got, err := Call(t.Context(), g, failing(tt.fail...))
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
				if !errors.Is(err, errTest) {
					t.Errorf("err = %v, want it to wrap the last failure", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("served by %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCall_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	g := newGroup(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}, "primary", "secondary")

	for range 2 {
		if _, err := Call(t.Context(), g, failing("primary")); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if s := g.States()["primary"]; s != StateOpen {
		t.Fatalf("primary state = %v, want open", s)
	}

	var tried []string
	_, err := Call(t.Context(), g, func(v string) (string, error) {
		tried = append(tried, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if strings.Join(tried, ",") != "secondary" {
		t.Errorf("tried = %v, want only secondary", tried)
	}
}

func TestCall_CancelledContextStops(t *testing.T) {
	t.Parallel()
	g := newGroup(BreakerConfig{}, "primary", "secondary")
	ctx, cancel := context.WithCancel(t.Context())

	var tried []string
	_, err := Call(ctx, g, func(v string) (string, error) {
		tried = append(tried, v)
		cancel()
		return "", errTest
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want the walk to stop after cancellation", tried)
	}
}

func TestCall_EmptyGroup(t *testing.T) {
	t.Parallel()
	g := NewGroup[string]("tts", BreakerConfig{})
	if _, err := Call(t.Context(), g, failing()); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestGroup_Healthy(t *testing.T) {
	t.Parallel()
	g := newGroup(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}, "primary", "secondary")

	if err := g.Healthy(t.Context()); err != nil {
		t.Fatalf("fresh group unhealthy: %v", err)
	}

	_, _ = Call(t.Context(), g, failing("primary"))
	if err := g.Healthy(t.Context()); err != nil {
		t.Errorf("one open circuit should still be healthy, got: %v", err)
	}

	_, _ = Call(t.Context(), g, failing("secondary"))
	err := g.Healthy(t.Context())
	if err == nil {
		t.Fatal("expected unhealthy with every circuit open")
	}
	if !strings.Contains(err.Error(), "primary, secondary") {
		t.Errorf("err = %q, want both names", err)
	}
}

func TestCall_RecordsProviderErrors(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	g := NewGroup[string]("stt", BreakerConfig{}, WithLogger(discard()), WithMetrics(m))
	g.Add("deepgram", "deepgram")
	g.Add("backup", "backup")
	if _, err := Call(t.Context(), g, failing("deepgram")); err != nil {
		t.Fatalf("Call: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicecoach.provider.errors" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("provider"); ok && v.AsString() == "deepgram" {
					total += dp.Value
				}
			}
		}
	}
	if total != 1 {
		t.Errorf("provider errors for deepgram = %d, want 1", total)
	}
}
