package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clk := newFakeClock()
	b := NewBreaker("test", cfg, discard())
	b.now = clk.Now
	return b, clk
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker("x", BreakerConfig{}, nil)
	want := BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second, HalfOpenMax: 1}
	if b.cfg != want {
		t.Errorf("cfg = %+v, want %+v", b.cfg, want)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := range 3 {
		if err := b.Do(fail); !errors.Is(err, errTest) {
			t.Fatalf("call %d: err = %v, want errTest", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the circuit was open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})

	_ = b.Do(fail)
	_ = b.Do(fail)
	_ = b.Do(succeed)
	_ = b.Do(fail)
	_ = b.Do(fail)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed; failures were not consecutive", b.State())
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure reopens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, clk := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
			_ = b.Do(fail)

			clk.Advance(time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", b.State())
			}
			_ = b.Do(tt.trial)
			if got := b.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_HalfOpenTrialBudget(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 2})
	_ = b.Do(fail)
	clk.Advance(time.Second)

	// Hold one trial in flight and use the second; a third call is rejected.
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error { <-release; return nil })
	}()
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.trials == 1
	})
	if err := b.Do(succeed); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if err := b.Do(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third call err = %v, want ErrCircuitOpen", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after two successful trials", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})

	err := b.Do(func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = b.Do(fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}
