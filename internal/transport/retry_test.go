package transport_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/internal/transport"
)

func TestRetryPolicy_Next(t *testing.T) {
	p := transport.RetryPolicy{MaxAttempts: 5, Backoff: time.Second, MaxBackoff: 5 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		var (
			d  time.Duration
			ok bool
		)
		p, d, ok = p.Next()
		if !ok {
			t.Fatalf("attempt %d: exhausted early", i+1)
		}
		if d != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, d, w)
		}
		if p.Attempt != i+1 {
			t.Errorf("attempt counter = %d, want %d", p.Attempt, i+1)
		}
	}

	if !p.Exhausted() {
		t.Error("Exhausted = false after max attempts")
	}
	next, _, ok := p.Next()
	if ok {
		t.Fatal("Next succeeded after max attempts")
	}
	if next.Attempt != p.Attempt {
		t.Errorf("exhausted Next changed the attempt counter")
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	var p transport.RetryPolicy

	attempts := 0
	for {
		var (
			d  time.Duration
			ok bool
		)
		p, d, ok = p.Next()
		if !ok {
			break
		}
		attempts++
		if attempts == 1 && d != transport.DefaultBackoff {
			t.Errorf("first delay = %v, want %v", d, transport.DefaultBackoff)
		}
		if d > transport.DefaultMaxBackoff {
			t.Errorf("delay %v exceeds max", d)
		}
	}
	if attempts != transport.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, transport.DefaultMaxAttempts)
	}
}

func TestRetryPolicy_ResetIsValue(t *testing.T) {
	p := transport.DefaultRetryPolicy()
	advanced, _, _ := p.Next()
	if p.Attempt != 0 {
		t.Error("Next mutated the receiver")
	}
	if r := advanced.Reset(); r.Attempt != 0 || r.MaxAttempts != advanced.MaxAttempts {
		t.Errorf("Reset = %+v", r)
	}
}
