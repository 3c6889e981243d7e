// Package conversation tracks the logical dialogue of one voice session: the
// append-only turn history, the assistant's current utterance and whether the
// user interrupted it.
//
// A [Tracker] is session scoped. Construct one per session and pass it to the
// components that need it; nothing in this package is global.
package conversation

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultInterruptionProgress is the completion estimate recorded when an
// utterance is interrupted without a better estimate.
const DefaultInterruptionProgress = 0.5

// DefaultMaxHistory bounds the turn history.
const DefaultMaxHistory = 200

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// Turn is an immutable history record.
type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time

	// IsInterruption is set on user turns that cut the assistant off.
	IsInterruption bool
}

// AIUtterance is the assistant's current or most recent spoken turn.
type AIUtterance struct {
	Text        string
	StartedAt   time.Time
	CompletedAt *time.Time

	WasInterrupted bool
	// ProgressWhenInterrupted is the estimated fraction in [0, 1] of the
	// utterance the user heard before interrupting.
	ProgressWhenInterrupted *float64
}

// Live reports whether the utterance is still being spoken.
func (u AIUtterance) Live() bool {
	return u.CompletedAt == nil && !u.WasInterrupted
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithPolicy sets the interruption policy used by [Tracker.ObserveUserSpeech].
func WithPolicy(p InterruptionPolicy) Option {
	return func(t *Tracker) {
		if p != nil {
			t.policy = p
		}
	}
}

// WithMaxHistory bounds the number of retained turns.
func WithMaxHistory(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxHistory = n
		}
	}
}

// Tracker owns the turn history and the assistant utterance state. All
// methods are safe for concurrent use.
type Tracker struct {
	now        func() time.Time
	logger     *slog.Logger
	policy     InterruptionPolicy
	maxHistory int

	mu        sync.Mutex
	history   []Turn
	utterance *AIUtterance
	canvas    CanvasContext
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:        time.Now,
		logger:     slog.Default(),
		policy:     TimingPolicy{},
		maxHistory: DefaultMaxHistory,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// AddUserSpeech appends a user turn. When isInterruption is set and an
// utterance is live, the utterance is marked interrupted with
// [DefaultInterruptionProgress].
func (t *Tracker) AddUserSpeech(text string, isInterruption bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if isInterruption {
		t.markInterruptedLocked(DefaultInterruptionProgress, now)
	}
	t.appendLocked(Turn{Speaker: SpeakerUser, Text: text, Timestamp: now, IsInterruption: isInterruption})
}

// ObserveUserSpeech classifies text with the interruption policy, marks the
// live utterance interrupted with the policy's progress estimate when the
// policy says so, and appends the user turn. It reports whether the speech
// was classified as an interruption.
func (t *Tracker) ObserveUserSpeech(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	interrupt := false
	if u := t.utterance; u != nil && u.Live() {
		var progress float64
		interrupt, progress = t.policy.Classify(*u, now)
		if interrupt {
			t.markInterruptedLocked(progress, now)
		}
	}
	t.appendLocked(Turn{Speaker: SpeakerUser, Text: text, Timestamp: now, IsInterruption: interrupt})
	return interrupt
}

// StartAIUtterance begins a new assistant utterance. Callers must complete or
// interrupt the previous one first; if it is still live it is overwritten and
// a warning is logged.
func (t *Tracker) StartAIUtterance(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u := t.utterance; u != nil && u.Live() {
		t.logger.Warn("conversation: overwriting live assistant utterance",
			"previous", truncate(u.Text, 60),
			"started_at", u.StartedAt,
		)
	}
	t.utterance = &AIUtterance{Text: text, StartedAt: t.now()}
}

// AppendAIUtterance extends the live utterance with more text, or starts one
// if none is live. Peers send assistant text sentence by sentence.
func (t *Tracker) AppendAIUtterance(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u := t.utterance; u != nil && u.Live() {
		if u.Text != "" {
			u.Text += " "
		}
		u.Text += text
		return
	}
	t.utterance = &AIUtterance{Text: text, StartedAt: t.now()}
}

// CompleteAIUtterance moves the live utterance into history. It is a no-op if
// no utterance is live.
func (t *Tracker) CompleteAIUtterance() {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.utterance
	if u == nil || !u.Live() {
		return
	}
	now := t.now()
	u.CompletedAt = &now
	t.appendLocked(Turn{Speaker: SpeakerAI, Text: u.Text, Timestamp: u.StartedAt})
}

// MarkAIUtteranceInterrupted marks the live utterance interrupted with the
// given progress, clamped to [0, 1]. A second call for the same utterance is
// a no-op. It reports whether the utterance was marked.
func (t *Tracker) MarkAIUtteranceInterrupted(progress float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markInterruptedLocked(progress, t.now())
}

// Interrupt marks the live utterance interrupted with the policy's progress
// estimate, or [DefaultInterruptionProgress] when the policy declines (for
// example on a stale utterance). It is used when the peer reports a barge-in
// before the user's words are known. It reports whether the utterance was
// marked.
func (t *Tracker) Interrupt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.utterance
	if u == nil || !u.Live() {
		return false
	}
	now := t.now()
	progress := DefaultInterruptionProgress
	if ok, p := t.policy.Classify(*u, now); ok {
		progress = p
	}
	return t.markInterruptedLocked(progress, now)
}

// GetRecentHistory returns up to n of the most recent turns, oldest first.
// The slice is a copy.
func (t *Tracker) GetRecentHistory(n int) []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 {
		return []Turn{}
	}
	start := max(0, len(t.history)-n)
	out := make([]Turn, len(t.history)-start)
	copy(out, t.history[start:])
	return out
}

// WasInterrupted reports whether the current or most recent utterance was
// interrupted.
func (t *Tracker) WasInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.utterance != nil && t.utterance.WasInterrupted
}

// GetInterruptedContent returns the text of the interrupted utterance, or ""
// when the most recent utterance was not interrupted.
func (t *Tracker) GetInterruptedContent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.utterance == nil || !t.utterance.WasInterrupted {
		return ""
	}
	return t.utterance.Text
}

// Utterance returns a copy of the current or most recent utterance.
func (t *Tracker) Utterance() (AIUtterance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.utterance == nil {
		return AIUtterance{}, false
	}
	return *t.utterance, true
}

// ClearHistory resets all state. Only call it on an explicit session reset.
func (t *Tracker) ClearHistory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
	t.utterance = nil
	t.canvas = CanvasContext{}
}

// markInterruptedLocked must be called with t.mu held.
func (t *Tracker) markInterruptedLocked(progress float64, now time.Time) bool {
	u := t.utterance
	if u == nil || !u.Live() {
		return false
	}
	p := max(0, min(1, progress))
	u.WasInterrupted = true
	u.ProgressWhenInterrupted = &p
	// The interrupted utterance is recorded where it happened so the history
	// reads in speaking order.
	t.appendLocked(Turn{Speaker: SpeakerAI, Text: u.Text, Timestamp: u.StartedAt})
	t.logger.Debug("conversation: assistant interrupted", "progress", p, "after", now.Sub(u.StartedAt))
	return true
}

// appendLocked adds a turn and evicts the oldest beyond maxHistory. Survivors
// are copied to a fresh backing array so evicted turns can be collected.
func (t *Tracker) appendLocked(turn Turn) {
	t.history = append(t.history, turn)
	if len(t.history) > t.maxHistory {
		fresh := make([]Turn, t.maxHistory, t.maxHistory+1)
		copy(fresh, t.history[len(t.history)-t.maxHistory:])
		t.history = fresh
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
