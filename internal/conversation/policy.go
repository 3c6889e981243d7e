package conversation

import (
	"strings"
	"time"
)

// InterruptionPolicy decides whether user speech that arrives while an
// assistant utterance is live interrupts it, or is a new independent turn.
// It also estimates how much of the utterance the user heard.
type InterruptionPolicy interface {
	Classify(u AIUtterance, speechAt time.Time) (interrupt bool, progress float64)
}

// Defaults for [TimingPolicy].
const (
	DefaultInterruptionWindow = 30 * time.Second
	DefaultWordsPerSecond     = 2.5
)

// TimingPolicy classifies by elapsed time. Speech arriving within Window of
// the utterance start interrupts it. Progress is the elapsed time divided by
// the expected speaking time of the utterance text at WordsPerSecond, clamped
// to [0, 1], or [DefaultInterruptionProgress] when the text is empty.
//
// An utterance still marked live after Window is assumed stale (its playback
// end was missed) and the speech counts as a new turn.
type TimingPolicy struct {
	Window         time.Duration
	WordsPerSecond float64
}

// Classify implements [InterruptionPolicy].
func (p TimingPolicy) Classify(u AIUtterance, speechAt time.Time) (bool, float64) {
	if !u.Live() {
		return false, 0
	}
	window := p.Window
	if window <= 0 {
		window = DefaultInterruptionWindow
	}
	wps := p.WordsPerSecond
	if wps <= 0 {
		wps = DefaultWordsPerSecond
	}

	elapsed := speechAt.Sub(u.StartedAt)
	if elapsed < 0 || elapsed > window {
		return false, 0
	}

	words := len(strings.Fields(u.Text))
	if words == 0 {
		return true, DefaultInterruptionProgress
	}
	expected := time.Duration(float64(words) / wps * float64(time.Second))
	return true, max(0, min(1, elapsed.Seconds()/expected.Seconds()))
}
