package conversation

import (
	"slices"
	"time"
)

// CanvasContext is a best-effort snapshot of what the learner is looking at,
// attached for downstream reasoning. Updates never block the voice pipeline.
type CanvasContext struct {
	Screenshot []byte
	Topic      string
	Concepts   []string
	UpdatedAt  time.Time
}

// UpdateCanvas merges c into the stored snapshot. Empty fields keep their
// previous value.
func (t *Tracker) UpdateCanvas(c CanvasContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(c.Screenshot) > 0 {
		t.canvas.Screenshot = slices.Clone(c.Screenshot)
	}
	if c.Topic != "" {
		t.canvas.Topic = c.Topic
	}
	if len(c.Concepts) > 0 {
		t.canvas.Concepts = slices.Clone(c.Concepts)
	}
	t.canvas.UpdatedAt = t.now()
}

// Canvas returns a copy of the stored snapshot.
func (t *Tracker) Canvas() CanvasContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.canvas
	c.Screenshot = slices.Clone(c.Screenshot)
	c.Concepts = slices.Clone(c.Concepts)
	return c
}
