// Package playback schedules assistant speech for gapless output and
// implements stream supersession and hard interruption (barge-in).
//
// Frames are tagged with a stream identifier assigned by the remote peer.
// Frames of one stream are played back to back in enqueue order. A frame
// carrying a different stream identifier discards everything still pending
// from the previous stream before it is scheduled, so a superseded utterance
// is never queued behind its replacement.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// DefaultGapTolerance is how late a frame may arrive after the previous
// frame's scheduled end and still count as a continuation of the same run.
const DefaultGapTolerance = 500 * time.Millisecond

var (
	// ErrNotInitialized is returned by Enqueue before the first Init.
	ErrNotInitialized = errors.New("playback: not initialized")

	// ErrClosed is returned by Enqueue after Close, until Init is called
	// again.
	ErrClosed = errors.New("playback: closed")

	// ErrAlreadyInitialized is returned by Init when a sink is already attached.
	ErrAlreadyInitialized = errors.New("playback: already initialized")
)

// Sink is an audio output device. Write appends samples to the device buffer
// and must not block for longer than it takes to copy them. Flush discards
// everything buffered but not yet audible.
type Sink interface {
	Write(samples []float32) error
	Flush() error
	Close() error
}

// Option configures a [Player].
type Option func(*Player)

// WithGapTolerance overrides [DefaultGapTolerance]. The tolerance is the
// silence a run may contain before it counts as ended: the ended callback
// waits that long after the last scheduled frame, so frames delayed by
// network jitter continue the run instead of starting a new one.
func WithGapTolerance(d time.Duration) Option {
	return func(p *Player) {
		if d >= 0 {
			p.gapTolerance = d
		}
	}
}

// WithClock sets the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Player) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) {
		if l != nil {
			p.logger = l
		}
	}
}

// OnEnded registers the playback-end callback at construction time. See
// [Player.SetOnEnded].
func OnEnded(fn func()) Option {
	return func(p *Player) {
		p.onEnded = fn
	}
}

// Player is the playback unit. It owns the output [Sink] between Init and
// Close. All exported methods are safe for concurrent use.
type Player struct {
	logger       *slog.Logger
	now          func() time.Time
	afterFunc    func(d time.Duration, f func()) (stop func() bool)
	gapTolerance time.Duration

	// endMu orders end callbacks with Enqueue. A frame enqueued while the
	// callback is being decided either cancels it or waits for it.
	endMu sync.Mutex

	mu       sync.Mutex
	sink     Sink
	closed   bool
	onEnded  func()
	streamID string
	// stopped is the stream that was interrupted by Stop. Late frames of it
	// are dropped.
	stopped   string
	nextStart time.Time // scheduled end of the last frame, zero when idle
	runEnded  bool      // the end callback fired for streamID
	gen       uint64    // bumped on every schedule change; guards the end timer
	stopTimer func() bool
	restarts  int
	skipped   int
}

// New creates an uninitialised Player. Call [Player.Init] before enqueueing.
func New(opts ...Option) *Player {
	p := &Player{
		logger:       slog.Default(),
		now:          time.Now,
		gapTolerance: DefaultGapTolerance,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Init attaches the output sink. It returns [ErrAlreadyInitialized] if a sink
// is already attached.
func (p *Player) Init(sink Sink) error {
	if sink == nil {
		return errors.New("playback: nil sink")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil {
		return ErrAlreadyInitialized
	}
	p.sink = sink
	p.closed = false
	return nil
}

// SetOnEnded replaces the playback-end callback. The callback runs on its own
// goroutine once the last scheduled frame has finished, the gap tolerance
// has passed and no further frame was enqueued in the meantime. It must not
// call Enqueue.
func (p *Player) SetOnEnded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnded = fn
}

// Enqueue schedules frame for playback right after the previously scheduled
// frame of the same stream.
//
// A different streamID supersedes the current stream: pending audio is
// flushed and the schedule restarts. A frame never starts in the past: one
// arriving after the previous frame's end starts at now and stays part of
// the run, unless the run already ended (see [WithGapTolerance]). Frames the
// sink rejects are logged and skipped. Enqueue before Init returns
// [ErrNotInitialized], after Close [ErrClosed].
func (p *Player) Enqueue(frame audio.AudioFrame, streamID string) error {
	p.endMu.Lock()
	defer p.endMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sink == nil {
		if p.closed {
			return ErrClosed
		}
		return ErrNotInitialized
	}
	if p.stopped != "" && streamID == p.stopped {
		p.logger.Debug("playback: dropping frame of interrupted stream", "stream_id", streamID)
		return nil
	}
	if len(frame.Data) == 0 {
		return nil
	}

	now := p.now()
	if streamID != p.streamID {
		if p.streamID != "" || !p.nextStart.IsZero() {
			p.logger.Debug("playback: stream superseded", "old", p.streamID, "new", streamID)
			p.discardLocked()
		}
		p.streamID = streamID
	}

	start := p.nextStart
	switch {
	case start.IsZero():
		if p.runEnded {
			p.restarts++
			p.logger.Debug("playback: stream resumed after its run ended", "stream_id", streamID)
		}
		start = now
	case now.Sub(start) > p.gapTolerance:
		p.restarts++
		p.logger.Debug("playback: clock restarted", "late", now.Sub(start), "stream_id", streamID)
		start = now
	case start.Before(now):
		start = now
	}

	if err := p.sink.Write(audio.PCM16ToFloat32(frame.Data)); err != nil {
		p.skipped++
		p.logger.Warn("playback: sink rejected frame, skipping", "err", err, "stream_id", streamID)
		return nil
	}

	end := start.Add(frame.Duration())
	p.nextStart = end
	p.runEnded = false
	p.armLocked(end.Sub(now) + p.gapTolerance)
	return nil
}

// Stop discards all scheduled audio immediately, regardless of stream. No
// playback-end callback fires for the discarded audio. Stop is safe to call
// at any time, including before Init.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamID != "" {
		p.stopped = p.streamID
	}
	p.streamID = ""
	p.discardLocked()
}

// Close stops playback and releases the sink. Enqueue then returns
// [ErrClosed] until the Player is initialised again. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return nil
	}
	p.discardLocked()
	p.streamID = ""
	p.stopped = ""
	sink := p.sink
	p.sink = nil
	p.closed = true
	return sink.Close()
}

// Pending returns how much scheduled audio has not finished playing yet.
func (p *Player) Pending() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextStart.IsZero() {
		return 0
	}
	return max(0, p.nextStart.Sub(p.now()))
}

// StreamID returns the stream currently being scheduled, or "".
func (p *Player) StreamID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamID
}

// Stats reports how often a stream continued after a gap longer than the
// tolerance and how many frames the sink rejected.
func (p *Player) Stats() (restarts, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts, p.skipped
}

// discardLocked flushes the sink and cancels the pending end callback.
func (p *Player) discardLocked() {
	p.gen++
	if p.stopTimer != nil {
		p.stopTimer()
		p.stopTimer = nil
	}
	p.nextStart = time.Time{}
	p.runEnded = false
	if p.sink == nil {
		return
	}
	if err := p.sink.Flush(); err != nil {
		p.logger.Warn("playback: flush failed", "err", err)
	}
}

// armLocked (re)schedules the end callback to fire after d.
func (p *Player) armLocked(d time.Duration) {
	p.gen++
	gen := p.gen
	if p.stopTimer != nil {
		p.stopTimer()
	}
	p.stopTimer = p.afterFunc(d, func() { p.ended(gen) })
}

func (p *Player) ended(gen uint64) {
	p.endMu.Lock()
	defer p.endMu.Unlock()

	p.mu.Lock()
	if gen != p.gen || p.sink == nil {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.nextStart = time.Time{}
	p.runEnded = true
	p.stopTimer = nil
	fn := p.onEnded
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}
