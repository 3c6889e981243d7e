// Package capture turns a microphone stream into fixed-size session frames.
//
// The [Unit] opens exactly one hardware input stream between Start and Stop,
// resamples it to the session rate when the hardware runs at a different
// rate, and pushes PCM16 [audio.AudioFrame] values of a fixed duration to a
// callback in capture order.
//
// Resampling is linear and has no anti-aliasing filter. Energy above the
// session Nyquist frequency (8 kHz at 16 kHz) aliases into the band, which is
// tolerable for speech recognition and keeps the unit allocation-light.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ErrMicrophoneUnavailable is returned by Start when the input device cannot
// be opened, either because permission was denied or no device exists. The
// device error is wrapped alongside it.
var ErrMicrophoneUnavailable = errors.New("capture: microphone unavailable")

// Device is a hardware input stream. Open starts delivering mono float
// samples to onSamples and reports the hardware sample rate. onSamples may be
// called from a device thread and must not block.
type Device interface {
	Open(onSamples func(samples []float32)) (sampleRate int, err error)
	Close() error
}

// Option configures a [Unit].
type Option func(*Unit)

// WithSessionRate overrides the emitted sample rate (default 16 kHz).
func WithSessionRate(hz int) Option {
	return func(u *Unit) {
		if hz > 0 {
			u.rate = hz
		}
	}
}

// WithFrameDuration overrides the emitted frame length (default 128 ms).
func WithFrameDuration(d time.Duration) Option {
	return func(u *Unit) {
		if d > 0 {
			u.frameDur = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(u *Unit) {
		if l != nil {
			u.logger = l
		}
	}
}

// Unit is the audio capture unit. All exported methods are safe for
// concurrent use, including concurrently with the device callback.
type Unit struct {
	dev      Device
	onFrame  func(audio.AudioFrame)
	rate     int
	frameDur time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	active  bool
	gen     uint64
	hwRate  int
	resamp  *audio.Resampler
	pending []float32
	emitted int64 // samples emitted since Start, for timestamps
}

// New creates a capture unit reading from dev and delivering frames to
// onFrame.
func New(dev Device, onFrame func(audio.AudioFrame), opts ...Option) *Unit {
	u := &Unit{
		dev:      dev,
		onFrame:  onFrame,
		rate:     audio.SessionSampleRate,
		frameDur: audio.FrameDuration,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Start opens the microphone. It fails with [ErrMicrophoneUnavailable] when
// the device cannot be opened. Calling Start on an active unit is a no-op.
func (u *Unit) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		return nil
	}

	u.gen++
	gen := u.gen
	u.pending = u.pending[:0]
	u.emitted = 0

	hwRate, err := u.dev.Open(func(samples []float32) { u.handle(gen, samples) })
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
	}
	if hwRate <= 0 {
		hwRate = u.rate
	}
	u.hwRate = hwRate
	u.resamp = audio.NewResampler(hwRate, u.rate)
	u.active = true

	u.logger.Info("capture started",
		"hardware_rate", hwRate,
		"session_rate", u.rate,
		"frame", u.frameDur,
		"resampling", hwRate != u.rate,
	)
	return nil
}

// Stop releases the microphone and drops any partial frame. It is idempotent
// and safe to call on a unit that was never started.
func (u *Unit) Stop() error {
	u.mu.Lock()
	if !u.active {
		u.mu.Unlock()
		return nil
	}
	u.active = false
	u.gen++
	u.pending = nil
	u.mu.Unlock()

	if err := u.dev.Close(); err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	u.logger.Info("capture stopped")
	return nil
}

// Active reports whether the unit holds the microphone.
func (u *Unit) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// handle receives raw hardware samples, cuts complete frames under the lock
// and delivers them outside it.
func (u *Unit) handle(gen uint64, samples []float32) {
	u.mu.Lock()
	if !u.active || gen != u.gen {
		u.mu.Unlock()
		return
	}
	// The resampler carries its phase across callbacks, so device buffer
	// sizes do not shift the output timeline.
	u.pending = append(u.pending, u.resamp.Process(samples)...)

	size := audio.SamplesPerFrame(u.rate, u.frameDur)
	var frames []audio.AudioFrame
	for len(u.pending) >= size {
		frames = append(frames, audio.AudioFrame{
			Data:       audio.Float32ToPCM16(u.pending[:size]),
			SampleRate: u.rate,
			Channels:   audio.SessionChannels,
			Timestamp:  time.Duration(u.emitted) * time.Second / time.Duration(u.rate),
		})
		u.emitted += int64(size)
		u.pending = u.pending[size:]
	}
	// Compact so the backing array does not grow without bound.
	if len(frames) > 0 {
		u.pending = append(make([]float32, 0, size), u.pending...)
	}
	u.mu.Unlock()

	for _, f := range frames {
		u.onFrame(f)
	}
}
