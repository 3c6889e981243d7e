// Package malgo provides a microphone backend for the capture unit using
// miniaudio through github.com/gen2brain/malgo.
package malgo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// Capture opens the default (or configured) input device as 32-bit float mono.
// It implements capture.Device.
type Capture struct {
	sampleRate int

	mu   sync.Mutex
	mctx *malgo.AllocatedContext
	dev  *malgo.Device
}

// Option configures a [Capture].
type Option func(*Capture)

// WithSampleRate requests a hardware sample rate. Zero (the default) lets the
// device choose; the capture unit resamples whatever it gets.
func WithSampleRate(hz int) Option {
	return func(c *Capture) {
		c.sampleRate = hz
	}
}

// NewCapture creates a capture backend. No device is opened until Open.
func NewCapture(opts ...Option) *Capture {
	c := &Capture{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open initialises miniaudio, opens the input device and starts delivering
// samples. It returns the sample rate the device actually runs at.
func (c *Capture) Open(onSamples func([]float32)) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return 0, fmt.Errorf("malgo: capture already open")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return 0, fmt.Errorf("malgo: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.sampleRate)
	cfg.Alsa.NoMMap = 1

	onData := func(_, in []byte, frames uint32) {
		n := min(int(frames), len(in)/4)
		if n == 0 {
			return
		}
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
		}
		onSamples(samples)
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return 0, fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return 0, fmt.Errorf("malgo: start capture device: %w", err)
	}

	c.mctx = mctx
	c.dev = dev
	return int(dev.SampleRate()), nil
}

// Close stops the device and releases miniaudio. Safe to call when not open.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}
	c.dev.Uninit()
	c.dev = nil

	err := c.mctx.Uninit()
	c.mctx.Free()
	c.mctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}
