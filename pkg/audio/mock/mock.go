// Package mock provides in-memory audio devices for unit tests: a capture
// [Device] that the test drives by hand and a playback [Sink] that records
// everything written to it.
//
// All mocks are safe for concurrent use. Set the exported error fields before
// use; inspect the recorded calls afterwards.
//
// Typical usage:
//
//	dev := &mock.Device{SampleRate: 48000}
//	unit := capture.New(dev, onFrame)
//	_ = unit.Start(ctx)
//	dev.Emit(samples)
package mock

import (
	"errors"
	"sync"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock capture device.
type Device struct {
	mu sync.Mutex

	// SampleRate is reported by Open as the hardware rate.
	SampleRate int

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CloseErr is returned by Close when non-nil.
	CloseErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
}

// Open records the sample callback.
func (d *Device) Open(onSamples func([]float32)) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenErr != nil {
		return 0, d.OpenErr
	}
	d.onSamples = onSamples
	return d.SampleRate, nil
}

// Close forgets the sample callback.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onSamples = nil
	return d.CloseErr
}

// IsOpen reports whether the device currently holds a stream.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onSamples != nil
}

// Emit delivers samples as if the hardware had produced them. It is a no-op
// while the device is closed.
func (d *Device) Emit(samples []float32) {
	d.mu.Lock()
	fn := d.onSamples
	d.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock playback sink.
type Sink struct {
	mu sync.Mutex

	// WriteErr, when set, is consulted for every Write. Returning non-nil
	// rejects the frame.
	WriteErr func(samples []float32) error

	// FlushErr is returned by Flush when non-nil.
	FlushErr error

	// Writes holds every accepted Write in order.
	Writes [][]float32

	// Buffered holds writes accepted since the last Flush.
	Buffered [][]float32

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// ErrRejected is a convenience error for WriteErr.
var ErrRejected = errors.New("mock: frame rejected")

// Write records samples.
func (s *Sink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		if err := s.WriteErr(samples); err != nil {
			return err
		}
	}
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.Writes = append(s.Writes, cp)
	s.Buffered = append(s.Buffered, cp)
	return nil
}

// Flush clears Buffered.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	s.Buffered = nil
	return s.FlushErr
}

// Close records the call.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Snapshot returns copies of Writes and Buffered.
func (s *Sink) Snapshot() (writes, buffered [][]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]float32(nil), s.Writes...), append([][]float32(nil), s.Buffered...)
}

// FlushCount returns CallCountFlush.
func (s *Sink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFlush
}
