// Package oto provides a speaker backend for the playback unit using
// github.com/ebitengine/oto/v3.
//
// Oto pulls audio from an io.Reader. The sink feeds it from an in-memory
// buffer of float32 samples and returns silence when the buffer runs dry, so
// the player keeps running across gaps between assistant utterances.
package oto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Sink plays mono float32 audio. It implements playback.Sink. A closed sink
// resumes on the next Write, so one Sink can serve several voice sessions.
type Sink struct {
	ctx    *oto.Context
	player *oto.Player
	buf    *sampleBuffer

	mu        sync.Mutex
	suspended bool
}

// NewSink opens the default output device at sampleRate. Only one oto context
// may exist per process.
func NewSink(sampleRate int, bufferSize time.Duration) (*Sink, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: create context: %w", err)
	}
	<-ready

	buf := &sampleBuffer{}
	player := ctx.NewPlayer(buf)
	player.Play()
	return &Sink{ctx: ctx, player: player, buf: buf}, nil
}

// Write appends samples to the playback buffer.
func (s *Sink) Write(samples []float32) error {
	if err := s.player.Err(); err != nil {
		return fmt.Errorf("oto: player: %w", err)
	}
	s.mu.Lock()
	if s.suspended {
		if err := s.ctx.Resume(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("oto: resume: %w", err)
		}
		s.player.Play()
		s.suspended = false
	}
	s.mu.Unlock()
	s.buf.write(samples)
	return nil
}

// Flush discards buffered audio, including what oto has already pulled but
// not yet handed to the hardware.
func (s *Sink) Flush() error {
	s.buf.reset()
	if _, err := s.player.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("oto: flush: %w", err)
	}
	return nil
}

// Close pauses output and suspends the context.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return nil
	}
	s.suspended = true
	s.player.Pause()
	s.buf.reset()
	if err := s.ctx.Suspend(); err != nil {
		return fmt.Errorf("oto: suspend: %w", err)
	}
	return nil
}

// sampleBuffer is an io.ReadSeeker of little-endian float32 PCM that never
// reports EOF.
type sampleBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *sampleBuffer) write(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range samples {
		b.data = binary.LittleEndian.AppendUint32(b.data, math.Float32bits(s))
	}
}

func (b *sampleBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// Read copies buffered audio into p and pads the rest with silence.
func (b *sampleBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data)
	b.data = b.data[n:]
	clear(p[n:])
	return len(p), nil
}

// Seek only exists so that oto drops its internal buffer on Flush.
func (b *sampleBuffer) Seek(int64, int) (int64, error) {
	return 0, nil
}
