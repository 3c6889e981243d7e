// Package mock is a scriptable in-memory stt.Provider for tests.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the code under test, then drive it:
//	sess.Say("what is a derivative")
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicecoach/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Call is one StartStream invocation.
type Call struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider hands out Session, or a fresh one per call when Session is nil.
// Set Err to make StartStream fail.
type Provider struct {
	Session *Session
	Err     error

	mu    sync.Mutex
	calls []Call
}

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Ctx: ctx, Cfg: cfg})
	switch {
	case p.Err != nil:
		return nil, p.Err
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns the recorded StartStream calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Session records audio and emits whatever events the test pushes. VAD is
// read on every HasVAD call and may be flipped before the session is used.
type Session struct {
	VAD     bool
	SendErr error

	mu     sync.Mutex
	audio  [][]byte
	events chan stt.Event
	closed bool
}

// NewSession returns a session that reports VAD and buffers up to 64
// pending events.
func NewSession() *Session {
	return &Session{VAD: true, events: make(chan stt.Event, 64)}
}

// Push emits ev unless the session is closed.
func (s *Session) Push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Say emits a speech_started followed by a final transcript of text, the
// shape a VAD-capable backend produces for one utterance.
func (s *Session) Say(text string) {
	s.Push(stt.Event{Type: stt.EventSpeechStarted})
	s.Push(stt.Event{Type: stt.EventFinal, Text: text})
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.audio = append(s.audio, slices.Clone(chunk))
	return s.SendErr
}

func (s *Session) Events() <-chan stt.Event { return s.events }

func (s *Session) HasVAD() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.VAD
}

// AudioChunks returns copies of every chunk passed to SendAudio.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audio)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the event stream. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
