// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram) and
// exposes one ordered stream of [Event] values per session: voice activity
// (speech started, utterance end), low-latency partial transcripts,
// authoritative finals and errors. Keeping everything on one channel preserves
// the ordering the peer's barge-in detection depends on.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by SendAudio after the session was closed or lost.
var ErrClosed = errors.New("stt: session closed")

// EventType discriminates [Event] values.
type EventType int

const (
	// EventSpeechStarted reports that the provider's VAD detected the start
	// of speech. Only providers with VAD emit it.
	EventSpeechStarted EventType = iota + 1
	// EventPartial carries an interim transcript.
	EventPartial
	// EventFinal carries an authoritative transcript.
	EventFinal
	// EventUtteranceEnd reports the end of an utterance.
	EventUtteranceEnd
	// EventError reports a provider failure. The session may still be usable.
	EventError
)

// String implements [fmt.Stringer].
func (t EventType) String() string {
	switch t {
	case EventSpeechStarted:
		return "speech_started"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a session's event stream.
type Event struct {
	Type EventType

	// Text is set on partial and final events. Never empty for those.
	Text string

	// Confidence is in [0, 1]; zero when the provider does not report it.
	Confidence float64

	// Err is set on error events.
	Err error
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate in Hz. Zero selects the provider default (16000).
	SampleRate int

	// Channels, 1 for mono.
	Channels int

	// Language is a BCP-47 tag. Empty selects the provider default.
	Language string

	// Keywords are vocabulary hints for uncommon words.
	Keywords []string
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when done; the Events channel is closed after Close
// returns or when the connection to the provider is lost.
type SessionHandle interface {
	// SendAudio queues raw PCM16 little-endian audio matching the session's
	// StreamConfig. It returns [ErrClosed] once the session has ended.
	SendAudio(chunk []byte) error

	// Events returns the session's event stream.
	Events() <-chan Event

	// HasVAD reports whether the provider emits [EventSpeechStarted].
	HasVAD() bool

	// Close flushes pending audio and ends the session. Safe to call more
	// than once.
	Close() error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
