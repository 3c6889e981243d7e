package transport

import "github.com/coder/websocket"

// VoiceState is the externally observable phase of a session.
type VoiceState int

const (
	StateIdle VoiceState = iota
	StateConnecting
	StateListening
	StateThinking
	StateSpeaking
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateListening:  "listening",
	StateThinking:   "thinking",
	StateSpeaking:   "speaking",
	StateError:      "error",
}

func (s VoiceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Connected reports whether a handshake has completed and the socket is live.
func (s VoiceState) Connected() bool {
	return s == StateListening || s == StateThinking || s == StateSpeaking
}

// Event is an input to [Reduce]. The set of events is closed.
type Event interface{ event() }

type (
	// EvStart is an explicit start or retry by the user.
	EvStart struct{}
	// EvOpened is a socket that finished opening.
	EvOpened struct{}
	// EvAck is the peer's connected frame.
	EvAck struct{}
	// EvFinalTranscript is a final_transcript frame.
	EvFinalTranscript struct{}
	// EvAudioChunk is an audio_chunk frame.
	EvAudioChunk struct{}
	// EvPlaybackEnded is the local player running out of audio.
	EvPlaybackEnded struct{}
	// EvBargeIn is a barge_in frame.
	EvBargeIn struct{}
	// EvErrorFrame is a fatal error frame from the peer.
	EvErrorFrame struct{}
	// EvUpstreamError is an stt_error or tts_error frame.
	EvUpstreamError struct{}
	// EvSocketError is an unrecoverable socket failure.
	EvSocketError struct{}
	// EvClosed is the socket closing with Code. Enabled is false once the
	// user asked the session to stop.
	EvClosed struct {
		Code    int
		Enabled bool
	}
	// EvStop is an explicit stop by the user.
	EvStop struct{}
	// EvPing is a keepalive ping from the peer.
	EvPing struct{}
)

func (EvStart) event()           {}
func (EvOpened) event()          {}
func (EvAck) event()             {}
func (EvFinalTranscript) event() {}
func (EvAudioChunk) event()      {}
func (EvPlaybackEnded) event()   {}
func (EvBargeIn) event()         {}
func (EvErrorFrame) event()      {}
func (EvUpstreamError) event()   {}
func (EvSocketError) event()     {}
func (EvClosed) event()          {}
func (EvStop) event()            {}
func (EvPing) event()            {}

// Effect is a side effect requested by [Reduce] and carried out by the
// [Client].
type Effect int

const (
	EffSendAuth Effect = iota + 1
	EffStopPlayback
	EffScheduleReconnect
	EffSendPong
	EffCloseSocket
)

var effectNames = [...]string{
	EffSendAuth:          "send_auth",
	EffStopPlayback:      "stop_playback",
	EffScheduleReconnect: "schedule_reconnect",
	EffSendPong:          "send_pong",
	EffCloseSocket:       "close_socket",
}

func (e Effect) String() string {
	if e <= 0 || int(e) >= len(effectNames) {
		return "unknown"
	}
	return effectNames[e]
}

// Reduce is the session state machine. It is a pure function: given the
// current state and an event it returns the next state and the effects to
// carry out, in order.
//
// Events that make no sense in the current state leave it unchanged and
// request nothing. error is sticky until EvStart or EvStop.
func Reduce(s VoiceState, ev Event) (VoiceState, []Effect) {
	switch ev := ev.(type) {
	case EvStart:
		if s == StateIdle || s == StateError {
			return StateConnecting, nil
		}

	case EvStop:
		if s == StateIdle {
			return s, nil
		}
		return StateIdle, []Effect{EffStopPlayback, EffCloseSocket}

	case EvOpened:
		if s == StateConnecting {
			return s, []Effect{EffSendAuth}
		}

	case EvAck:
		if s == StateConnecting {
			return StateListening, nil
		}

	case EvFinalTranscript:
		if s == StateListening {
			return StateThinking, nil
		}

	case EvAudioChunk:
		// Only a reply the user is waiting for starts speaking. A chunk seen
		// while listening belongs to a reply that was already interrupted.
		if s == StateThinking {
			return StateSpeaking, nil
		}

	case EvPlaybackEnded:
		if s == StateSpeaking {
			return StateListening, nil
		}

	case EvBargeIn:
		if s.Connected() {
			return StateListening, []Effect{EffStopPlayback}
		}

	case EvUpstreamError:
		if s.Connected() {
			return StateListening, nil
		}

	case EvErrorFrame, EvSocketError:
		if s == StateIdle || s == StateError {
			return s, nil
		}
		return StateError, []Effect{EffStopPlayback, EffCloseSocket}

	case EvClosed:
		if s == StateIdle || s == StateError {
			return s, nil
		}
		if !ev.Enabled {
			return StateIdle, []Effect{EffStopPlayback}
		}
		if ev.Code == int(websocket.StatusNormalClosure) {
			return StateConnecting, []Effect{EffStopPlayback, EffScheduleReconnect}
		}
		return StateError, []Effect{EffStopPlayback}

	case EvPing:
		if s == StateConnecting || s.Connected() {
			return s, []Effect{EffSendPong}
		}
	}
	return s, nil
}
