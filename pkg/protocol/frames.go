// Package protocol defines the frames exchanged between a voice client and
// the voice-processing peer over a single WebSocket.
//
// Control frames are JSON text messages with a "type" discriminator. Audio
// travels either hex-encoded inside JSON frames (the default, safe for
// JSON-only transports) or, when both sides negotiate
// [EncodingBinary], as binary WebSocket messages (see binary.go).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ErrMalformed is wrapped by every decoding failure. Receivers log and drop
// malformed frames; they are never fatal to a session.
var ErrMalformed = errors.New("protocol: malformed frame")

// Type discriminates frames.
type Type string

// Client → peer.
const (
	TypeAuth          Type = "auth"
	TypeAudio         Type = "audio"
	TypeUpdateContext Type = "update_context"
)

// Peer → client.
const (
	TypeConnected           Type = "connected"
	TypePartialTranscript   Type = "partial_transcript"
	TypeFinalTranscript     Type = "final_transcript"
	TypeAssistantTranscript Type = "assistant_transcript"
	TypeAudioChunk          Type = "audio_chunk"
	TypeBargeIn             Type = "barge_in"
	TypeStateChange         Type = "state_change"
	TypeError               Type = "error"
	TypeSTTError            Type = "stt_error"
	TypeTTSError            Type = "tts_error"
)

// Keepalive, both directions.
const (
	TypePing Type = "ping"
	TypePong Type = "pong"
)

var knownTypes = map[Type]bool{
	TypeAuth: true, TypeAudio: true, TypeUpdateContext: true,
	TypeConnected: true, TypePartialTranscript: true, TypeFinalTranscript: true,
	TypeAssistantTranscript: true, TypeAudioChunk: true, TypeBargeIn: true,
	TypeStateChange: true, TypeError: true, TypeSTTError: true, TypeTTSError: true,
	TypePing: true, TypePong: true,
}

// IsError reports whether t is one of the error frame types.
func (t Type) IsError() bool {
	return t == TypeError || t == TypeSTTError || t == TypeTTSError
}

// Encoding selects how audio is carried.
type Encoding string

const (
	// EncodingHex carries PCM16 as lowercase hex inside JSON frames.
	EncodingHex Encoding = "hex"
	// EncodingBinary carries PCM16 in binary WebSocket messages.
	EncodingBinary Encoding = "binary"
)

// Peer-side states advertised in state_change frames.
const (
	PeerStateIdle              = "idle"
	PeerStateUserSpeaking      = "user_speaking"
	PeerStateProcessing        = "processing"
	PeerStateAssistantSpeaking = "assistant_speaking"
	PeerStateError             = "error"
)

// Frame is the union of all JSON frames. Only the fields relevant to Type are
// set.
type Frame struct {
	Type Type `json:"type"`

	// SessionID is set by the peer on connected and on every later frame.
	SessionID string `json:"session_id,omitempty"`

	// State is the peer state on state_change, and the current peer state on
	// any other peer frame.
	State string `json:"state,omitempty"`

	UserID           string          `json:"user_id,omitempty"`
	InstanceID       string          `json:"instance_id,omitempty"`
	WorkspaceContext json.RawMessage `json:"workspace_context,omitempty"`

	// AudioEncoding is offered in auth and confirmed in connected.
	AudioEncoding Encoding `json:"audio_encoding,omitempty"`

	// Audio is hex-encoded PCM16 (16 kHz mono, little-endian).
	Audio    string `json:"audio,omitempty"`
	StreamID string `json:"stream_id,omitempty"`

	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PCM decodes the hex audio payload.
func (f Frame) PCM() ([]byte, error) {
	pcm, err := audio.DecodeHex(f.Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: %s audio: %w", ErrMalformed, f.Type, err)
	}
	return pcm, nil
}

// Marshal encodes f as a JSON text message.
func Marshal(f Frame) ([]byte, error) {
	if !knownTypes[f.Type] {
		return nil, fmt.Errorf("protocol: marshal unknown frame type %q", f.Type)
	}
	return json.Marshal(f)
}

// Unmarshal decodes a JSON text message. Invalid JSON, a missing or unknown
// type, and audio frames without audio all yield an error wrapping
// [ErrMalformed].
func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch {
	case f.Type == "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case !knownTypes[f.Type]:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	case (f.Type == TypeAudio || f.Type == TypeAudioChunk) && f.Audio == "":
		return Frame{}, fmt.Errorf("%w: %s without audio", ErrMalformed, f.Type)
	}
	return f, nil
}

// Auth builds the handshake frame.
func Auth(userID, instanceID string, workspace json.RawMessage, enc Encoding) Frame {
	return Frame{Type: TypeAuth, UserID: userID, InstanceID: instanceID, WorkspaceContext: workspace, AudioEncoding: enc}
}

// Audio builds a client audio frame.
func Audio(pcm []byte) Frame {
	return Frame{Type: TypeAudio, Audio: audio.EncodeHex(pcm)}
}

// AudioChunk builds a peer audio frame.
func AudioChunk(pcm []byte, streamID string) Frame {
	return Frame{Type: TypeAudioChunk, Audio: audio.EncodeHex(pcm), StreamID: streamID}
}

// UpdateContext builds an out-of-band context update.
func UpdateContext(workspace json.RawMessage) Frame {
	return Frame{Type: TypeUpdateContext, WorkspaceContext: workspace}
}

// Transcript builds a partial, final or assistant transcript frame.
func Transcript(t Type, text string) Frame {
	return Frame{Type: t, Transcript: text}
}

// Error builds an error frame of type t.
func Error(t Type, msg string) Frame {
	return Frame{Type: t, Error: msg}
}
