// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI or ElevenLabs)
// and presents a uniform streaming interface. SynthesizeStream accepts a
// channel of text fragments and returns a channel of PCM audio as it becomes
// available, so the LLM output can be pipelined into synthesis sentence by
// sentence.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// SampleRate is the rate of every PCM chunk a Provider emits: 16-bit
// little-endian mono at 16 kHz, matching the wire protocol.
const SampleRate = 16000

// Voice selects and tunes the synthesized voice.
type Voice struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// provider default.
	ID string

	// Speed adjusts the speaking rate, 1.0 = default. Providers that do not
	// support it ignore it.
	Speed float64
}

// Chunk is one piece of synthesized audio, or a failure.
type Chunk struct {
	// PCM is 16 kHz mono PCM16. Always an even number of bytes.
	PCM []byte

	// Err is set on the last chunk of a stream that failed.
	Err error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// returns a channel of audio chunks. The returned channel is closed when
	// all text has been synthesised, after a failure chunk, or when ctx is
	// cancelled. The caller must drain it.
	//
	// The error return covers failures to start the stream.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan Chunk, error)
}
