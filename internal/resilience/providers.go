package resilience

import (
	"context"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

// Only stream start is covered by failover. Once a stream is running its
// errors reach the caller as usual.

// LLM is an [llm.Provider] backed by a group of LLM providers.
type LLM struct{ *Group[llm.Provider] }

var _ llm.Provider = LLM{}

// NewLLM returns an empty LLM group. Add the primary first.
func NewLLM(cfg BreakerConfig, opts ...Option) LLM {
	return LLM{NewGroup[llm.Provider]("llm", cfg, opts...)}
}

// StreamCompletion starts a completion on the first provider that accepts it.
func (f LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, f.Group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// STT is an [stt.Provider] backed by a group of STT providers.
type STT struct{ *Group[stt.Provider] }

var _ stt.Provider = STT{}

// NewSTT returns an empty STT group. Add the primary first.
func NewSTT(cfg BreakerConfig, opts ...Option) STT {
	return STT{NewGroup[stt.Provider]("stt", cfg, opts...)}
}

// StartStream opens a transcription session on the first provider that
// accepts it.
func (f STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(ctx, f.Group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTS is a [tts.Provider] backed by a group of TTS providers. A member that
// fails to start must not have read from text.
type TTS struct{ *Group[tts.Provider] }

var _ tts.Provider = TTS{}

// NewTTS returns an empty TTS group. Add the primary first.
func NewTTS(cfg BreakerConfig, opts ...Option) TTS {
	return TTS{NewGroup[tts.Provider]("tts", cfg, opts...)}
}

// SynthesizeStream starts synthesis on the first provider that accepts it.
func (f TTS) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	return Call(ctx, f.Group, func(p tts.Provider) (<-chan tts.Chunk, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
