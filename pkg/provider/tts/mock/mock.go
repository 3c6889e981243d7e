// Package mock is a scripted tts.Provider for tests. Every sentence read
// from the text channel is answered with Chunks, or with one 20 ms frame of
// silence when Chunks is empty.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// silence is 20 ms of 16 kHz mono PCM16.
const silence = 640

// Call is one SynthesizeStream invocation.
type Call struct {
	Ctx   context.Context
	Voice tts.Voice
}

// Provider fields may be changed between calls, not during one.
type Provider struct {
	Chunks [][]byte
	Delay  time.Duration
	// Err fails SynthesizeStream before any stream opens.
	Err error
	// FailWith is emitted as a failed chunk after the first sentence's audio.
	FailWith error

	mu    sync.Mutex
	calls []Call
	texts []string
}

func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Voice: voice})
	script, delay, err, failWith := slices.Clone(p.Chunks), p.Delay, p.Err, p.FailWith
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(script) == 0 {
		script = [][]byte{make([]byte, silence)}
	}

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		emit := func(c tts.Chunk) bool {
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return false
				}
			}
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			var sentence string
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				sentence = s
			case <-ctx.Done():
				return
			}
			p.mu.Lock()
			p.texts = append(p.texts, sentence)
			p.mu.Unlock()

			for _, pcm := range script {
				if !emit(tts.Chunk{PCM: pcm}) {
					return
				}
			}
			if failWith != nil {
				emit(tts.Chunk{Err: failWith})
				return
			}
		}
	}()
	return out, nil
}

// Calls returns the recorded calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// Texts returns every sentence received, across calls.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.texts)
}
