// Package mock is a scripted llm.Provider for tests. Each call replays
// Chunks on an unbuffered channel so the consumer paces the stream.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call is one StreamCompletion invocation.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays Chunks, waiting Delay before each one. When Err is set
// StreamCompletion fails without opening a stream. Fields may be changed
// between calls.
type Provider struct {
	Chunks []llm.Chunk
	Delay  time.Duration
	Err    error

	mu    sync.Mutex
	calls []Call
}

// Reply returns a Provider that streams text word by word and then stops.
func Reply(words ...string) *Provider {
	p := &Provider{}
	for _, w := range words {
		p.Chunks = append(p.Chunks, llm.Chunk{Text: w})
	}
	p.Chunks = append(p.Chunks, llm.Chunk{FinishReason: "stop"})
	return p
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	script, delay, err := slices.Clone(p.Chunks), p.Delay, p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Calls returns the recorded calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
