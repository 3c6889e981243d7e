// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the peer one code path for hosted and local chat models.
//
//	p, err := anyllm.New("anthropic", "", anyllmlib.WithAPIKey(key))
//
// An empty model selects the backend's default from [DefaultModel]. Without
// an API key option the backend reads its usual environment variable.
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type backendInfo struct {
	create func(...anyllmlib.Option) (anyllmlib.Provider, error)
	// model is used when the config names none. Local servers serve
	// whatever model they were started with.
	model string
	// local backends take no API key.
	local bool
}

// Short, fast models suit spoken replies.
var backends = map[string]backendInfo{
	"openai":    {create: wrap(anyllmoai.New), model: "gpt-4o-mini"},
	"anthropic": {create: wrap(anthropic.New), model: "claude-3-5-haiku-latest"},
	"gemini":    {create: wrap(gemini.New), model: "gemini-2.0-flash"},
	"deepseek":  {create: wrap(deepseek.New), model: "deepseek-chat"},
	"mistral":   {create: wrap(mistral.New), model: "mistral-small-latest"},
	"groq":      {create: wrap(groq.New), model: "llama-3.1-8b-instant"},
	"ollama":    {create: wrap(ollama.New), model: "llama3.2", local: true},
	"llamacpp":  {create: wrap(llamacpp.New), model: "default", local: true},
	"llamafile": {create: wrap(llamafile.New), model: "default", local: true},
}

// wrap erases the concrete provider type returned by each backend package.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) func(...anyllmlib.Option) (anyllmlib.Provider, error) {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return fn(opts...)
	}
}

// Backends lists the supported backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultModel returns the model used for backend when none is configured.
func DefaultModel(backend string) string {
	return backends[strings.ToLower(backend)].model
}

// IsLocal reports whether backend is a local server that needs no API key.
func IsLocal(backend string) bool {
	return backends[strings.ToLower(backend)].local
}

// Provider streams completions from one any-llm-go backend.
type Provider struct {
	name    string
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for the named backend (see [Backends]).
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(backend)
	info, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	if model == "" {
		model = info.model
	}
	b, err := info.create(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{name: name, backend: b, model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)
	if len(params.Messages) == 0 || (len(params.Messages) == 1 && req.SystemPrompt != "") {
		return nil, fmt.Errorf("anyllm: %s: no conversation to answer", p.name)
	}

	chunks, errs := p.backend.CompletionStream(ctx, params)
	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			if !send(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Err: fmt.Errorf("anyllm: %s: %w", p.name, err)})
		}
	}()
	return out, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range llm.MergeTurns(req.Messages) {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		params.MaxTokens = &n
	}
	return params
}
