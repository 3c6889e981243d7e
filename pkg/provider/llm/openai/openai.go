// Package openai streams chat completions from the OpenAI API, or any server
// speaking its chat-completions protocol, through the official openai-go SDK.
//
// Token usage is requested with every stream and logged at debug level when
// the reply finishes.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is an OpenAI chat model. It is safe for concurrent use.
type Provider struct {
	client oai.Client
	model  string
	logger *slog.Logger
}

type settings struct {
	reqOpts []option.RequestOption
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request, streaming included.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithMaxRetries sets how often the SDK retries a failed request before the
// stream starts. A spoken reply that starts late is worse than a fallback, so
// the default is 1.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithMaxRetries(n)) }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{
		reqOpts: []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(&s)
	}
	return &Provider{client: oai.NewClient(s.reqOpts...), model: model, logger: s.logger}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		var (
			first time.Duration
			usage oai.CompletionUsage
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = chunk.Usage
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			if first == 0 && c.Delta.Content != "" {
				first = time.Since(start)
			}
			select {
			case out <- llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- llm.Chunk{FinishReason: llm.FinishReasonError, Err: fmt.Errorf("openai: stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		p.logger.Debug("openai: completion finished",
			"model", p.model,
			"first_token", first,
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens,
		)
	}()
	return out, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	turns := llm.MergeTurns(req.Messages)
	if len(turns) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: no conversation to answer")
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range turns {
		msg, err := toMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func toMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
