// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Each text fragment is synthesised with one request in "pcm" format (24 kHz
// PCM16) and the response body is streamed back resampled to 16 kHz, so the
// first audio of a sentence is available before the whole sentence is
// rendered.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"

	// sourceRate is the rate of OpenAI's "pcm" response format.
	sourceRate = 24000

	readChunk = 4096

	// groupBytes is the smallest run of 24 kHz samples that maps to a whole
	// number of 16 kHz samples (3 in, 2 out).
	groupBytes = 3 * audio.BytesPerSample
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the speech model ("tts-1", "tts-1-hd", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the default voice used when the request does not name one.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.reqOpts = append(p.reqOpts, option.WithBaseURL(url))
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client  oai.Client
	model   string
	voice   string
	logger  *slog.Logger
	reqOpts []option.RequestOption
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	p := &Provider{
		model:   defaultModel,
		voice:   defaultVoice,
		logger:  slog.Default(),
		reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(p.reqOpts...)
	return p, nil
}

// SynthesizeStream implements tts.Provider. Fragments are synthesised in
// order, one request each; blank fragments are skipped.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	if voice.ID == "" {
		voice.ID = p.voice
	}
	out := make(chan tts.Chunk, 16)
	go func() {
		defer close(out)
		for {
			var (
				fragment string
				ok       bool
			)
			select {
			case fragment, ok = <-text:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
			if strings.TrimSpace(fragment) == "" {
				continue
			}
			if err := p.synthesize(ctx, fragment, voice, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- tts.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) synthesize(ctx context.Context, text string, voice tts.Voice, out chan<- tts.Chunk) error {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = param.NewOpt(voice.Speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	p.logger.Debug("openai tts: synthesizing", "chars", len(text), "voice", voice.ID)

	var pending []byte
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		pending = append(pending, buf[:n]...)
		if whole := len(pending) - len(pending)%groupBytes; whole > 0 {
			pcm := audio.ResampleMono16(pending[:whole], sourceRate, tts.SampleRate)
			pending = append(pending[:0], pending[whole:]...)
			select {
			case out <- tts.Chunk{PCM: pcm}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("openai tts: read audio: %w", rerr)
		}
	}
	// A trailing partial group is at most two samples; drop it.
	return nil
}
