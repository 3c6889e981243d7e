// Package coqui provides a TTS provider backed by a locally running Coqui
// TTS server. Two server flavours are supported:
//
//   - [APIModeStandard] (default) targets the stock tts-server image:
//     GET /api/tts with query parameters.
//   - [APIModeXTTS] targets the XTTS v2 API server: POST /tts_to_audio/ with
//     a JSON body. It requires a speaker, taken from the voice ID.
//
// Both servers answer one request per utterance with a WAV file, so every
// text fragment becomes one request. Up to [lookahead] requests run
// concurrently while audio is still emitted in fragment order. Output is
// resampled to 16 kHz mono.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	standardEndpoint = "/api/tts"
	xttsEndpoint     = "/tts_to_audio/"

	// lookahead is the number of synthesis requests in flight per stream.
	lookahead = 3

	// chunkBytes splits each utterance's PCM into 100 ms chunks at 16 kHz.
	chunkBytes = 3200
)

// APIMode selects the server API.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language sent to multi-lingual models. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithAPIMode selects the server flavour. Defaults to [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithSpeaker sets the speaker used when a request carries no voice ID.
func WithSpeaker(id string) Option {
	return func(p *Provider) { p.speaker = id }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// Provider synthesises speech with a Coqui server. It is safe for concurrent
// use.
type Provider struct {
	serverURL string
	language  string
	mode      APIMode
	speaker   string
	client    *http.Client
	logger    *slog.Logger
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		mode:      APIModeStandard,
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	if voice.ID == "" {
		voice.ID = p.speaker
	}
	if p.mode == APIModeXTTS && voice.ID == "" {
		return nil, errors.New("coqui: xtts mode needs a speaker")
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan tts.Chunk, 16)
	pending := make(chan chan result, lookahead)

	// Dispatcher: one request per fragment, queued in order.
	go func() {
		defer close(pending)
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
			fragment = strings.TrimSpace(fragment)
			if fragment == "" {
				continue
			}
			res := make(chan result, 1)
			select {
			case pending <- res:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, fragment, voice.ID)
				res <- result{pcm, err}
			}()
		}
	}()

	// Collector: drains results in order. Returning early stops the
	// dispatcher and aborts requests still in flight.
	go func() {
		defer close(out)
		defer cancel()
		for res := range pending {
			var r result
			select {
			case r = <-res:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					select {
					case out <- tts.Chunk{Err: r.err}:
					case <-ctx.Done():
					}
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(chunkBytes, len(pcm))
				select {
				case out <- tts.Chunk{PCM: pcm[:n]}:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()
	return out, nil
}

// synthesize fetches one utterance and returns it as 16 kHz mono PCM.
func (p *Provider) synthesize(ctx context.Context, text, speaker string) ([]byte, error) {
	req, err := p.newRequest(ctx, text, speaker)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coqui: synthesize: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}

	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	pcm, err = audio.Convert(pcm, f, audio.Format{SampleRate: tts.SampleRate, Channels: 1})
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	p.logger.Debug("coqui: synthesized", "chars", len(text), "source_rate", f.SampleRate, "took", time.Since(start))
	return pcm, nil
}

func (p *Provider) newRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	if p.mode == APIModeXTTS {
		body, err := json.Marshal(struct {
			Text       string `json:"text"`
			SpeakerWav string `json:"speaker_wav"`
			Language   string `json:"language"`
		}{text, speaker, p.language})
		if err != nil {
			return nil, fmt.Errorf("coqui: encode request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("coqui: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := url.Values{"text": {text}}
	if speaker != "" {
		q.Set("speaker_id", speaker)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+standardEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	return req, nil
}
