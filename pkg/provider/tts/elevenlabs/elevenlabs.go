// Package elevenlabs synthesises speech over the ElevenLabs stream-input
// WebSocket. Text fragments are forwarded as they arrive and PCM is returned
// as soon as ElevenLabs produces it.
package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

const (
	defaultEndpoint = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel    = "eleven_turbo_v2"
	defaultVoiceID  = "21m00Tcm4TlvDq8ikWAM"

	// outputFormat matches tts.SampleRate, so no resampling happens here.
	outputFormat = "pcm_16000"
)

type settings struct {
	endpoint string
	model    string
	voiceID  string
	tuning   voiceSettings
	logger   *slog.Logger
}

// Option configures a [Provider].
type Option func(*settings)

// WithModel selects the ElevenLabs model, e.g. "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(s *settings) {
		if model != "" {
			s.model = model
		}
	}
}

// WithVoice sets the voice used when a request leaves Voice.ID empty.
func WithVoice(id string) Option {
	return func(s *settings) {
		if id != "" {
			s.voiceID = id
		}
	}
}

// WithVoiceSettings sets stability and similarity boost, both in [0, 1].
func WithVoiceSettings(stability, similarity float64) Option {
	return func(s *settings) {
		s.tuning.Stability = stability
		s.tuning.SimilarityBoost = similarity
	}
}

// WithEndpoint replaces the WebSocket base URL.
func WithEndpoint(u string) Option {
	return func(s *settings) {
		if u != "" {
			s.endpoint = u
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// Provider implements [tts.Provider]. Each SynthesizeStream call opens its
// own connection.
type Provider struct {
	apiKey string
	cfg    settings
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	cfg := settings{
		endpoint: defaultEndpoint,
		model:    defaultModel,
		voiceID:  defaultVoiceID,
		tuning:   voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Provider{apiKey: apiKey, cfg: cfg}, nil
}

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.Chunk, error) {
	id := voice.ID
	if id == "" {
		id = p.cfg.voiceID
	}
	conn, resp, err := websocket.Dial(ctx, p.streamURL(id), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("elevenlabs: dial %s: %s: %w", id, resp.Status, err)
		}
		return nil, fmt.Errorf("elevenlabs: dial %s: %w", id, err)
	}

	tuning := p.cfg.tuning
	if voice.Speed > 0 {
		tuning.Speed = voice.Speed
	}
	if err := writeFrame(ctx, conn, openFrame(p.apiKey, tuning)); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("elevenlabs: init stream: %w", err)
	}

	s := &synth{conn: conn, logger: p.cfg.logger, out: make(chan tts.Chunk, 64)}
	go s.run(ctx, text)
	return s.out, nil
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{
		"model_id":      {p.cfg.model},
		"output_format": {outputFormat},
	}
	return p.cfg.endpoint + "/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}
