// Package deepgram streams PCM16 audio to Deepgram's live transcription
// WebSocket and turns its replies into stt events.
//
// Sessions are opened with VAD events and interim results enabled, so
// callers get speech_started, partials, finals and utterance_end on one
// ordered channel.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/provider/stt"
)

const liveURL = "wss://api.deepgram.com/v1/listen"

var _ stt.Provider = (*Provider)(nil)

// Provider opens Deepgram live sessions. It is safe for concurrent use.
type Provider struct {
	apiKey string
	cfg    settings
}

type settings struct {
	endpoint     string
	model        string
	language     string
	sampleRate   int
	endpointing  time.Duration
	utteranceEnd time.Duration
	keepAlive    time.Duration
	logger       *slog.Logger
}

// Option configures a Provider.
type Option func(*settings)

// WithModel selects the recognition model. Defaults to nova-2.
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithLanguage sets the default BCP-47 language. Defaults to en-US.
func WithLanguage(lang string) Option { return func(s *settings) { s.language = lang } }

// WithSampleRate sets the rate used when a StreamConfig leaves it zero.
func WithSampleRate(hz int) Option { return func(s *settings) { s.sampleRate = hz } }

// WithEndpointing sets the trailing silence after which Deepgram finalises
// what it has heard. Defaults to 800ms.
func WithEndpointing(d time.Duration) Option { return func(s *settings) { s.endpointing = d } }

// WithUtteranceEnd sets the word gap that produces an utterance_end event.
// Deepgram rejects values under one second.
func WithUtteranceEnd(d time.Duration) Option { return func(s *settings) { s.utteranceEnd = d } }

// WithKeepAlive sets how long the session may go without sending audio
// before a KeepAlive message is sent. Deepgram drops silent sockets after
// about ten seconds. Defaults to 5s.
func WithKeepAlive(d time.Duration) Option { return func(s *settings) { s.keepAlive = d } }

// WithEndpoint replaces the live URL, for proxies and tests.
func WithEndpoint(u string) Option { return func(s *settings) { s.endpoint = u } }

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	cfg := settings{
		endpoint:     liveURL,
		model:        "nova-2",
		language:     "en-US",
		sampleRate:   16000,
		endpointing:  800 * time.Millisecond,
		utteranceEnd: time.Second,
		keepAlive:    5 * time.Second,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.utteranceEnd < time.Second {
		return nil, fmt.Errorf("deepgram: utterance end %v is below the 1s minimum", cfg.utteranceEnd)
	}
	return &Provider{apiKey: apiKey, cfg: cfg}, nil
}

// StartStream dials a live session. The session outlives ctx's deadline but
// not an explicit Close.
func (p *Provider) StartStream(ctx context.Context, sc stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(sc)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen url: %w", err)
	}
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	p.cfg.logger.Debug("deepgram: session opened", "model", p.cfg.model, "language", languageOr(sc.Language, p.cfg.language))
	return openStream(context.WithoutCancel(ctx), conn, p.cfg.keepAlive, p.cfg.logger), nil
}

func (p *Provider) listenURL(sc stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.cfg.endpoint)
	if err != nil {
		return "", err
	}
	rate := sc.SampleRate
	if rate == 0 {
		rate = p.cfg.sampleRate
	}
	channels := max(sc.Channels, 1)

	q := url.Values{}
	q.Set("model", p.cfg.model)
	q.Set("language", languageOr(sc.Language, p.cfg.language))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.Itoa(int(p.cfg.endpointing.Milliseconds())))
	q.Set("utterance_end_ms", strconv.Itoa(int(p.cfg.utteranceEnd.Milliseconds())))
	for _, kw := range sc.Keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func languageOr(lang, def string) string {
	if lang != "" {
		return lang
	}
	return def
}
