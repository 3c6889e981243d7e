// Package whisper provides an STT provider backed by a local whisper.cpp
// server (the whisper-server binary and its POST /inference endpoint).
//
// whisper.cpp transcribes whole clips, so a session segments the incoming
// audio itself: an energy detector marks the start of speech, and the
// utterance is sent for inference once it is followed by enough silence or
// grows past a length limit. Each utterance yields a speech-started event, a
// final transcript and an utterance-end event. No partials are produced.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
)

const (
	defaultLanguage     = "en"
	defaultSilence      = 600 * time.Millisecond
	defaultMaxUtterance = 15 * time.Second
	defaultTimeout      = 30 * time.Second

	// flushTimeout bounds the inference of the trailing utterance on Close.
	flushTimeout = 10 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel forwards a model name to the server. Empty uses whatever model
// the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code (e.g. "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps the audio buffered for one inference request.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithThreshold sets the RMS level below which audio counts as silence.
func WithThreshold(rms float64) Option {
	return func(p *Provider) { p.threshold = rms }
}

// WithTimeout sets the per-request HTTP timeout.
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

// Provider opens whisper.cpp transcription sessions. It is safe for
// concurrent use.
type Provider struct {
	serverURL    string
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	threshold    float64
	client       *http.Client
	logger       *slog.Logger
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:8081".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		language:     defaultLanguage,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		threshold:    audio.DefaultSilenceThreshold,
		client:       &http.Client{Timeout: defaultTimeout},
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream starts a session. No request is made until the first
// utterance completes, so an unreachable server shows up as an error event.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = audio.SessionSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// whisper.cpp expects a bare language code.
	lang, _, _ = strings.Cut(lang, "-")

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		p:      p,
		format: f,
		lang:   lang,
		audio:  make(chan []byte, 64),
		events: make(chan stt.Event, 32),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.wg.Go(func() { s.loop(ctx) })
	return s, nil
}

type session struct {
	p      *Provider
	format audio.Format
	lang   string

	audio  chan []byte
	events chan stt.Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	// Owned by loop.
	buf      []byte
	inSpeech bool
	quiet    time.Duration
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

func (s *session) Events() <-chan stt.Event { return s.events }

// HasVAD is true; the energy detector emits speech-started events.
func (s *session) HasVAD() bool { return true }

// Close transcribes any utterance in progress and ends the session.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.cancel()
	})
	return nil
}

func (s *session) loop(ctx context.Context) {
	defer close(s.events)
	for {
		select {
		case chunk := <-s.audio:
			s.feed(ctx, chunk)
		case <-s.done:
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		drain:
			for {
				select {
				case chunk := <-s.audio:
					s.feed(fctx, chunk)
				default:
					break drain
				}
			}
			s.flush(fctx)
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) feed(ctx context.Context, chunk []byte) {
	dur := audio.Duration(len(chunk), s.format.SampleRate, s.format.Channels)
	if !audio.IsSilence(chunk, s.p.threshold) {
		if !s.inSpeech {
			s.inSpeech = true
			s.emit(ctx, stt.Event{Type: stt.EventSpeechStarted})
		}
		s.quiet = 0
		s.buf = append(s.buf, chunk...)
		if audio.Duration(len(s.buf), s.format.SampleRate, s.format.Channels) >= s.p.maxUtterance {
			s.flush(ctx)
		}
		return
	}
	if !s.inSpeech {
		// Leading silence is dropped.
		return
	}
	s.buf = append(s.buf, chunk...)
	s.quiet += dur
	if s.quiet >= s.p.silence {
		s.flush(ctx)
	}
}

// flush transcribes the buffered utterance and resets the segmenter.
func (s *session) flush(ctx context.Context) {
	pcm, hadSpeech := s.buf, s.inSpeech
	s.buf, s.inSpeech, s.quiet = nil, false, 0
	if !hadSpeech || len(pcm) == 0 {
		return
	}

	text, err := s.infer(ctx, pcm)
	switch {
	case err != nil:
		s.emit(ctx, stt.Event{Type: stt.EventError, Err: err})
	case text != "":
		s.emit(ctx, stt.Event{Type: stt.EventFinal, Text: text})
	}
	s.emit(ctx, stt.Event{Type: stt.EventUtteranceEnd})
}

func (s *session) emit(ctx context.Context, ev stt.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
		s.p.logger.Warn("whisper: dropped event", "type", ev.Type.String())
	}
}

// infer uploads pcm as a WAV file and returns the trimmed transcript.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, s.format.SampleRate, s.format.Channels)); err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": s.lang, "model": s.p.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: build request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := s.p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: inference: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	s.p.logger.Debug("whisper: utterance transcribed",
		"audio", audio.Duration(len(pcm), s.format.SampleRate, s.format.Channels),
		"took", time.Since(start))
	return strings.TrimSpace(result.Text), nil
}
