// Package voice composes the client-side voice pipeline: microphone capture,
// assistant playback, the peer transport and the conversation tracker.
//
//	microphone → capture → transport → peer
//	peer → transport → {tracker, playback}
//
// A barge-in from the peer short-circuits playback and marks the assistant
// utterance interrupted.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/voicecoach/internal/conversation"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/playback"
)

// Transcript is what the user has seen of the session. It survives errors
// and StopVoice so context is not lost.
type Transcript struct {
	State transport.VoiceState

	// Partial is the in-progress user transcript, cleared on final.
	Partial string

	User      []string
	Assistant []string

	// LastError is the most recent transport or upstream error, or "".
	LastError string
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracker uses tr instead of a fresh [conversation.Tracker].
func WithTracker(tr *conversation.Tracker) Option {
	return func(s *Session) {
		if tr != nil {
			s.tracker = tr
		}
	}
}

// WithStateHandler is called on every voice state change.
func WithStateHandler(fn func(transport.VoiceState)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithErrorHandler is called with every transport or upstream error.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithTranscriptHandler is called with every final user transcript and
// every assistant sentence, in arrival order per speaker.
func WithTranscriptHandler(fn func(speaker conversation.Speaker, text string)) Option {
	return func(s *Session) { s.onTranscript = fn }
}

// WithTransportOptions passes options to the transport client.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Session) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithCaptureOptions passes options to the capture unit.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(s *Session) { s.captureOpts = append(s.captureOpts, opts...) }
}

// WithPlaybackOptions passes options to the player.
func WithPlaybackOptions(opts ...playback.Option) Option {
	return func(s *Session) { s.playbackOpts = append(s.playbackOpts, opts...) }
}

// Session is one user's voice conversation. All methods are safe for
// concurrent use.
type Session struct {
	logger  *slog.Logger
	tracker *conversation.Tracker
	onState func(transport.VoiceState)
	onError func(error)

	onTranscript func(conversation.Speaker, string)

	clientOpts   []transport.Option
	captureOpts  []capture.Option
	playbackOpts []playback.Option

	capture *capture.Unit
	player  *playback.Player
	sink    playback.Sink
	client  *transport.Client

	mu         sync.Mutex
	ctx        context.Context
	running    bool
	liveStream string
	// bargedIn is set between a barge-in and the user's final transcript.
	bargedIn   bool
	transcript Transcript
}

// New wires a session. mic feeds the capture unit and sink plays assistant
// speech; both are held only between StartVoice and StopVoice.
func New(cfg transport.Config, mic capture.Device, sink playback.Sink, opts ...Option) *Session {
	s := &Session{
		logger: slog.Default(),
		sink:   sink,
		ctx:    context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.tracker == nil {
		s.tracker = conversation.New(conversation.WithLogger(s.logger))
	}

	s.player = playback.New(append([]playback.Option{
		playback.WithLogger(s.logger),
		playback.OnEnded(s.playbackEnded),
	}, s.playbackOpts...)...)
	s.capture = capture.New(mic, s.captured, append([]capture.Option{capture.WithLogger(s.logger)}, s.captureOpts...)...)
	s.client = transport.New(cfg, transport.Handlers{
		OnState:               s.stateChanged,
		OnPartial:             s.partial,
		OnFinal:               s.final,
		OnAssistantTranscript: s.assistantText,
		OnAudio:               s.assistantAudio,
		OnBargeIn:             s.bargeIn,
		OnPlaybackStop:        s.player.Stop,
		OnError:               s.failed,
		OnPeerState: func(state string) {
			s.logger.Debug("voice: peer state", "state", state)
		},
	}, append([]transport.Option{transport.WithLogger(s.logger)}, s.clientOpts...)...)
	return s
}

// StartVoice initialises playback, opens the microphone and connects to the
// peer, in that order. A microphone failure wraps
// [capture.ErrMicrophoneUnavailable] and leaves nothing held. A transport
// failure is returned with capture and playback still running; the session
// is then in [transport.StateError] and [Session.Retry] reconnects.
func (s *Session) StartVoice(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.player.Init(s.sink); err != nil && !errors.Is(err, playback.ErrAlreadyInitialized) {
		return fmt.Errorf("voice: init playback: %w", err)
	}
	if err := s.capture.Start(ctx); err != nil {
		_ = s.player.Close()
		return err
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("voice: connect: %w", err)
	}
	s.logger.Info("voice: session started")
	return nil
}

// StopVoice stops capture, stops playback and disconnects, in that order.
// Every step runs even if an earlier one fails; the failures are joined.
func (s *Session) StopVoice() error {
	s.mu.Lock()
	s.running = false
	s.liveStream = ""
	s.bargedIn = false
	s.mu.Unlock()

	var errs []error
	if err := s.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("voice: stop capture: %w", err))
	}
	s.player.Stop()
	if err := s.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("voice: stop playback: %w", err))
	}
	if err := s.client.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("voice: disconnect: %w", err))
	}
	s.logger.Info("voice: session stopped", "errors", len(errs))
	return errors.Join(errs...)
}

// Retry reconnects after the session reached [transport.StateError]. On a
// stopped session it behaves like StartVoice.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	if running {
		s.ctx = ctx
	}
	s.mu.Unlock()
	if !running {
		return s.StartVoice(ctx)
	}
	return s.client.Start(ctx)
}

// UpdateContext sends workspace context to the peer and records the topic,
// concepts and screenshot it carries, if any, on the tracker's canvas.
func (s *Session) UpdateContext(ctx context.Context, workspace json.RawMessage) error {
	var canvas struct {
		Topic      string   `json:"topic"`
		Concepts   []string `json:"concepts"`
		Screenshot []byte   `json:"screenshot"`
	}
	if err := json.Unmarshal(workspace, &canvas); err == nil {
		s.tracker.UpdateCanvas(conversation.CanvasContext{
			Topic:      canvas.Topic,
			Concepts:   canvas.Concepts,
			Screenshot: canvas.Screenshot,
		})
	}
	return s.client.UpdateContext(ctx, workspace)
}

// State returns the current voice state.
func (s *Session) State() transport.VoiceState {
	return s.client.State()
}

// Tracker returns the session's conversation tracker.
func (s *Session) Tracker() *conversation.Tracker {
	return s.tracker
}

// Transcript returns a snapshot of what the user has seen.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transcript
	t.User = slices.Clone(t.User)
	t.Assistant = slices.Clone(t.Assistant)
	return t
}

func (s *Session) captured(f audio.AudioFrame) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := s.client.SendAudio(ctx, f)
	switch {
	case err == nil, errors.Is(err, transport.ErrNotConnected):
	case errors.Is(err, transport.ErrQueueFull):
		s.logger.Debug("voice: dropped captured frame", "err", err)
	default:
		s.logger.Warn("voice: send audio", "err", err)
	}
}

func (s *Session) stateChanged(st transport.VoiceState) {
	s.mu.Lock()
	s.transcript.State = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *Session) partial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Partial = text
}

func (s *Session) final(text string) {
	s.mu.Lock()
	s.transcript.Partial = ""
	s.transcript.User = append(s.transcript.User, text)
	bargedIn := s.bargedIn
	s.bargedIn = false
	fn := s.onTranscript
	s.mu.Unlock()

	if fn != nil {
		fn(conversation.SpeakerUser, text)
	}
	if bargedIn {
		s.tracker.AddUserSpeech(text, true)
		return
	}
	if s.tracker.ObserveUserSpeech(text) {
		s.logger.Debug("voice: user speech interrupted the assistant")
	}
}

func (s *Session) assistantText(text string) {
	s.mu.Lock()
	s.transcript.Assistant = append(s.transcript.Assistant, text)
	fn := s.onTranscript
	s.mu.Unlock()
	s.tracker.AppendAIUtterance(text)
	if fn != nil {
		fn(conversation.SpeakerAI, text)
	}
}

func (s *Session) assistantAudio(f audio.AudioFrame, streamID string) {
	s.mu.Lock()
	superseded := s.liveStream != "" && s.liveStream != streamID
	s.liveStream = streamID
	s.mu.Unlock()

	if superseded {
		s.tracker.CompleteAIUtterance()
	}
	if err := s.player.Enqueue(f, streamID); err != nil {
		s.logger.Warn("voice: enqueue assistant audio", "err", err, "stream_id", streamID)
	}
}

func (s *Session) bargeIn() {
	s.mu.Lock()
	s.bargedIn = true
	s.liveStream = ""
	s.mu.Unlock()
	s.tracker.Interrupt()
}

func (s *Session) playbackEnded() {
	s.mu.Lock()
	s.liveStream = ""
	s.mu.Unlock()
	s.client.PlaybackEnded()
	s.tracker.CompleteAIUtterance()
}

func (s *Session) failed(err error) {
	s.mu.Lock()
	s.transcript.LastError = err.Error()
	fn := s.onError
	s.mu.Unlock()
	s.logger.Warn("voice: session error", "err", err)
	if fn != nil {
		fn(err)
	}
}
