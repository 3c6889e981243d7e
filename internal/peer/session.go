package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/conversation"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/protocol"
	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	sessionRate  = 16000
)

// DefaultSystemPrompt is the tutor persona used when none is configured.
const DefaultSystemPrompt = `You are a patient Socratic tutor talking with a learner by voice.
Keep answers short: two or three sentences, plain spoken language.
Never use LaTeX, markdown or lists; say formulas in words.
Ask one guiding question at a time instead of giving the full answer.`

// Providers bundles the upstream services a session talks to.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

func (p Providers) validate() error {
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("peer: stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("peer: llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("peer: tts provider is required"))
	}
	return errors.Join(errs...)
}

// SessionConfig holds the per-session conversation settings.
type SessionConfig struct {
	SystemPrompt string
	Language     string
	Voice        tts.Voice
	Temperature  float64
	MaxTokens    int

	// HistoryTurns bounds how many past turns are sent to the LLM.
	HistoryTurns int

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration

	// InterruptionWindow and MaxHistory tune the session's tracker. Zero
	// keeps the tracker defaults.
	InterruptionWindow time.Duration
	MaxHistory         int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 20
	}
	return c
}

// Session serves one client connection: it relays audio to STT, answers
// final transcripts with LLM text and TTS audio, and reports every state
// change to the client.
type Session struct {
	id        string
	conn      *websocket.Conn
	cfg       SessionConfig
	providers Providers
	metrics   *observe.Metrics
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	sm      *StateMachine
	tracker *conversation.Tracker

	// stateMu orders transitions with their state_change frames.
	stateMu sync.Mutex
	writeMu sync.Mutex

	encoding protocol.Encoding
	stt      stt.SessionHandle

	mu            sync.Mutex
	respondCancel context.CancelFunc
	respondDone   chan struct{}
	bargedIn      bool
	speechStart   time.Time

	lastActive atomic.Int64
	closeOnce  sync.Once
}

func newSession(ctx context.Context, conn *websocket.Conn, m *Manager) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithSessionID(ctx, id))
	s := &Session{
		id:        id,
		conn:      conn,
		cfg:       m.sessionConfig(),
		providers: m.providers,
		metrics:   m.metrics,
		logger:    observe.Enrich(ctx, m.logger),
		now:       m.now,
		ctx:       ctx,
		cancel:    cancel,
		sm:        NewStateMachine(),
		encoding:  protocol.EncodingHex,
	}
	s.tracker = conversation.New(
		conversation.WithLogger(s.logger),
		conversation.WithClock(m.now),
		conversation.WithPolicy(conversation.TimingPolicy{Window: s.cfg.InterruptionWindow}),
		conversation.WithMaxHistory(s.cfg.MaxHistory),
	)
	s.touch()
	return s
}

// ID returns the session id sent in the connected frame.
func (s *Session) ID() string { return s.id }

// State returns the current voice state.
func (s *Session) State() State { return s.sm.State() }

// Tracker returns the session's conversation history.
func (s *Session) Tracker() *conversation.Tracker { return s.tracker }

// LastActive returns when the client last sent a frame.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Close ends the session with a going-away close frame. It is safe to call
// more than once and from any goroutine.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Info("peer: closing session", "reason", reason)
		_ = s.conn.Close(websocket.StatusGoingAway, reason)
		s.cancel()
	})
}

func (s *Session) touch() {
	s.lastActive.Store(s.now().UnixNano())
}

// run blocks until the client disconnects or the session is closed.
func (s *Session) run() error {
	defer s.cancel()
	defer s.conn.CloseNow()

	if err := s.authenticate(); err != nil {
		return err
	}

	handle, err := s.providers.STT.StartStream(s.ctx, stt.StreamConfig{
		SampleRate: sessionRate,
		Channels:   1,
		Language:   s.cfg.Language,
	})
	if err != nil {
		s.metrics.RecordProviderError(s.ctx, "stt", "start")
		_ = s.send(protocol.Error(protocol.TypeSTTError, "speech recognition unavailable"))
		_ = s.conn.Close(websocket.StatusInternalError, "speech recognition unavailable")
		return fmt.Errorf("peer: start stt: %w", err)
	}
	s.stt = handle
	defer handle.Close()

	if err := s.send(protocol.Frame{Type: protocol.TypeConnected, AudioEncoding: s.encoding}); err != nil {
		return fmt.Errorf("peer: send connected: %w", err)
	}
	s.logger.Info("peer: session started", "encoding", s.encoding, "stt_vad", handle.HasVAD())

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.sttLoop(gctx) })
	g.Go(func() error { return s.pingLoop(gctx) })
	err = g.Wait()
	s.cancelResponse()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		err = nil
	}
	if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		err = nil
	}
	s.logger.Info("peer: session ended", "err", err)
	return err
}

func (s *Session) authenticate() error {
	ctx, cancel := context.WithTimeout(s.ctx, authTimeout)
	defer cancel()
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("peer: read auth: %w", err)
	}
	f, err := protocol.Unmarshal(data)
	if err != nil || f.Type != protocol.TypeAuth {
		_ = s.send(protocol.Error(protocol.TypeError, "expected auth frame"))
		_ = s.conn.Close(websocket.StatusPolicyViolation, "auth required")
		if err == nil {
			err = fmt.Errorf("peer: first frame is %q", f.Type)
		}
		return fmt.Errorf("peer: authenticate: %w", err)
	}
	s.touch()
	if f.AudioEncoding == protocol.EncodingBinary {
		s.encoding = protocol.EncodingBinary
	}
	s.logger = s.logger.With("user_id", f.UserID, "instance_id", f.InstanceID)
	if len(f.WorkspaceContext) > 0 {
		s.updateContext(f.WorkspaceContext)
	}
	return nil
}

// ---- inbound ----

func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.touch()

		if typ == websocket.MessageBinary {
			_, pcm, err := protocol.DecodeBinaryAudio(data)
			if err != nil {
				s.dropMalformed(ctx, err)
				continue
			}
			s.forwardAudio(ctx, pcm)
			continue
		}

		f, err := protocol.Unmarshal(data)
		if err != nil {
			s.dropMalformed(ctx, err)
			continue
		}
		switch f.Type {
		case protocol.TypeAudio:
			pcm, err := f.PCM()
			if err != nil {
				s.dropMalformed(ctx, err)
				continue
			}
			s.forwardAudio(ctx, pcm)
		case protocol.TypeUpdateContext:
			s.updateContext(f.WorkspaceContext)
		case protocol.TypePing:
			_ = s.send(protocol.Frame{Type: protocol.TypePong})
		case protocol.TypePong:
		default:
			s.logger.Debug("peer: ignoring frame", "type", f.Type)
		}
	}
}

func (s *Session) dropMalformed(ctx context.Context, err error) {
	s.metrics.RecordMalformedFrame(ctx, observe.SidePeer)
	s.logger.Warn("peer: dropping malformed frame", "err", err)
}

func (s *Session) forwardAudio(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if err := s.stt.SendAudio(pcm); err != nil {
		s.metrics.RecordProviderError(ctx, "stt", "send")
		s.logger.Warn("peer: forward audio to stt", "err", err)
	}
}

// updateContext records the topic and concepts of a workspace context on
// the canvas. Unknown shapes are ignored.
func (s *Session) updateContext(raw json.RawMessage) {
	var ws struct {
		Topic    string   `json:"topic"`
		Concepts []string `json:"concepts"`
	}
	if err := json.Unmarshal(raw, &ws); err != nil {
		s.logger.Debug("peer: unreadable workspace context", "err", err)
		return
	}
	s.tracker.UpdateCanvas(conversation.CanvasContext{Topic: ws.Topic, Concepts: ws.Concepts})
}

func (s *Session) pingLoop(ctx context.Context) error {
	if s.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.send(protocol.Frame{Type: protocol.TypePing}); err != nil {
				return fmt.Errorf("peer: ping: %w", err)
			}
		}
	}
}

// ---- speech recognition ----

func (s *Session) sttLoop(ctx context.Context) error {
	events := s.stt.Events()
	for {
		var (
			ev stt.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case ev, ok = <-events:
		}
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			_ = s.send(protocol.Error(protocol.TypeSTTError, "speech recognition stream closed"))
			return errors.New("peer: stt stream closed")
		}
		s.handleSTT(ctx, ev)
	}
}

func (s *Session) handleSTT(ctx context.Context, ev stt.Event) {
	switch ev.Type {
	case stt.EventSpeechStarted:
		s.mu.Lock()
		s.speechStart = s.now()
		s.mu.Unlock()
		switch s.sm.State() {
		case StateAssistantSpeaking:
			s.bargeIn(ctx)
		case StateIdle:
			s.transition(StateUserSpeaking)
		}

	case stt.EventPartial:
		_ = s.send(protocol.Transcript(protocol.TypePartialTranscript, ev.Text))

	case stt.EventFinal:
		s.handleFinal(ctx, ev.Text)

	case stt.EventUtteranceEnd:
		// Speech that produced no usable final.
		if s.sm.TransitionIf(StateUserSpeaking, StateIdle) {
			s.announce(StateIdle)
		}

	case stt.EventError:
		s.metrics.RecordProviderError(ctx, "stt", "stream")
		s.logger.Warn("peer: stt error", "err", ev.Err)
		_ = s.send(protocol.Error(protocol.TypeSTTError, errText(ev.Err)))
		if s.sm.TransitionIf(StateUserSpeaking, StateIdle) {
			s.announce(StateIdle)
		}
	}
}

func (s *Session) handleFinal(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	state := s.sm.State()
	accept := state == StateUserSpeaking || (state == StateIdle && !s.stt.HasVAD())
	if !accept {
		s.logger.Debug("peer: dropping final outside a user turn", "state", state, "text", text)
		return
	}

	s.mu.Lock()
	bargedIn := s.bargedIn
	s.bargedIn = false
	if !s.speechStart.IsZero() {
		s.metrics.ObserveStage(ctx, observe.StageSTT, observe.SidePeer, s.now().Sub(s.speechStart))
		s.speechStart = time.Time{}
	}
	s.mu.Unlock()

	_ = s.send(protocol.Transcript(protocol.TypeFinalTranscript, text))
	if bargedIn {
		s.tracker.AddUserSpeech(text, true)
	} else {
		s.tracker.ObserveUserSpeech(text)
	}
	if !s.transition(StateProcessing) {
		return
	}
	s.startResponse()
}

// bargeIn stops the current answer because the user started talking over
// it.
func (s *Session) bargeIn(ctx context.Context) {
	s.cancelResponse()
	s.tracker.Interrupt()
	s.mu.Lock()
	s.bargedIn = true
	s.mu.Unlock()
	s.metrics.RecordBargeIn(ctx)
	s.logger.Info("peer: barge-in")
	_ = s.send(protocol.Frame{Type: protocol.TypeBargeIn})
	s.transition(StateUserSpeaking)
}

// ---- state ----

// transition moves the state machine and announces the change. It reports
// whether the move was valid.
func (s *Session) transition(to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	from, err := s.sm.Transition(to)
	if err != nil {
		s.logger.Warn("peer: rejected transition", "err", err)
		return false
	}
	if from == to {
		return true
	}
	switch {
	case from == StateUserSpeaking && to == StateProcessing:
		s.metrics.RecordTurn(s.ctx, string(conversation.SpeakerUser))
	case from == StateProcessing && to == StateAssistantSpeaking:
		s.metrics.RecordTurn(s.ctx, string(conversation.SpeakerAI))
	}
	s.logger.Debug("peer: state change", "from", from, "to", to)
	_ = s.send(protocol.Frame{Type: protocol.TypeStateChange, State: string(to)})
	return true
}

// announce sends a state_change for a move already made with TransitionIf.
func (s *Session) announce(to State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	_ = s.send(protocol.Frame{Type: protocol.TypeStateChange, State: string(to)})
}

// ---- outbound ----

// send writes f stamped with the session id and current state. Writes use
// the session context so cancelling a response never tears down the
// connection mid-frame.
func (s *Session) send(f protocol.Frame) error {
	f.SessionID = s.id
	if f.State == "" {
		f.State = string(s.sm.State())
	}
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	return s.write(websocket.MessageText, data)
}

func (s *Session) sendAudio(pcm []byte, streamID string) error {
	if s.encoding == protocol.EncodingBinary {
		msg, err := protocol.EncodeBinaryAudio(streamID, pcm)
		if err != nil {
			return err
		}
		return s.write(websocket.MessageBinary, msg)
	}
	return s.send(protocol.AudioChunk(pcm, streamID))
}

func (s *Session) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, typ, data)
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
