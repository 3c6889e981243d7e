package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/conversation"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/protocol"
	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

// errStateChanged stops audio delivery once the session left the speaking
// state.
var errStateChanged = errors.New("peer: state changed during response")

// upstreamError is a provider failure that ends the current turn.
type upstreamError struct {
	kind  protocol.Type
	label string
	err   error
}

func (e *upstreamError) Error() string { return fmt.Sprintf("peer: %s: %v", e.label, e.err) }
func (e *upstreamError) Unwrap() error { return e.err }

// startResponse answers the latest user turn in the background. Any previous
// response must already be finished or cancelled.
func (s *Session) startResponse() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.respondCancel = cancel
	s.respondDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.respond(ctx)
	}()
}

// cancelResponse cancels the running response, if any, and waits for it to
// stop.
func (s *Session) cancelResponse() {
	s.mu.Lock()
	cancel, done := s.respondCancel, s.respondDone
	s.respondCancel, s.respondDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Session) respond(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "peer.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicecoach.voice_id", s.cfg.Voice.ID),
		attribute.Int("voicecoach.history_turns", s.cfg.HistoryTurns),
	)

	started := s.now()
	err := s.stream(ctx, started)
	if ctx.Err() != nil {
		// Barge-in or shutdown; whoever cancelled owns the state.
		return
	}

	var upErr *upstreamError
	switch {
	case errors.As(err, &upErr):
		span.RecordError(err)
		s.logger.Warn("peer: response failed", "err", err)
		_ = s.send(protocol.Error(upErr.kind, errText(upErr.err)))
		s.tracker.CompleteAIUtterance()
		s.transition(StateError)
		s.transition(StateIdle)
	case errors.Is(err, errStateChanged):
		s.logger.Debug("peer: response abandoned", "state", s.sm.State())
	default:
		s.tracker.CompleteAIUtterance()
		s.transition(StateIdle)
	}
}

// stream runs LLM → sentence chunker → TTS → client for one turn.
func (s *Session) stream(ctx context.Context, started time.Time) error {
	chunks, err := s.providers.LLM.StreamCompletion(ctx, s.buildRequest())
	s.metrics.RecordProviderRequest(ctx, "llm", "completion", status(err))
	if err != nil {
		s.metrics.RecordProviderError(ctx, "llm", "completion")
		return &upstreamError{kind: protocol.TypeError, label: "llm", err: err}
	}

	sentences := make(chan string, 8)
	audioCh, err := s.providers.TTS.SynthesizeStream(ctx, sentences, s.cfg.Voice)
	s.metrics.RecordProviderRequest(ctx, "tts", "synthesize", status(err))
	if err != nil {
		close(sentences)
		s.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return &upstreamError{kind: protocol.TypeTTSError, label: "tts", err: err}
	}

	firstSentence := make(chan time.Time, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(sentences)
		return s.pumpText(gctx, chunks, sentences, started, firstSentence)
	})
	g.Go(func() error {
		return s.pumpAudio(gctx, audioCh, started, firstSentence)
	})
	return g.Wait()
}

// pumpText chunks LLM deltas into sentences, announces each one and hands it
// to TTS.
func (s *Session) pumpText(ctx context.Context, chunks <-chan llm.Chunk, out chan<- string, started time.Time, first chan<- time.Time) error {
	chunker := newSentenceChunker()
	gotToken := false
	emit := func(sentence string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.send(protocol.Transcript(protocol.TypeAssistantTranscript, sentence))
		s.tracker.AppendAIUtterance(sentence)
		select {
		case first <- s.now():
		default:
		}
		select {
		case out <- sentence:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		var (
			c  llm.Chunk
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok = <-chunks:
		}
		if !ok {
			break
		}
		if c.Err != nil {
			s.metrics.RecordProviderError(ctx, "llm", "stream")
			return &upstreamError{kind: protocol.TypeError, label: "llm", err: c.Err}
		}
		if c.Text == "" {
			continue
		}
		if !gotToken {
			gotToken = true
			s.metrics.ObserveStage(ctx, observe.StageLLM, observe.SidePeer, s.now().Sub(started))
		}
		for _, sentence := range chunker.Push(c.Text) {
			if err := emit(sentence); err != nil {
				return err
			}
		}
	}
	if rest, ok := chunker.Flush(); ok {
		return emit(rest)
	}
	return nil
}

// pumpAudio forwards synthesised audio under one stream id. The first chunk
// moves the session to assistant_speaking; delivery stops as soon as the
// session is in any other state.
func (s *Session) pumpAudio(ctx context.Context, audioCh <-chan tts.Chunk, started time.Time, first <-chan time.Time) error {
	streamID := uuid.NewString()
	speaking := false
	for {
		var (
			c  tts.Chunk
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok = <-audioCh:
		}
		if !ok {
			return nil
		}
		if c.Err != nil {
			s.metrics.RecordProviderError(ctx, "tts", "stream")
			return &upstreamError{kind: protocol.TypeTTSError, label: "tts", err: c.Err}
		}
		if len(c.PCM) == 0 {
			continue
		}
		if !speaking {
			if !s.transition(StateAssistantSpeaking) || s.sm.State() != StateAssistantSpeaking {
				return errStateChanged
			}
			speaking = true
			now := s.now()
			s.metrics.ObserveStage(ctx, observe.StageTurn, observe.SidePeer, now.Sub(started))
			select {
			case at := <-first:
				s.metrics.ObserveStage(ctx, observe.StageTTS, observe.SidePeer, now.Sub(at))
			default:
			}
		} else if s.sm.State() != StateAssistantSpeaking {
			return errStateChanged
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sendAudio(c.PCM, streamID); err != nil {
			return fmt.Errorf("peer: send audio: %w", err)
		}
	}
}

// buildRequest assembles the LLM request from the system prompt, the canvas
// and recent history. The latest user turn is already in history.
func (s *Session) buildRequest() llm.CompletionRequest {
	var prompt strings.Builder
	prompt.WriteString(s.cfg.SystemPrompt)

	canvas := s.tracker.Canvas()
	if canvas.Topic != "" {
		fmt.Fprintf(&prompt, "\n\nThe learner is currently working on: %s.", canvas.Topic)
	}
	if len(canvas.Concepts) > 0 {
		fmt.Fprintf(&prompt, "\nConcepts on their canvas: %s.", strings.Join(canvas.Concepts, ", "))
	}

	history := s.tracker.GetRecentHistory(s.cfg.HistoryTurns)
	if n := len(history); n > 0 && history[n-1].IsInterruption {
		if said := s.tracker.GetInterruptedContent(); said != "" {
			fmt.Fprintf(&prompt, "\n\nThe learner interrupted you while you were saying: %q. Respond to their interruption first.", said)
		}
	}

	msgs := make([]llm.Message, 0, len(history))
	for _, t := range history {
		role := llm.RoleUser
		if t.Speaker == conversation.SpeakerAI {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return llm.CompletionRequest{
		SystemPrompt: prompt.String(),
		Messages:     msgs,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
