package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/pkg/provider/stt"
)

// flushWait bounds how long Close waits for finals that Deepgram sends after
// CloseStream.
const flushWait = 500 * time.Millisecond

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// stream is one live session. Only the writer goroutine writes to conn.
type stream struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	keepAlive time.Duration

	audio   chan []byte
	events  chan stt.Event
	closing chan struct{}

	group     *errgroup.Group
	stop      context.CancelFunc
	closeOnce sync.Once
}

func openStream(parent context.Context, conn *websocket.Conn, keepAlive time.Duration, logger *slog.Logger) *stream {
	ctx, stop := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	s := &stream{
		conn:      conn,
		logger:    logger,
		keepAlive: keepAlive,
		audio:     make(chan []byte, 256),
		events:    make(chan stt.Event, 64),
		closing:   make(chan struct{}),
		group:     g,
		stop:      stop,
	}
	g.Go(func() error { return s.write(ctx) })
	g.Go(func() error { return s.read(ctx) })
	return s
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrClosed
	}
}

func (s *stream) Events() <-chan stt.Event { return s.events }

func (s *stream) HasVAD() bool { return true }

// Close sends CloseStream after any queued audio, gives Deepgram a moment to
// deliver the last finals and then tears the socket down.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		done := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(flushWait):
		}
		s.conn.Close(websocket.StatusNormalClosure, "")
		s.stop()
		<-done
	})
	return nil
}

func (s *stream) write(ctx context.Context) error {
	idle := time.NewTicker(s.keepAlive)
	defer idle.Stop()
	sentAudio := false

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.fail(fmt.Errorf("deepgram: send audio: %w", err))
				return err
			}
			sentAudio = true
		case <-idle.C:
			if sentAudio {
				sentAudio = false
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return err
			}
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *stream) read(ctx context.Context) error {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			s.fail(fmt.Errorf("deepgram: read: %w", err))
			return err
		}
		ev, ok := decode(data)
		if !ok {
			continue
		}
		s.logger.Debug("deepgram: event", "type", ev.Type, "text", ev.Text)
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// fail reports err without blocking. A consumer that stopped reading loses it.
func (s *stream) fail(err error) {
	select {
	case s.events <- stt.Event{Type: stt.EventError, Err: err}:
	default:
		s.logger.Warn("deepgram: error event dropped", "err", err)
	}
}

// message is the subset of Deepgram's live response envelope we read.
type message struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decode maps one server message to an event. Metadata, empty results and
// unparseable frames report false.
func decode(data []byte) (stt.Event, bool) {
	var m message
	if json.Unmarshal(data, &m) != nil {
		return stt.Event{}, false
	}
	switch m.Type {
	case "SpeechStarted":
		return stt.Event{Type: stt.EventSpeechStarted}, true
	case "UtteranceEnd":
		return stt.Event{Type: stt.EventUtteranceEnd}, true
	case "Results":
		if len(m.Channel.Alternatives) == 0 {
			return stt.Event{}, false
		}
		best := m.Channel.Alternatives[0]
		text := strings.TrimSpace(best.Transcript)
		if text == "" {
			return stt.Event{}, false
		}
		ev := stt.Event{Type: stt.EventPartial, Text: text, Confidence: best.Confidence}
		if m.IsFinal {
			ev.Type = stt.EventFinal
		}
		return ev, true
	}
	return stt.Event{}, false
}
