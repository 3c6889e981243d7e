package voice_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/internal/conversation"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/internal/voice"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/mock"
	"github.com/MrWong99/voicecoach/pkg/protocol"
)

// peerScript drives one accepted connection after the handshake. inbound
// receives every frame the client sends.
type peerScript func(ctx context.Context, ws *websocket.Conn, inbound <-chan protocol.Frame)

type testPeer struct {
	srv    *httptest.Server
	conns  atomic.Int32
	authed atomic.Int32
}

func newTestPeer(t *testing.T, script peerScript) *testPeer {
	t.Helper()
	p := &testPeer{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.conns.Add(1)
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		if _, data, err := ws.Read(ctx); err != nil || !strings.Contains(string(data), `"auth"`) {
			t.Errorf("expected auth, got %s (%v)", data, err)
			return
		}
		p.authed.Add(1)
		if err := send(ctx, ws, protocol.Frame{Type: protocol.TypeConnected, SessionID: "s1"}); err != nil {
			return
		}

		inbound := make(chan protocol.Frame, 32)
		go func() {
			defer close(inbound)
			for {
				_, data, err := ws.Read(ctx)
				if err != nil {
					return
				}
				if f, err := protocol.Unmarshal(data); err == nil {
					select {
					case inbound <- f:
					default:
					}
				}
			}
		}()
		script(ctx, ws, inbound)
		for range inbound {
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func send(ctx context.Context, ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func expectFrame(ctx context.Context, inbound <-chan protocol.Frame, typ protocol.Type) (protocol.Frame, bool) {
	for {
		select {
		case f, ok := <-inbound:
			if !ok {
				return protocol.Frame{}, false
			}
			if f.Type == typ {
				return f, true
			}
		case <-ctx.Done():
			return protocol.Frame{}, false
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newSession(t *testing.T, p *testPeer, dev *mock.Device, sink *mock.Sink, opts ...voice.Option) *voice.Session {
	t.Helper()
	s := voice.New(transport.Config{
		URL:        p.srv.URL,
		UserID:     "learner",
		InstanceID: "desk",
		Retry:      transport.RetryPolicy{Backoff: 10 * time.Millisecond},
	}, dev, sink, opts...)
	t.Cleanup(func() { _ = s.StopVoice() })
	return s
}

// tone returns n samples of 16 kHz PCM16 at a constant level.
func tone(n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = 1000
	}
	return audio.Int16ToBytes(s)
}

func TestSession_FullTurn(t *testing.T) {
	p := newTestPeer(t, func(ctx context.Context, ws *websocket.Conn, in <-chan protocol.Frame) {
		f, ok := expectFrame(ctx, in, protocol.TypeAudio)
		if !ok {
			t.Error("no captured audio reached the peer")
			return
		}
		if pcm, err := f.PCM(); err != nil || len(pcm) != 2048*2 {
			t.Errorf("captured frame: %d bytes, err %v", len(pcm), err)
		}
		_ = send(ctx, ws, protocol.Transcript(protocol.TypeFinalTranscript, "what is a derivative"))
		_ = send(ctx, ws, protocol.Transcript(protocol.TypeAssistantTranscript, "It measures how fast something changes."))
		_ = send(ctx, ws, protocol.AudioChunk(tone(160), "stream-1"))
	})

	dev := &mock.Device{SampleRate: 16000}
	sink := &mock.Sink{}
	var states atomic.Int32
	lines := make(chan string, 4)
	s := newSession(t, p, dev, sink,
		voice.WithStateHandler(func(transport.VoiceState) { states.Add(1) }),
		voice.WithTranscriptHandler(func(sp conversation.Speaker, text string) { lines <- string(sp) + ": " + text }),
	)

	if err := s.StartVoice(t.Context()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	eventually(t, "listening", func() bool { return s.State() == transport.StateListening })

	dev.Emit(make([]float32, 2048))

	eventually(t, "assistant turn completed", func() bool {
		h := s.Tracker().GetRecentHistory(10)
		return len(h) == 2 && h[1].Speaker == conversation.SpeakerAI
	})
	eventually(t, "listening after playback", func() bool { return s.State() == transport.StateListening })

	h := s.Tracker().GetRecentHistory(10)
	if h[0].Speaker != conversation.SpeakerUser || h[0].Text != "what is a derivative" || h[0].IsInterruption {
		t.Errorf("user turn = %+v", h[0])
	}
	if h[1].Text != "It measures how fast something changes." {
		t.Errorf("ai turn = %+v", h[1])
	}
	if s.Tracker().WasInterrupted() {
		t.Error("completed turn reported as interrupted")
	}

	writes, _ := sink.Snapshot()
	if len(writes) != 1 || len(writes[0]) != 160 {
		t.Errorf("sink writes = %d", len(writes))
	}

	tr := s.Transcript()
	if len(tr.User) != 1 || len(tr.Assistant) != 1 || tr.State != transport.StateListening {
		t.Errorf("transcript = %+v", tr)
	}
	if states.Load() < 5 {
		t.Errorf("state handler called %d times", states.Load())
	}
	for _, want := range []string{"user: what is a derivative", "ai: It measures how fast something changes."} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("transcript line = %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing transcript line %q", want)
		}
	}
}

func TestSession_BargeIn(t *testing.T) {
	p := newTestPeer(t, func(ctx context.Context, ws *websocket.Conn, _ <-chan protocol.Frame) {
		_ = send(ctx, ws, protocol.Transcript(protocol.TypeFinalTranscript, "explain derivatives"))
		_ = send(ctx, ws, protocol.Transcript(protocol.TypeAssistantTranscript, "explain derivatives"))
		// Two seconds of audio, still playing when the barge-in arrives.
		_ = send(ctx, ws, protocol.AudioChunk(tone(32000), "stream-1"))
		_ = send(ctx, ws, protocol.Frame{Type: protocol.TypeBargeIn})
		_ = send(ctx, ws, protocol.Transcript(protocol.TypeFinalTranscript, "wait, go back"))
	})

	dev := &mock.Device{SampleRate: 16000}
	sink := &mock.Sink{}
	s := newSession(t, p, dev, sink)
	if err := s.StartVoice(t.Context()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}

	eventually(t, "interrupting user turn", func() bool {
		h := s.Tracker().GetRecentHistory(10)
		return len(h) == 3
	})

	tr := s.Tracker()
	if !tr.WasInterrupted() {
		t.Fatal("WasInterrupted = false")
	}
	if got := tr.GetInterruptedContent(); got != "explain derivatives" {
		t.Errorf("GetInterruptedContent = %q", got)
	}
	h := tr.GetRecentHistory(10)
	if last := h[2]; last.Text != "wait, go back" || !last.IsInterruption {
		t.Errorf("last turn = %+v", last)
	}

	if sink.FlushCount() == 0 {
		t.Error("playback was not flushed on barge-in")
	}
	if _, buffered := sink.Snapshot(); len(buffered) != 0 {
		t.Errorf("residual scheduled audio: %d writes", len(buffered))
	}
	eventually(t, "thinking about the follow-up", func() bool { return s.State() == transport.StateThinking })
}

func TestSession_MicrophoneUnavailable(t *testing.T) {
	p := newTestPeer(t, func(context.Context, *websocket.Conn, <-chan protocol.Frame) {})

	devErr := errors.New("permission denied")
	dev := &mock.Device{SampleRate: 16000, OpenErr: devErr}
	sink := &mock.Sink{}
	s := newSession(t, p, dev, sink)

	err := s.StartVoice(t.Context())
	if !errors.Is(err, capture.ErrMicrophoneUnavailable) || !errors.Is(err, devErr) {
		t.Fatalf("err = %v, want ErrMicrophoneUnavailable wrapping device error", err)
	}
	if sink.CallCountClose != 1 {
		t.Errorf("sink closes = %d, want 1", sink.CallCountClose)
	}
	if p.conns.Load() != 0 {
		t.Error("transport connected despite capture failure")
	}
	if s.State() != transport.StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

func TestSession_StopVoiceReleasesEverything(t *testing.T) {
	p := newTestPeer(t, func(context.Context, *websocket.Conn, <-chan protocol.Frame) {})

	closeErr := errors.New("device busy")
	dev := &mock.Device{SampleRate: 16000, CloseErr: closeErr}
	sink := &mock.Sink{}
	s := newSession(t, p, dev, sink)

	if err := s.StartVoice(t.Context()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	eventually(t, "listening", func() bool { return s.State() == transport.StateListening })

	err := s.StopVoice()
	if !errors.Is(err, closeErr) {
		t.Errorf("StopVoice err = %v, want device close error", err)
	}
	if dev.IsOpen() {
		t.Error("microphone still open")
	}
	if sink.CallCountClose != 1 {
		t.Errorf("sink closes = %d, want 1", sink.CallCountClose)
	}
	if s.State() != transport.StateIdle {
		t.Errorf("state = %s, want idle (disconnect ran despite capture error)", s.State())
	}
}

func TestSession_TranscriptSurvivesError(t *testing.T) {
	p := newTestPeer(t, func(ctx context.Context, ws *websocket.Conn, _ <-chan protocol.Frame) {
		_ = send(ctx, ws, protocol.Transcript(protocol.TypePartialTranscript, "what is a"))
		_ = send(ctx, ws, protocol.Error(protocol.TypeError, "session expired"))
	})

	var gotErr atomic.Value
	dev := &mock.Device{SampleRate: 16000}
	s := newSession(t, p, dev, &mock.Sink{}, voice.WithErrorHandler(func(err error) { gotErr.Store(err) }))
	if err := s.StartVoice(t.Context()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	eventually(t, "error state", func() bool { return s.State() == transport.StateError })
	eventually(t, "error recorded", func() bool { return s.Transcript().LastError != "" })

	tr := s.Transcript()
	if tr.Partial != "what is a" {
		t.Errorf("partial = %q, want it kept after the error", tr.Partial)
	}
	if !strings.Contains(tr.LastError, "session expired") {
		t.Errorf("LastError = %q", tr.LastError)
	}
	if gotErr.Load() == nil {
		t.Error("error handler not called")
	}

	if err := s.Retry(t.Context()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	eventually(t, "reconnect", func() bool { return p.authed.Load() == 2 })
}

func TestSession_UpdateContextFillsCanvas(t *testing.T) {
	got := make(chan protocol.Frame, 1)
	p := newTestPeer(t, func(ctx context.Context, _ *websocket.Conn, in <-chan protocol.Frame) {
		if f, ok := expectFrame(ctx, in, protocol.TypeUpdateContext); ok {
			got <- f
		}
	})

	s := newSession(t, p, &mock.Device{SampleRate: 16000}, &mock.Sink{})
	if err := s.StartVoice(t.Context()); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	eventually(t, "listening", func() bool { return s.State() == transport.StateListening })

	if err := s.UpdateContext(t.Context(), []byte(`{"topic":"derivatives","concepts":["slope","limit"]}`)); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}
	select {
	case f := <-got:
		if !strings.Contains(string(f.WorkspaceContext), "derivatives") {
			t.Errorf("workspace = %s", f.WorkspaceContext)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received update_context")
	}
	c := s.Tracker().Canvas()
	if c.Topic != "derivatives" || len(c.Concepts) != 2 {
		t.Errorf("canvas = %+v", c)
	}
}
