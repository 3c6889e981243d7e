package whisper

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
)

// pcm returns d of 16 kHz mono PCM16 at a constant amplitude.
func pcm(d time.Duration, amplitude int16) []byte {
	n := int(d.Seconds() * 16000)
	out := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

type inferenceServer struct {
	*httptest.Server
	calls    atomic.Int32
	lastLang atomic.Value
}

func newInferenceServer(t *testing.T, status int, body string) *inferenceServer {
	t.Helper()
	s := &inferenceServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		s.calls.Add(1)
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file field: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		wav, _ := io.ReadAll(f)
		if _, format, err := audio.DecodeWAV(wav); err != nil || format.SampleRate != 16000 {
			t.Errorf("upload is not 16 kHz WAV: %v %+v", err, format)
		}
		s.lastLang.Store(r.FormValue("language"))
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New(url,
		WithSilence(200*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func collect(t *testing.T, h stt.SessionHandle, n int) []stt.Event {
	t.Helper()
	var out []stt.Event
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("got %d events, want %d: %+v", len(out), n, out)
		}
	}
	return out
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestSession_UtteranceEndsOnSilence(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, http.StatusOK, `{"text":" what is a derivative "}`)
	p := newTestProvider(t, srv.URL)

	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if !h.HasVAD() {
		t.Error("HasVAD = false, want true")
	}

	for _, chunk := range [][]byte{
		pcm(100*time.Millisecond, 0), // leading silence
		pcm(300*time.Millisecond, 6000),
		pcm(128*time.Millisecond, 0),
		pcm(128*time.Millisecond, 0),
	} {
		if err := h.SendAudio(chunk); err != nil {
			t.Fatal(err)
		}
	}

	evs := collect(t, h, 3)
	want := []stt.EventType{stt.EventSpeechStarted, stt.EventFinal, stt.EventUtteranceEnd}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %v, want %v", i, ev.Type, want[i])
		}
	}
	if evs[1].Text != "what is a derivative" {
		t.Errorf("final = %q", evs[1].Text)
	}
	if got := srv.lastLang.Load(); got != "en" {
		t.Errorf("language = %v, want en", got)
	}
}

func TestSession_CloseFlushesPendingSpeech(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, http.StatusOK, `{"text":"hello"}`)
	p := newTestProvider(t, srv.URL)

	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_ = h.SendAudio(pcm(200*time.Millisecond, 6000))
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	var final string
	for ev := range h.Events() {
		if ev.Type == stt.EventFinal {
			final = ev.Text
		}
	}
	if final != "hello" {
		t.Errorf("final = %q, want hello", final)
	}
	if err := h.SendAudio(pcm(10*time.Millisecond, 0)); err != stt.ErrClosed {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
}

func TestSession_SilenceOnlyMakesNoRequest(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, http.StatusOK, `{"text":"x"}`)
	p := newTestProvider(t, srv.URL)

	h, _ := p.StartStream(t.Context(), stt.StreamConfig{})
	for range 5 {
		_ = h.SendAudio(pcm(128*time.Millisecond, 10))
	}
	_ = h.Close()
	for range h.Events() {
	}
	if n := srv.calls.Load(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
}

func TestSession_ServerErrorBecomesEvent(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, http.StatusInternalServerError, "model not loaded")
	p := newTestProvider(t, srv.URL)

	h, _ := p.StartStream(t.Context(), stt.StreamConfig{})
	defer h.Close()
	_ = h.SendAudio(pcm(200*time.Millisecond, 6000))
	_ = h.SendAudio(pcm(300*time.Millisecond, 0))

	evs := collect(t, h, 3)
	if evs[1].Type != stt.EventError || evs[1].Err == nil {
		t.Fatalf("event 1 = %+v, want error", evs[1])
	}
	if evs[2].Type != stt.EventUtteranceEnd {
		t.Errorf("event 2 = %v, want utterance end", evs[2].Type)
	}
}

func TestSession_MaxUtteranceForcesFlush(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, http.StatusOK, `{"text":"long"}`)
	p, _ := New(srv.URL, WithMaxUtterance(256*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	h, _ := p.StartStream(t.Context(), stt.StreamConfig{})
	defer h.Close()
	_ = h.SendAudio(pcm(128*time.Millisecond, 6000))
	_ = h.SendAudio(pcm(128*time.Millisecond, 6000))

	evs := collect(t, h, 2)
	if evs[1].Type != stt.EventFinal || evs[1].Text != "long" {
		t.Errorf("event 1 = %+v, want final without waiting for silence", evs[1])
	}
}
