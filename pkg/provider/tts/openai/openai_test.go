package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// speechServer answers every request with samples 24 kHz PCM16 samples and
// records the decoded request bodies.
func speechServer(t *testing.T, samples int, status int) (*httptest.Server, func() []speechRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []speechRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req speechRequest
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write(audio.Int16ToBytes(make([]int16, samples)))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []speechRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]speechRequest(nil), reqs...)
	}
}

func collect(t *testing.T, ch <-chan tts.Chunk) (pcm []byte, err error) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return pcm, err
			}
			if c.Err != nil {
				err = c.Err
			}
			pcm = append(pcm, c.PCM...)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestSynthesizeStream_ResamplesTo16k(t *testing.T) {
	srv, reqs := speechServer(t, 2400, http.StatusOK) // 100 ms at 24 kHz

	p, err := New("sk-test", WithBaseURL(srv.URL+"/"), WithModel("tts-1-hd"))
	if err != nil {
		t.Fatal(err)
	}
	text := make(chan string, 3)
	text <- "A derivative is a rate of change."
	text <- "   "
	text <- "Let me show you."
	close(text)

	ch, err := p.SynthesizeStream(t.Context(), text, tts.Voice{Speed: 1.25})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	pcm, err := collect(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	// 2 × 2400 samples at 24 kHz → 2 × 1600 samples at 16 kHz.
	if got, want := len(pcm), 2*1600*audio.BytesPerSample; got != want {
		t.Errorf("pcm bytes = %d, want %d", got, want)
	}

	got := reqs()
	if len(got) != 2 {
		t.Fatalf("requests = %d, want 2 (blank fragment skipped)", len(got))
	}
	r := got[0]
	if r.Model != "tts-1-hd" || r.Voice != "alloy" || r.ResponseFormat != "pcm" || r.Speed != 1.25 {
		t.Errorf("request = %+v", r)
	}
	if got[1].Input != "Let me show you." {
		t.Errorf("second input = %q", got[1].Input)
	}
}

func TestSynthesizeStream_HTTPError(t *testing.T) {
	srv, _ := speechServer(t, 0, http.StatusBadRequest)
	p, _ := New("sk-test", WithBaseURL(srv.URL+"/"))

	text := make(chan string, 1)
	text <- "hello"
	close(text)
	ch, err := p.SynthesizeStream(t.Context(), text, tts.Voice{ID: "nova"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := collect(t, ch); err == nil {
		t.Fatal("expected failure chunk")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}
