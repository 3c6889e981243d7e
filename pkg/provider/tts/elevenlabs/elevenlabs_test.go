package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

func TestFrames(t *testing.T) {
	tests := []struct {
		name string
		f    frame
		want string
	}{
		{"flush", flushFrame, `{"text":""}`},
		{"text", textFrame("Hi."), `{"text":"Hi. "}`},
		{"open", openFrame("k", voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: 1.1}),
			`{"text":" ","voice_settings":{"stability":0.5,"similarity_boost":0.75,"speed":1.1},"xi_api_key":"k"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("got %s, want %s", data, tt.want)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("key", WithModel("eleven_flash_v2_5"))
	raw := p.streamURL("voice-abc123")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/voice-abc123/stream-input") {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("model_id") != "eleven_flash_v2_5" || q.Get("output_format") != "pcm_16000" {
		t.Errorf("query = %v", q)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// fakeElevenLabs reads the open frame and text fragments, then answers the flush with
// the given server messages.
func fakeElevenLabs(t *testing.T, replies []string, gotText chan<- []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var open frame
		if err := json.Unmarshal(data, &open); err != nil || open.APIKey != "key" || open.VoiceSettings == nil {
			t.Errorf("open frame = %s", data)
		}

		var texts []string
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var msg frame
			_ = json.Unmarshal(data, &msg)
			if msg.Text == "" {
				break
			}
			texts = append(texts, msg.Text)
		}
		gotText <- texts
		for _, m := range replies {
			if err := ws.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func audioMsg(pcm []byte, final bool) string {
	return fmt.Sprintf(`{"audio":%q,"isFinal":%t}`, base64.StdEncoding.EncodeToString(pcm), final)
}

func TestSynthesizeStream(t *testing.T) {
	gotText := make(chan []string, 1)
	srv := fakeElevenLabs(t, []string{
		audioMsg([]byte{1, 2, 3}, false), // odd length, last byte carried
		audioMsg([]byte{4, 5, 6, 7, 8}, false),
		`{"isFinal":true}`,
	}, gotText)

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	text := make(chan string, 2)
	text <- "Great question."
	text <- "Let's look at the graph."
	close(text)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	ch, err := p.SynthesizeStream(ctx, text, tts.Voice{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var pcm []byte
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		if len(c.PCM)%2 != 0 {
			t.Errorf("odd chunk length %d", len(c.PCM))
		}
		pcm = append(pcm, c.PCM...)
	}
	if string(pcm) != string([]byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("pcm = %v", pcm)
	}

	texts := <-gotText
	if len(texts) != 2 || texts[0] != "Great question. " {
		t.Errorf("texts = %q", texts)
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	gotText := make(chan []string, 1)
	srv := fakeElevenLabs(t, []string{`{"error":"quota_exceeded","message":"out of credits"}`}, gotText)

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	text := make(chan string, 1)
	text <- "hello"
	close(text)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	ch, err := p.SynthesizeStream(ctx, text, tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	var last tts.Chunk
	for c := range ch {
		last = c
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "quota_exceeded") {
		t.Errorf("last chunk = %+v, want quota error", last)
	}
}
