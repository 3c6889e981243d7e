package resilience

import (
	"errors"
	"testing"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicecoach/pkg/provider/llm/mock"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicecoach/pkg/provider/stt/mock"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicecoach/pkg/provider/tts/mock"
)

func TestLLM_FailsOverOnStartError(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{Err: errors.New("503")}
	backup := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}}}

	f := NewLLM(BreakerConfig{}, WithLogger(discard()))
	f.Add("openai", primary)
	f.Add("ollama", backup)

	got, err := llm.Complete(t.Context(), f, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hi" {
		t.Errorf("text = %q, want hi", got)
	}
	if len(primary.Calls()) != 1 || len(backup.Calls()) != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 each", len(primary.Calls()), len(backup.Calls()))
	}
}

func TestSTT_FailsOverOnStartError(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("auth")}
	session := sttmock.NewSession()
	backup := &sttmock.Provider{Session: session}

	f := NewSTT(BreakerConfig{}, WithLogger(discard()))
	f.Add("deepgram", primary)
	f.Add("backup", backup)

	h, err := f.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h != session {
		t.Error("session did not come from the fallback")
	}
	if calls := backup.Calls(); len(calls) != 1 || calls[0].Cfg.SampleRate != 16000 {
		t.Errorf("backup calls = %+v", calls)
	}
}

func TestTTS_PrimaryServes(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{}
	backup := &ttsmock.Provider{}

	f := NewTTS(BreakerConfig{}, WithLogger(discard()))
	f.Add("elevenlabs", primary)
	f.Add("openai", backup)

	text := make(chan string, 1)
	text <- "hello"
	close(text)
	ch, err := f.SynthesizeStream(t.Context(), text, tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var n int
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		n += len(c.PCM)
	}
	if n == 0 {
		t.Error("no audio received")
	}
	if len(backup.Calls()) != 0 {
		t.Error("fallback was called although the primary succeeded")
	}
	if got := primary.Calls()[0].Voice.ID; got != "v1" {
		t.Errorf("voice = %q, want v1", got)
	}
}

func TestTTS_AllFail(t *testing.T) {
	t.Parallel()
	f := NewTTS(BreakerConfig{}, WithLogger(discard()))
	f.Add("a", &ttsmock.Provider{Err: errors.New("down")})
	f.Add("b", &ttsmock.Provider{Err: errors.New("down")})

	_, err := f.SynthesizeStream(t.Context(), make(chan string), tts.Voice{})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
