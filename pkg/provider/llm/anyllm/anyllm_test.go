package anyllm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicecoach/pkg/provider/llm"
)

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a patient tutor.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "what is a limit"},
			{Role: llm.RoleAssistant, Content: "A limit describes approach."},
		},
		Temperature: 0.4,
		MaxTokens:   150,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "You are a patient tutor." {
		t.Errorf("system message = %+v", params.Messages[0])
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 150 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}

	bare := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if bare.Temperature != nil || bare.MaxTokens != nil || len(bare.Messages) != 1 {
		t.Errorf("zero values should be left to the backend: %+v", bare)
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()
	names := Backends()
	if !slices.IsSorted(names) {
		t.Errorf("Backends not sorted: %v", names)
	}
	for _, want := range []string{"anthropic", "ollama", "openai"} {
		if !slices.Contains(names, want) {
			t.Errorf("Backends %v missing %q", names, want)
		}
	}
	if DefaultModel("Ollama") != "llama3.2" || !IsLocal("ollama") || IsLocal("anthropic") {
		t.Error("backend metadata lookup is wrong")
	}
}

func TestNew(t *testing.T) {
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("k")); err == nil {
		t.Error("expected error for unsupported backend")
	}

	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Error("expected error for missing API key")
	}

	p, err := New("ollama", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.model != "llama3.2" {
		t.Errorf("model = %q, want backend default", p.model)
	}
}

func TestStreamCompletion_OpenAICompatible(t *testing.T) {
	t.Parallel()
	var gotMessages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []json.RawMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotMessages.Store(int32(len(body.Messages)))

		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range []string{"Slope is ", "rise over run."} {
			finish := "null"
			if i == 1 {
				finish = `"stop"`
			}
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\","+
				"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", d, finish)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("openai", "m", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	text, err := llm.Complete(t.Context(), p, llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "what is"},
			{Role: llm.RoleUser, Content: "slope"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Slope is rise over run." {
		t.Errorf("text = %q", text)
	}
	if n := gotMessages.Load(); n != 2 {
		t.Errorf("server saw %d messages, want system + one merged user turn", n)
	}
}

func TestStreamCompletion_NothingToAnswer(t *testing.T) {
	t.Parallel()
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range []llm.CompletionRequest{
		{},
		{SystemPrompt: "Be brief."},
		{Messages: []llm.Message{{Role: llm.RoleUser, Content: "  "}}},
	} {
		if _, err := p.StreamCompletion(t.Context(), req); err == nil {
			t.Errorf("StreamCompletion(%+v): expected error", req)
		}
	}
}
