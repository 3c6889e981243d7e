package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/pkg/protocol"
	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicecoach/pkg/provider/llm/mock"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicecoach/pkg/provider/stt/mock"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicecoach/pkg/provider/tts/mock"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  allowed_origins: ["localhost:*"]
client:
  peer_url: ws://localhost:8080/ws
  user_id: learner-1
  audio_encoding: binary
  reconnect:
    max_attempts: 3
    backoff: 500ms
    max_backoff: 4s
audio:
  session_rate: 16000
  frame_duration: 128ms
  gap_tolerance: 500ms
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: el-key
    options:
      stability: 0.4
      output_format: pcm_16000
peer:
  language: en-US
  voice: alloy
  voice_speed: 1.1
  temperature: 0.7
  max_tokens: 300
  session_timeout: 5m
  sweep_interval: 1m
conversation:
  interruption_window: 20s
  max_history: 50
  llm_history: 20
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Client.AudioEncoding != protocol.EncodingBinary {
		t.Errorf("AudioEncoding = %q, want binary", cfg.Client.AudioEncoding)
	}
	if cfg.Client.Reconnect.Backoff != 500*time.Millisecond {
		t.Errorf("Reconnect.Backoff = %v, want 500ms", cfg.Client.Reconnect.Backoff)
	}
	if cfg.Audio.FrameDuration != 128*time.Millisecond {
		t.Errorf("FrameDuration = %v, want 128ms", cfg.Audio.FrameDuration)
	}
	if cfg.Providers.STT.Model != "nova-2" {
		t.Errorf("STT model = %q, want nova-2", cfg.Providers.STT.Model)
	}
	if got := cfg.Providers.TTS.OptionFloat("stability", 0); got != 0.4 {
		t.Errorf("stability = %v, want 0.4", got)
	}
	if got := cfg.Providers.TTS.OptionString("output_format"); got != "pcm_16000" {
		t.Errorf("output_format = %q, want pcm_16000", got)
	}
	if cfg.Peer.SessionTimeout != 5*time.Minute {
		t.Errorf("SessionTimeout = %v, want 5m", cfg.Peer.SessionTimeout)
	}
	if cfg.Conversation.InterruptionWindow != 20*time.Second {
		t.Errorf("InterruptionWindow = %v, want 20s", cfg.Conversation.InterruptionWindow)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("peer:\n  session_timeout: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(t.TempDir() + "/missing.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOptionFloat(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{"int": 2, "float": 0.5, "str": "x"}}
	tests := []struct {
		key  string
		want float64
	}{
		{"int", 2},
		{"float", 0.5},
		{"str", 9},
		{"absent", 9},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := e.OptionFloat(tt.key, 9); got != tt.want {
				t.Errorf("OptionFloat(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestOptionDuration(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"str": "750ms", "int": 300, "float": 1.5, "bad": "soon", "bool": true,
	}}
	tests := []struct {
		key     string
		want    time.Duration
		wantErr bool
	}{
		{key: "str", want: 750 * time.Millisecond},
		{key: "int", want: 300 * time.Millisecond},
		{key: "float", want: 1500 * time.Microsecond},
		{key: "absent", want: time.Second},
		{key: "bad", wantErr: true},
		{key: "bool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := e.OptionDuration(tt.key, time.Second)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "options."+tt.key) {
					t.Errorf("err = %v, want one naming options.%s", err, tt.key)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("OptionDuration(%q) = %v, %v; want %v", tt.key, got, err, tt.want)
			}
		})
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: expected ErrProviderNotRegistered, got: %v", err)
	}
	if _, err := reg.CreateSTT(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: expected ErrProviderNotRegistered, got: %v", err)
	}
	if _, err := reg.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS: expected ErrProviderNotRegistered, got: %v", err)
	}

	reg.RegisterTTS("coqui", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })
	if _, err := reg.CreateTTS(entry); err == nil || !strings.Contains(err.Error(), "coqui") {
		t.Errorf("error should list the registered names: %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	wantTTS := &ttsmock.Provider{}

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })

	l, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if l != wantLLM {
		t.Error("CreateLLM returned a different provider")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got model %q, want m1", gotEntry.Model)
	}
	if s, err := reg.CreateSTT(config.ProviderEntry{Name: "stub"}); err != nil || s != wantSTT {
		t.Errorf("CreateSTT = %v, %v", s, err)
	}
	if s, err := reg.CreateTTS(config.ProviderEntry{Name: "stub"}); err != nil || s != wantTTS {
		t.Errorf("CreateTTS = %v, %v", s, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	_, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("expected factory error, got: %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, n := range []string{"openai", "anyllm", "mock"} {
		reg.RegisterLLM(n, func(config.ProviderEntry) (llm.Provider, error) { return nil, nil })
	}

	got := reg.Names("llm")
	want := []string{"anyllm", "mock", "openai"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names(llm) = %v, want %v", got, want)
	}
	if n := reg.Names("stt"); len(n) != 0 {
		t.Errorf("Names(stt) = %v, want empty", n)
	}
	if n := reg.Names("bogus"); len(n) != 0 {
		t.Errorf("Names(bogus) = %v, want empty", n)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.STT.Name != "deepgram" || cfg.Providers.LLM.Name != "openai" || cfg.Providers.TTS.Name != "elevenlabs" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}
