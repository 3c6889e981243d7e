package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "deepgram", APIKey: "k"},
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			TTS: config.ProviderEntry{Name: "elevenlabs", Options: map[string]any{"stability": 0.5}},
		},
		Peer:         config.PeerConfig{Voice: "alloy", Temperature: 0.7},
		Conversation: config.ConversationConfig{MaxHistory: 50},
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLog     bool
		wantPeer    bool
		wantRestart []string
	}{
		{
			name:   "no changes",
			mutate: func(*config.Config) {},
		},
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:     "peer prompt",
			mutate:   func(c *config.Config) { c.Peer.SystemPrompt = "Be brief." },
			wantPeer: true,
		},
		{
			name:     "conversation window",
			mutate:   func(c *config.Config) { c.Conversation.InterruptionWindow = 10 * time.Second },
			wantPeer: true,
		},
		{
			name:        "listen addr",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			wantRestart: []string{"server.listen_addr"},
		},
		{
			name:        "tls enabled",
			mutate:      func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"} },
			wantRestart: []string{"server.tls"},
		},
		{
			name:        "provider option",
			mutate:      func(c *config.Config) { c.Providers.TTS.Options = map[string]any{"stability": 0.9} },
			wantRestart: []string{"providers.tts"},
		},
		{
			name:        "fallback added",
			mutate:      func(c *config.Config) { c.Providers.Fallbacks.LLM = []config.ProviderEntry{{Name: "ollama"}} },
			wantRestart: []string{"providers.fallbacks"},
		},
		{
			name:        "breaker threshold",
			mutate:      func(c *config.Config) { c.Providers.CircuitBreaker.MaxFailures = 2 },
			wantRestart: []string{"providers.circuit_breaker"},
		},
		{
			name: "multiple",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogWarn
				c.Peer.MaxTokens = 100
				c.Providers.STT.Model = "nova-3"
				c.Providers.LLM.Model = "gpt-4o"
			},
			wantLog:     true,
			wantPeer:    true,
			wantRestart: []string{"providers.stt", "providers.llm"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if tt.wantLog && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, updated.Server.LogLevel)
			}
			if d.PeerChanged != tt.wantPeer {
				t.Errorf("PeerChanged = %v, want %v", d.PeerChanged, tt.wantPeer)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			wantEmpty := !tt.wantLog && !tt.wantPeer && len(tt.wantRestart) == 0
			if d.Empty() != wantEmpty {
				t.Errorf("Empty() = %v, want %v", d.Empty(), wantEmpty)
			}
		})
	}
}
