package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicecoach/pkg/protocol"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// localProviders run on the operator's machine and need no API key.
var localProviders = map[string]bool{"whisper": true, "coqui": true}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references in
// provider API keys and base URLs, and validates the result. An empty
// document yields the zero config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes parses an in-memory document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

func expandEnv(cfg *Config) {
	for _, e := range cfg.Providers.entries() {
		e.entry.APIKey = os.ExpandEnv(e.entry.APIKey)
		e.entry.BaseURL = os.ExpandEnv(e.entry.BaseURL)
	}
	cfg.Client.PeerURL = os.ExpandEnv(cfg.Client.PeerURL)
}

// Validate checks that cfg contains a coherent set of values. Hard errors are
// joined into the returned error; questionable but workable settings are
// logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Client
	if u := cfg.Client.PeerURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("client.peer_url: %w", err))
		} else if !slices.Contains([]string{"ws", "wss", "http", "https"}, parsed.Scheme) {
			errs = append(errs, fmt.Errorf("client.peer_url scheme %q is invalid; use ws, wss, http or https", parsed.Scheme))
		}
	}
	switch cfg.Client.AudioEncoding {
	case "", protocol.EncodingHex, protocol.EncodingBinary:
	default:
		errs = append(errs, fmt.Errorf("client.audio_encoding %q is invalid; valid values: hex, binary", cfg.Client.AudioEncoding))
	}
	rc := cfg.Client.Reconnect
	if rc.MaxAttempts < 0 || rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("client.reconnect values must not be negative"))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("client.reconnect.max_backoff %v is below backoff %v", rc.MaxBackoff, rc.Backoff))
	}

	// Audio
	if r := cfg.Audio.SessionRate; r != 0 && r != 16000 {
		errs = append(errs, fmt.Errorf("audio.session_rate %d is unsupported; the wire format is 16000 Hz", r))
	}
	if cfg.Audio.FrameDuration < 0 || cfg.Audio.GapTolerance < 0 || cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, errors.New("audio durations must not be negative"))
	}
	if d := cfg.Audio.FrameDuration; d > 0 && d < 10*time.Millisecond {
		slog.Warn("audio.frame_duration is very short; expect high frame overhead", "frame_duration", d)
	}

	// Providers
	for _, e := range cfg.Providers.entries() {
		validateProviderName(e.kind, e.entry.Name)
		if e.entry.Name != "" && e.entry.APIKey == "" && e.kind != "llm" && !localProviders[e.entry.Name] {
			slog.Warn("provider has no api_key; it will fail to authenticate", "kind", e.kind, "name", e.entry.Name)
		}
	}
	for _, fb := range []struct {
		kind string
		list []ProviderEntry
	}{{"stt", cfg.Providers.Fallbacks.STT}, {"llm", cfg.Providers.Fallbacks.LLM}, {"tts", cfg.Providers.Fallbacks.TTS}} {
		for i, e := range fb.list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallbacks.%s[%d].name is required", fb.kind, i))
			}
		}
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Peer
	p := cfg.Peer
	if p.VoiceSpeed != 0 && (p.VoiceSpeed < 0.25 || p.VoiceSpeed > 4.0) {
		errs = append(errs, fmt.Errorf("peer.voice_speed %.2f is out of range [0.25, 4.0]", p.VoiceSpeed))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("peer.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, errors.New("peer.max_tokens must not be negative"))
	}
	if p.SessionTimeout < 0 || p.SweepInterval < 0 || p.PingInterval < 0 {
		errs = append(errs, errors.New("peer intervals must not be negative"))
	}
	if p.SessionTimeout > 0 && p.SweepInterval > p.SessionTimeout {
		slog.Warn("peer.sweep_interval exceeds session_timeout; idle sessions will linger",
			"sweep_interval", p.SweepInterval, "session_timeout", p.SessionTimeout)
	}

	// Conversation
	c := cfg.Conversation
	if c.InterruptionWindow < 0 || c.MaxHistory < 0 || c.LLMHistory < 0 {
		errs = append(errs, errors.New("conversation values must not be negative"))
	}
	if c.MaxHistory > 0 && c.LLMHistory > c.MaxHistory {
		slog.Warn("conversation.llm_history exceeds max_history; only max_history turns are kept",
			"llm_history", c.LLMHistory, "max_history", c.MaxHistory)
	}

	return errors.Join(errs...)
}

type kindEntry struct {
	kind  string
	entry *ProviderEntry
}

// entries returns every primary and fallback entry, primaries first.
func (p *ProvidersConfig) entries() []kindEntry {
	out := []kindEntry{{"stt", &p.STT}, {"llm", &p.LLM}, {"tts", &p.TTS}}
	for _, fb := range []struct {
		kind string
		list []ProviderEntry
	}{{"stt", p.Fallbacks.STT}, {"llm", p.Fallbacks.LLM}, {"tts", p.Fallbacks.TTS}} {
		for i := range fb.list {
			out = append(out, kindEntry{fb.kind, &fb.list[i]})
		}
	}
	return out
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
