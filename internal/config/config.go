// Package config provides the configuration schema, loader, and provider
// registry shared by the voicecoach client and the reference peer.
package config

import (
	"time"

	"github.com/MrWong99/voicecoach/pkg/protocol"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]. The client binary reads the
// client, audio and conversation sections; the peer binary reads server,
// providers, peer and conversation.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Client       ClientConfig       `yaml:"client"`
	Audio        AudioConfig        `yaml:"audio"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Peer         PeerConfig         `yaml:"peer"`
	Conversation ConversationConfig `yaml:"conversation"`
}

// ServerConfig holds network and logging settings for the peer server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity for both binaries.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists browser origin host patterns accepted on /ws.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ClientConfig configures the voice client's connection to the peer.
type ClientConfig struct {
	// PeerURL is the peer's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	PeerURL string `yaml:"peer_url"`

	UserID string `yaml:"user_id"`

	// InstanceID identifies this client. A random UUID is used when empty.
	InstanceID string `yaml:"instance_id"`

	// AudioEncoding is "hex" (default) or "binary".
	AudioEncoding protocol.Encoding `yaml:"audio_encoding"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds automatic reconnects after a normal close.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// AudioConfig configures capture and playback on the client.
type AudioConfig struct {
	// SessionRate is the wire sample rate. Only 16000 is supported.
	SessionRate int `yaml:"session_rate"`

	// FrameDuration is the length of one captured frame. Default 128ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// GapTolerance is how late a chunk may arrive and still continue the
	// current run. Default 500ms.
	GapTolerance time.Duration `yaml:"gap_tolerance"`

	// InputSampleRate requests a hardware capture rate. Zero lets the
	// device choose.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputBuffer is the speaker buffer size. Default 100ms.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// ProvidersConfig selects the peer's provider for each pipeline stage. Each
// entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// Fallbacks are tried in order when a stage's primary cannot start a
	// stream or its circuit is open.
	Fallbacks FallbackConfig `yaml:"fallbacks"`

	// CircuitBreaker tunes the breaker kept per provider when fallbacks
	// are configured.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// FallbackConfig lists alternate providers per stage.
type FallbackConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	LLM []ProviderEntry `yaml:"llm"`
	TTS []ProviderEntry `yaml:"tts"`
}

// Empty reports whether no fallback is configured for any stage.
func (f FallbackConfig) Empty() bool {
	return len(f.STT) == 0 && len(f.LLM) == 0 && len(f.TTS) == 0
}

// CircuitBreakerConfig holds breaker thresholds. Zero values select
// defaults: 5 failures, 30s reset, 1 trial.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. API keys may reference environment variables as ${NAME}.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// PeerConfig holds the reference peer's session settings.
type PeerConfig struct {
	// SystemPrompt replaces the built-in tutor persona when set.
	SystemPrompt string `yaml:"system_prompt"`

	// Language is the STT language code, e.g. "en-US".
	Language string `yaml:"language"`

	Voice       string  `yaml:"voice"`
	VoiceSpeed  float64 `yaml:"voice_speed"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// ConversationConfig tunes the conversation tracker on both sides.
type ConversationConfig struct {
	// InterruptionWindow is how long after an utterance starts user speech
	// still counts as an interruption. Default 30s.
	InterruptionWindow time.Duration `yaml:"interruption_window"`

	// MaxHistory caps stored turns.
	MaxHistory int `yaml:"max_history"`

	// LLMHistory is how many recent turns the peer sends to the LLM.
	LLMHistory int `yaml:"llm_history"`
}
