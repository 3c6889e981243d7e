package config

import "reflect"

// ConfigDiff describes what changed between two configs. Session settings
// and the log level apply without a restart; listener and provider changes
// need one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PeerChanged is set when any peer session setting or the conversation
	// section changed. New sessions pick the change up.
	PeerChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart, e.g. "server.listen_addr" or "providers.llm".
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PeerChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Peer != new.Peer || old.Conversation != new.Conversation {
		d.PeerChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	for _, p := range []struct {
		name     string
		old, new ProviderEntry
	}{
		{"providers.stt", old.Providers.STT, new.Providers.STT},
		{"providers.llm", old.Providers.LLM, new.Providers.LLM},
		{"providers.tts", old.Providers.TTS, new.Providers.TTS},
	} {
		if !reflect.DeepEqual(p.old, p.new) {
			d.RestartRequired = append(d.RestartRequired, p.name)
		}
	}
	if !reflect.DeepEqual(old.Providers.Fallbacks, new.Providers.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers.fallbacks")
	}
	if old.Providers.CircuitBreaker != new.Providers.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "providers.circuit_breaker")
	}
	return d
}
