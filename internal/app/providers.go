package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/peer"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/pkg/provider/llm"
	"github.com/MrWong99/voicecoach/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/voicecoach/pkg/provider/llm/openai"
	"github.com/MrWong99/voicecoach/pkg/provider/stt"
	"github.com/MrWong99/voicecoach/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicecoach/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicecoach/pkg/provider/tts"
	"github.com/MrWong99/voicecoach/pkg/provider/tts/coqui"
	"github.com/MrWong99/voicecoach/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/voicecoach/pkg/provider/tts/openai"
)

const (
	// defaultOpenAIModel is used when the llm entry leaves model empty.
	defaultOpenAIModel = "gpt-4o-mini"

	defaultWhisperURL = "http://localhost:8081"
	defaultCoquiURL   = "http://localhost:5002"
)

// RegisterBuiltins wires every provider implementation that ships with the
// peer into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		timeout, err := entry.OptionDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(timeout))
		}
		if n := entry.OptionFloat("max_retries", -1); n >= 0 {
			opts = append(opts, oaillm.WithMaxRetries(int(n)))
		}
		opts = append(opts, oaillm.WithLogger(slog.Default().With("provider", "openai")))
		return oaillm.New(entry.APIKey, model, opts...)
	})

	// "openai" keeps the dedicated client registered above.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.IsLocal(name) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		for key, opt := range map[string]func(time.Duration) deepgram.Option{
			"endpointing_ms":   deepgram.WithEndpointing,
			"utterance_end_ms": deepgram.WithUtteranceEnd,
		} {
			d, err := entry.OptionDuration(key, 0)
			if err != nil {
				return nil, err
			}
			if d > 0 {
				opts = append(opts, opt(d))
			}
		}
		opts = append(opts, deepgram.WithLogger(slog.Default().With("provider", "deepgram")))
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = defaultWhisperURL
		}
		opts := []whisper.Option{whisper.WithModel(entry.Model)}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		silence, err := entry.OptionDuration("silence_ms", 0)
		if err != nil {
			return nil, err
		}
		if silence > 0 {
			opts = append(opts, whisper.WithSilence(silence))
		}
		if rms := entry.OptionFloat("silence_threshold", 0); rms > 0 {
			opts = append(opts, whisper.WithThreshold(rms))
		}
		return whisper.New(url, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if v := entry.OptionString("voice"); v != "" {
			opts = append(opts, oaitts.WithVoice(v))
		}
		return oaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if v := entry.OptionString("voice_id"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		opts = append(opts, elevenlabs.WithVoiceSettings(
			entry.OptionFloat("stability", 0.5),
			entry.OptionFloat("similarity_boost", 0.75),
		))
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = defaultCoquiURL
		}
		var opts []coqui.Option
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if sp := entry.OptionString("speaker"); sp != "" {
			opts = append(opts, coqui.WithSpeaker(sp))
		}
		return coqui.New(url, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		slog.Debug("app: registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// BuildProviders instantiates the pipeline providers named in cfg. The peer
// cannot run with any stage missing, so an empty or unknown name is an
// error. A stage with fallbacks is wrapped in a failover group that keeps a
// circuit breaker per provider; opts configure those groups.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, opts ...resilience.Option) (peer.Providers, error) {
	var (
		ps   peer.Providers
		errs []error
		bc   = resilience.BreakerConfig{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
		}
	)

	if chain, err := buildChain("stt", cfg.STT, cfg.Fallbacks.STT, reg.CreateSTT); err != nil {
		errs = append(errs, err)
	} else if len(chain) == 1 {
		ps.STT = chain[0].p
	} else {
		ps.STT = fill(resilience.NewSTT(bc, opts...), chain)
	}
	if chain, err := buildChain("llm", cfg.LLM, cfg.Fallbacks.LLM, reg.CreateLLM); err != nil {
		errs = append(errs, err)
	} else if len(chain) == 1 {
		ps.LLM = chain[0].p
	} else {
		ps.LLM = fill(resilience.NewLLM(bc, opts...), chain)
	}
	if chain, err := buildChain("tts", cfg.TTS, cfg.Fallbacks.TTS, reg.CreateTTS); err != nil {
		errs = append(errs, err)
	} else if len(chain) == 1 {
		ps.TTS = chain[0].p
	} else {
		for i := 1; i < len(chain); i++ {
			chain[i].p = ownVoice{chain[i].p}
		}
		ps.TTS = fill(resilience.NewTTS(bc, opts...), chain)
	}

	if err := errors.Join(errs...); err != nil {
		return peer.Providers{}, err
	}
	return ps, nil
}

// ProviderCheckers returns a readiness check for every stage served by a
// failover group. The check fails while all of the stage's circuits are open.
func ProviderCheckers(ps peer.Providers) []health.Checker {
	type healthReporter interface {
		Healthy(ctx context.Context) error
	}
	var out []health.Checker
	for _, st := range []struct {
		kind string
		p    any
	}{{"stt", ps.STT}, {"llm", ps.LLM}, {"tts", ps.TTS}} {
		if h, ok := st.p.(healthReporter); ok {
			out = append(out, health.Checker{Name: "provider_" + st.kind, Check: h.Healthy})
		}
	}
	return out
}

// ownVoice makes a fallback speak with the voice configured on its own
// entry. Voice IDs are vendor specific, so the session voice only fits the
// primary.
type ownVoice struct{ tts.Provider }

func (o ownVoice) SynthesizeStream(ctx context.Context, text <-chan string, v tts.Voice) (<-chan tts.Chunk, error) {
	v.ID = ""
	return o.Provider.SynthesizeStream(ctx, text, v)
}

type named[P any] struct {
	name string
	p    P
}

// buildChain creates the primary followed by its fallbacks.
func buildChain[P any](kind string, primary config.ProviderEntry, fallbacks []config.ProviderEntry, create func(config.ProviderEntry) (P, error)) ([]named[P], error) {
	if primary.Name == "" {
		return nil, fmt.Errorf("app: providers.%s.name is required", kind)
	}
	var (
		chain []named[P]
		errs  []error
		seen  = map[string]int{}
	)
	for i, entry := range append([]config.ProviderEntry{primary}, fallbacks...) {
		label := fmt.Sprintf("providers.%s", kind)
		if i > 0 {
			label = fmt.Sprintf("providers.fallbacks.%s[%d]", kind, i-1)
		}
		p, err := create(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("app: create %s provider %q (%s): %w", kind, entry.Name, label, err))
			continue
		}
		name := entry.Name
		if seen[name]++; seen[name] > 1 {
			name = fmt.Sprintf("%s#%d", entry.Name, seen[entry.Name])
		}
		chain = append(chain, named[P]{name: name, p: p})
		slog.Info("app: provider created", "kind", kind, "name", name, "model", entry.Model, "fallback", i > 0)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return chain, nil
}

// fill adds chain to g in priority order.
func fill[P any, G interface{ Add(string, P) }](g G, chain []named[P]) G {
	for _, c := range chain {
		g.Add(c.name, c.p)
	}
	return g
}
