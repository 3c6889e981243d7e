// Command voicepeer is the reference voice-processing peer: it accepts voice
// client connections and answers each learner with STT, an LLM tutor and TTS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/voicecoach/internal/app"
	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	drainTimeout     = 15 * time.Second
	telemetryTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload session settings and log level when the config file changes")
	flag.Parse()

	if err := serve(*configPath, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "voicepeer: %v\n", err)
		os.Exit(1)
	}
}

func serve(configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
	}
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(app.LevelFor(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("voicepeer: starting", "version", version, "config", configPath, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flushTelemetry, err := observe.InitProvider(ctx, observe.TelemetryConfig{
		ServiceName:    "voicepeer",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	providers, err := app.BuildProviders(cfg.Providers, reg, resilience.WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		return err
	}

	a, err := app.New(cfg, providers,
		app.WithLevel(level),
		app.WithCheckers(app.ProviderCheckers(providers)...),
		app.WithCloser(func() error {
			fctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
			defer cancel()
			return flushTelemetry(fctx)
		}),
	)
	if err != nil {
		return err
	}
	summarize(os.Stdout, cfg, a.Addr())

	if watch {
		w, err := config.NewWatcher(configPath, func(_, next *config.Config, diff config.ConfigDiff) {
			if !diff.Empty() {
				a.ApplyConfig(next, diff)
			}
		})
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("voicepeer: draining", "timeout", drainTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("voicepeer: stopped")
	return nil
}

// summarize prints the resolved provider chain once at startup.
func summarize(w io.Writer, cfg *config.Config, addr string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	entry := func(e config.ProviderEntry) string {
		switch {
		case e.Name == "":
			return "(default)"
		case e.Model == "":
			return e.Name
		}
		return e.Name + " / " + e.Model
	}
	fmt.Fprintf(tw, "listen\t%s\n", addr)
	fmt.Fprintf(tw, "stt\t%s\n", entry(cfg.Providers.STT))
	fmt.Fprintf(tw, "llm\t%s\n", entry(cfg.Providers.LLM))
	fmt.Fprintf(tw, "tts\t%s\n", entry(cfg.Providers.TTS))
	if fb := cfg.Providers.Fallbacks; !fb.Empty() {
		fmt.Fprintf(tw, "fallbacks\tstt=%d llm=%d tts=%d\n", len(fb.STT), len(fb.LLM), len(fb.TTS))
	}
	if cfg.Peer.Voice != "" {
		fmt.Fprintf(tw, "voice\t%s\n", cfg.Peer.Voice)
	}
	if cfg.Server.TLS != nil {
		fmt.Fprintf(tw, "tls\tenabled\n")
	}
}
