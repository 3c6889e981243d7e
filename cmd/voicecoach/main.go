// Command voicecoach is the terminal voice client: it streams the microphone
// to a voicepeer, plays the tutor's speech and prints the conversation.
//
// While running, stdin accepts simple commands:
//
//	topic <text>     tell the tutor what you are working on
//	concepts a, b    list the concepts on your canvas
//	retry            reconnect after an error
//	quit             end the session
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicecoach/internal/app"
	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/conversation"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/internal/voice"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	malgodev "github.com/MrWong99/voicecoach/pkg/audio/device/malgo"
	otodev "github.com/MrWong99/voicecoach/pkg/audio/device/oto"
	"github.com/MrWong99/voicecoach/pkg/audio/playback"
)

const (
	sessionRate         = 16000
	defaultOutputBuffer = 100 * time.Millisecond
	defaultPeerURL      = "ws://localhost:8080/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	peerURL := flag.String("peer", "", "peer WebSocket URL (overrides client.peer_url)")
	user := flag.String("user", "", "user id (overrides client.user_id)")
	topic := flag.String("topic", "", "initial topic sent with the handshake")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecoach: %v\n", err)
		return 1
	}
	if *peerURL != "" {
		cfg.Client.PeerURL = *peerURL
	}
	if *user != "" {
		cfg.Client.UserID = *user
	}

	level := new(slog.LevelVar)
	level.Set(app.LevelFor(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := transportConfig(cfg)
	if *topic != "" {
		tcfg.WorkspaceContext = canvasJSON(*topic, nil)
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	mic := malgodev.NewCapture(malgodev.WithSampleRate(cfg.Audio.InputSampleRate))
	outBuf := cfg.Audio.OutputBuffer
	if outBuf <= 0 {
		outBuf = defaultOutputBuffer
	}
	speaker, err := otodev.NewSink(sessionRate, outBuf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecoach: speaker unavailable: %v\n", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	tracker := conversation.New(
		conversation.WithLogger(logger),
		conversation.WithPolicy(conversation.TimingPolicy{Window: cfg.Conversation.InterruptionWindow}),
		conversation.WithMaxHistory(cfg.Conversation.MaxHistory),
	)
	out := &printer{}

	playOpts := []playback.Option{}
	if cfg.Audio.GapTolerance > 0 {
		playOpts = append(playOpts, playback.WithGapTolerance(cfg.Audio.GapTolerance))
	}
	sess := voice.New(tcfg, mic, speaker,
		voice.WithLogger(logger),
		voice.WithTracker(tracker),
		voice.WithStateHandler(out.state),
		voice.WithErrorHandler(out.err),
		voice.WithTranscriptHandler(out.line),
		voice.WithCaptureOptions(
			capture.WithSessionRate(sessionRate),
			capture.WithFrameDuration(cfg.Audio.FrameDuration),
		),
		voice.WithPlaybackOptions(playOpts...),
	)

	out.printf("connecting to %s as %s (ctrl+c to quit)\n", tcfg.URL, tcfg.UserID)
	if err := sess.StartVoice(ctx); err != nil {
		if errors.Is(err, capture.ErrMicrophoneUnavailable) {
			fmt.Fprintf(os.Stderr, "voicecoach: %v\n", err)
			return 1
		}
		out.printf("! %v (type \"retry\" to reconnect)\n", err)
	}

	go readCommands(ctx, stop, sess, out)
	<-ctx.Done()

	if err := sess.StopVoice(); err != nil {
		slog.Warn("voicecoach: stop", "err", err)
	}
	printSummary(tracker)
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		// Flags alone are enough to talk to a local peer.
		return &config.Config{}, nil
	}
	return cfg, err
}

func transportConfig(cfg *config.Config) transport.Config {
	c := transport.Config{
		URL:           cfg.Client.PeerURL,
		UserID:        cfg.Client.UserID,
		InstanceID:    cfg.Client.InstanceID,
		AudioEncoding: cfg.Client.AudioEncoding,
		Retry: transport.RetryPolicy{
			MaxAttempts: cfg.Client.Reconnect.MaxAttempts,
			Backoff:     cfg.Client.Reconnect.Backoff,
			MaxBackoff:  cfg.Client.Reconnect.MaxBackoff,
		},
	}
	if c.URL == "" {
		c.URL = defaultPeerURL
	}
	if c.UserID == "" {
		c.UserID = os.Getenv("USER")
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

func canvasJSON(topic string, concepts []string) json.RawMessage {
	data, _ := json.Marshal(struct {
		Topic    string   `json:"topic,omitempty"`
		Concepts []string `json:"concepts,omitempty"`
	}{topic, concepts})
	return data
}

// readCommands handles stdin until EOF, "quit" or ctx ends.
func readCommands(ctx context.Context, quit context.CancelFunc, sess *voice.Session, out *printer) {
	var topic string
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		switch cmd {
		case "":
		case "quit", "exit":
			quit()
			return
		case "retry":
			if err := sess.Retry(ctx); err != nil {
				out.printf("! retry failed: %v\n", err)
			}
		case "topic":
			topic = strings.TrimSpace(arg)
			if err := sess.UpdateContext(ctx, canvasJSON(topic, nil)); err != nil {
				out.printf("! update context: %v\n", err)
			}
		case "concepts":
			var concepts []string
			for c := range strings.SplitSeq(arg, ",") {
				if c = strings.TrimSpace(c); c != "" {
					concepts = append(concepts, c)
				}
			}
			if err := sess.UpdateContext(ctx, canvasJSON(topic, concepts)); err != nil {
				out.printf("! update context: %v\n", err)
			}
		default:
			out.printf("? unknown command %q (topic, concepts, retry, quit)\n", cmd)
		}
	}
}

// printer serialises terminal output from the session's goroutines.
type printer struct {
	mu sync.Mutex
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf(format, args...)
}

func (p *printer) line(sp conversation.Speaker, text string) {
	who := "you"
	if sp == conversation.SpeakerAI {
		who = "tutor"
	}
	p.printf("%-5s > %s\n", who, text)
}

func (p *printer) state(st transport.VoiceState) {
	p.printf("[%s]\n", st)
}

func (p *printer) err(err error) {
	p.printf("! %v\n", err)
}

func printSummary(tr *conversation.Tracker) {
	history := tr.GetRecentHistory(math.MaxInt)
	if len(history) == 0 {
		return
	}
	fmt.Printf("\n── session: %d turns ──\n", len(history))
	for _, turn := range history {
		mark := ""
		if turn.IsInterruption {
			mark = " (interrupted)"
		}
		fmt.Printf("%s %s%s: %s\n", turn.Timestamp.Format("15:04:05"), turn.Speaker, mark, turn.Text)
	}
}
