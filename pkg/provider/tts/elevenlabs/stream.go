package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/provider/tts"
)

// voiceSettings is the voice_settings object of the init frame.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// frame is every client message. The first one carries the key and voice
// settings; an empty Text afterwards asks ElevenLabs to flush and finish.
type frame struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	APIKey        string         `json:"xi_api_key,omitempty"`
}

// openFrame must carry a non-empty text, a single space is the convention.
func openFrame(apiKey string, vs voiceSettings) frame {
	return frame{Text: " ", VoiceSettings: &vs, APIKey: apiKey}
}

// textFrame ends the fragment with a space so it is treated as complete.
func textFrame(s string) frame { return frame{Text: s + " "} }

var flushFrame = frame{}

type reply struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// synth owns one connection. The sender forwards text, the receiver turns
// replies into chunks, and out closes after both have stopped.
type synth struct {
	conn   *websocket.Conn
	logger *slog.Logger
	out    chan tts.Chunk
}

func (s *synth) run(ctx context.Context, text <-chan string) {
	defer close(s.out)
	defer s.conn.Close(websocket.StatusNormalClosure, "")

	received := make(chan struct{})
	go func() {
		defer close(received)
		s.receive(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-received:
			return
		case t, ok := <-text:
			if !ok {
				if err := writeFrame(ctx, s.conn, flushFrame); err != nil {
					return
				}
				<-received
				return
			}
			if strings.TrimSpace(t) == "" {
				continue
			}
			if err := writeFrame(ctx, s.conn, textFrame(t)); err != nil {
				s.logger.Debug("elevenlabs: send text", "err", err)
				return
			}
		}
	}
}

func (s *synth) emit(ctx context.Context, c tts.Chunk) bool {
	select {
	case s.out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// receive runs until the final reply, a server error, or the connection
// drops. Replies may split a sample across messages; the odd byte is held
// back so every chunk carries whole samples.
func (s *synth) receive(ctx context.Context) {
	var odd []byte
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.emit(ctx, tts.Chunk{Err: fmt.Errorf("elevenlabs: read: %w", err)})
			}
			return
		}
		var r reply
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Debug("elevenlabs: skipping undecodable reply", "err", err)
			continue
		}
		if r.Error != "" {
			s.emit(ctx, tts.Chunk{Err: fmt.Errorf("elevenlabs: %s: %s", r.Error, r.Message)})
			return
		}
		if r.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(r.Audio)
			if err != nil {
				s.logger.Debug("elevenlabs: skipping bad audio payload", "err", err)
				continue
			}
			pcm, odd = append(odd, pcm...), nil
			if len(pcm)%2 != 0 {
				odd = []byte{pcm[len(pcm)-1]}
				pcm = pcm[:len(pcm)-1]
			}
			if len(pcm) > 0 && !s.emit(ctx, tts.Chunk{PCM: pcm}) {
				return
			}
		}
		if r.IsFinal {
			return
		}
	}
}
