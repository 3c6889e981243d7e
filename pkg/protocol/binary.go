package protocol

import (
	"fmt"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// MaxStreamIDLen is the longest stream id a binary audio message can carry.
const MaxStreamIDLen = 255

// EncodeBinaryAudio packs one audio frame into a binary WebSocket message:
//
//	[1 byte stream id length][stream id][PCM16 little-endian]
//
// Client audio uses an empty stream id.
func EncodeBinaryAudio(streamID string, pcm []byte) ([]byte, error) {
	if len(streamID) > MaxStreamIDLen {
		return nil, fmt.Errorf("protocol: stream id too long (%d bytes)", len(streamID))
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return nil, audio.ErrOddLength
	}
	out := make([]byte, 0, 1+len(streamID)+len(pcm))
	out = append(out, byte(len(streamID)))
	out = append(out, streamID...)
	return append(out, pcm...), nil
}

// DecodeBinaryAudio reverses [EncodeBinaryAudio]. The returned PCM aliases
// msg.
func DecodeBinaryAudio(msg []byte) (streamID string, pcm []byte, err error) {
	if len(msg) == 0 {
		return "", nil, fmt.Errorf("%w: empty binary message", ErrMalformed)
	}
	n := int(msg[0])
	if len(msg) < 1+n {
		return "", nil, fmt.Errorf("%w: truncated stream id", ErrMalformed)
	}
	pcm = msg[1+n:]
	if len(pcm)%audio.BytesPerSample != 0 {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformed, audio.ErrOddLength)
	}
	return string(msg[1 : 1+n]), pcm, nil
}
