package audio

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidWAV is returned by [DecodeWAV] for anything that is not a PCM16
// RIFF/WAVE container.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

const wavHeaderSize = 44

// EncodeWAV wraps PCM16 little-endian audio in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * BytesPerSample
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// DecodeWAV walks the RIFF chunks of wav and returns the PCM payload with its
// format. Chunks other than "fmt " and "data" are skipped, so headers longer
// than 44 bytes are fine. A data chunk whose declared size overruns the
// buffer, as streaming servers write it, is truncated to what is present.
func DecodeWAV(wav []byte) (pcm []byte, f Format, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, ErrInvalidWAV
	}
	haveFmt := false
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, Format{}, ErrInvalidWAV
			}
			if binary.LittleEndian.Uint16(wav[body+14:]) != 16 {
				return nil, Format{}, errors.New("audio: WAV is not 16-bit PCM")
			}
			f.Channels = int(binary.LittleEndian.Uint16(wav[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, ErrInvalidWAV
			}
			end := min(body+size, len(wav))
			if size == 0 || size == 0xFFFFFFFF {
				end = len(wav)
			}
			return wav[body:end], f, nil
		}

		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return nil, Format{}, ErrInvalidWAV
}
