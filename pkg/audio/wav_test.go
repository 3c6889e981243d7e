package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()
	pcm := Int16ToBytes([]int16{0, 1000, -1000, 32767, -32768})
	wav := EncodeWAV(pcm, 22050, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}

	got, f, err := DecodeWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if f != (Format{SampleRate: 22050, Channels: 1}) {
		t.Errorf("format = %v", f)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()
	pcm := Int16ToBytes([]int16{7, 8, 9})
	wav := EncodeWAV(pcm, 16000, 1)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, _, err := DecodeWAV(withList)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_StreamingSize(t *testing.T) {
	t.Parallel()
	pcm := Int16ToBytes([]int16{1, 2, 3, 4})
	wav := EncodeWAV(pcm, 16000, 1)
	binary.LittleEndian.PutUint32(wav[40:44], 0xFFFFFFFF)

	got, _, err := DecodeWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	float32Fmt := EncodeWAV(nil, 16000, 1)
	binary.LittleEndian.PutUint16(float32Fmt[34:36], 32)

	tests := map[string][]byte{
		"empty":      nil,
		"not riff":   []byte("RIFX\x00\x00\x00\x00WAVE"),
		"no data":    EncodeWAV(nil, 16000, 1)[:36],
		"32-bit pcm": float32Fmt,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := DecodeWAV(data); err == nil {
				t.Error("expected error")
			} else if name != "32-bit pcm" && !errors.Is(err, ErrInvalidWAV) {
				t.Errorf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}
