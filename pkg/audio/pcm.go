package audio

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultSilenceThreshold is the RMS level below which a PCM16 chunk is
// treated as silence.
const DefaultSilenceThreshold = 500

// ErrOddLength is returned when a PCM16 payload has an odd byte count.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// EncodeHex encodes PCM16 bytes for JSON transport, two lowercase hex
// characters per byte.
func EncodeHex(pcm []byte) string {
	return hex.EncodeToString(pcm)
}

// DecodeHex reverses [EncodeHex]. The decoded payload must contain whole
// samples.
func DecodeHex(s string) ([]byte, error) {
	pcm, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode hex: %w", err)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, ErrOddLength
	}
	return pcm, nil
}

// Int16ToBytes packs samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 unpacks little-endian PCM16. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Float32ToPCM16 converts normalised float samples to PCM16, clamping to
// [-1, 1] first.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		s = max(-1, min(1, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*math.MaxInt16)))
	}
	return out
}

// PCM16ToFloat32 converts PCM16 to floats in [-1, 1).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// ResampleFloat32 converts mono float samples from srcRate to dstRate with
// linear interpolation. There is no anti-aliasing filter, so downsampling
// folds energy above the new Nyquist frequency back into the band. That is
// acceptable for speech sent to a recogniser but not for music.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := min(idx+1, last)
		out[i] = samples[idx]*(1-frac) + samples[next]*frac
	}
	return out
}

// RMS returns the root mean square level of PCM16 data on the int16 scale.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// IsSilence reports whether the RMS level of pcm is below threshold. A
// threshold of zero uses [DefaultSilenceThreshold].
func IsSilence(pcm []byte, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return RMS(pcm) < threshold
}

// Duration returns how long byteLen bytes of PCM16 last at the given format.
func Duration(byteLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := byteLen / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
