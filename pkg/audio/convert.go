package audio

import "fmt"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// Convert brings PCM16 from one format into another. Channel changes are
// limited to stereo to mono. When the formats match pcm is returned as is.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrOddLength, len(pcm), from)
	}
	if from == to {
		return pcm, nil
	}
	if from.Channels != to.Channels {
		if from.Channels != 2 || to.Channels != 1 {
			return nil, fmt.Errorf("audio: cannot convert %s to %s", from, to)
		}
		pcm = StereoToMono(pcm)
	}
	if from.SampleRate != to.SampleRate {
		if to.Channels != 1 {
			return nil, fmt.Errorf("audio: resampling %s needs mono output", from)
		}
		pcm = ResampleMono16(pcm, from.SampleRate, to.SampleRate)
	}
	return pcm, nil
}

// StereoToMono averages each interleaved L/R pair of PCM16 samples.
func StereoToMono(pcm []byte) []byte {
	lr := BytesToInt16(pcm)
	mono := make([]int16, len(lr)/2)
	for i := range mono {
		mono[i] = int16((int32(lr[2*i]) + int32(lr[2*i+1])) / 2)
	}
	return Int16ToBytes(mono)
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. It shares the aliasing caveat of [ResampleFloat32].
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	src := BytesToInt16(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	dst := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range dst {
		at := float64(i) * step
		j := int(at)
		w := at - float64(j)
		k := min(j+1, len(src)-1)
		dst[i] = int16(float64(src[j])*(1-w) + float64(src[k])*w)
	}
	return Int16ToBytes(dst)
}
