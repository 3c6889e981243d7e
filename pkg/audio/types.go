// Package audio holds the PCM primitives shared by the capture, playback and
// transport layers: the AudioFrame type, the fixed session format, the hex
// wire codec and the lossy linear resamplers.
package audio

import "time"

// Session format. Sample rate and channel count are constant for the lifetime
// of a voice session.
const (
	// SessionSampleRate is the negotiated wire sample rate in Hz.
	SessionSampleRate = 16000

	// SessionChannels is the wire channel count (mono).
	SessionChannels = 1

	// FrameDuration is the capture cadence. At 16 kHz one frame holds 2048
	// samples.
	FrameDuration = 128 * time.Millisecond

	// BytesPerSample is the size of one PCM16 sample.
	BytesPerSample = 2
)

// SessionFormat is the Format every frame on the wire must have.
var SessionFormat = Format{SampleRate: SessionSampleRate, Channels: SessionChannels}

// AudioFrame is one ordered chunk of PCM16 little-endian audio. Frames are
// opaque to the transport and must be consumed in arrival order within a
// stream.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz. 16000 on the wire.
	SampleRate int

	// Channels is 1 for every frame produced or accepted by a session.
	Channels int

	// Timestamp is the capture offset relative to the start of the stream.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Duration is the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Duration(len(f.Data), f.SampleRate, f.Channels)
}

// SamplesPerFrame returns how many samples a frame of length d holds at rate.
func SamplesPerFrame(rate int, d time.Duration) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}
