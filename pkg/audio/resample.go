package audio

// Resampler converts a stream of mono float samples between rates with
// linear interpolation, like [ResampleFloat32], but keeps its position
// between calls. Buffers of any size can be fed without the phase resetting
// at their boundaries. The zero value is not usable; see [NewResampler].
// A Resampler is not safe for concurrent use.
type Resampler struct {
	step   float64 // input samples per output sample
	pos    float64 // next output position; 0 is the carried sample
	last   float32
	primed bool
}

// NewResampler returns a Resampler from srcRate to dstRate. Equal or
// invalid rates make Process return its input unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{}
	if srcRate > 0 && dstRate > 0 && srcRate != dstRate {
		r.step = float64(srcRate) / float64(dstRate)
	}
	return r
}

// Process returns the output samples that in completes.
func (r *Resampler) Process(in []float32) []float32 {
	if r.step == 0 {
		return in
	}
	if len(in) == 0 {
		return nil
	}
	buf := in
	if r.primed {
		buf = make([]float32, 0, len(in)+1)
		buf = append(append(buf, r.last), in...)
	}
	r.primed = true

	end := float64(len(buf) - 1)
	out := make([]float32, 0, int(end/r.step)+1)
	for ; r.pos < end; r.pos += r.step {
		i := int(r.pos)
		f := float32(r.pos - float64(i))
		out = append(out, buf[i]*(1-f)+buf[i+1]*f)
	}
	// buf's last sample becomes position 0 of the next call.
	r.pos -= end
	r.last = buf[len(buf)-1]
	return out
}

// Reset forgets the carried sample and phase.
func (r *Resampler) Reset() {
	r.pos, r.last, r.primed = 0, 0, false
}
