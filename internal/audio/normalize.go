package audio

// Concat joins frames into one contiguous sample slice
func Concat(frames [][]int16) []int16 {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]int16, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// Resample converts mono PCM16 between sample rates using linear interpolation.
// The input is returned unchanged when the rates match.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

// ToFloat32 scales PCM16 samples into [-1, 1)
func ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// FromFloat32 converts [-1, 1] samples back to PCM16, clipping out-of-range values
func FromFloat32(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Normalize produces the canonical model input for an utterance: one
// contiguous mono buffer at the target rate, scaled to [-1, 1).
func Normalize(u *Utterance, targetRate int) []float32 {
	return ToFloat32(Resample(Concat(u.Frames), u.SampleRate, targetRate))
}
