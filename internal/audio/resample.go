package audio

import "math"

const (
	// zero crossings of the sinc kernel on each side of the output sample
	resampleZeroCrossings = 16
	// keeps the transition band just under Nyquist
	resampleRolloff = 0.945
)

// Resample converts mono samples from one rate to another with a Hann-windowed
// sinc interpolator. When downsampling the kernel cutoff follows the target
// Nyquist frequency so content above it is filtered instead of aliased.
func Resample(in []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || len(in) == 0 {
		return nil
	}
	if from == to {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(to) / float64(from)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen == 0 {
		return nil
	}

	cutoff := math.Min(1, ratio) * resampleRolloff
	halfWidth := float64(resampleZeroCrossings) / cutoff
	last := len(in) - 1

	out := make([]float32, outLen)
	for j := range out {
		center := float64(j) / ratio
		lo := int(math.Ceil(center - halfWidth))
		hi := int(math.Floor(center + halfWidth))
		if lo < 0 {
			lo = 0
		}
		if hi > last {
			hi = last
		}
		var acc float64
		for k := lo; k <= hi; k++ {
			x := float64(k) - center
			acc += float64(in[k]) * cutoff * sinc(cutoff*x) * hann(x/halfWidth)
		}
		out[j] = float32(acc)
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hann(u float64) float64 {
	if u <= -1 || u >= 1 {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*u))
}
