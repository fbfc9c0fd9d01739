package audio

import (
	"errors"
	"time"
)

// TargetSampleRate is the rate every waveform leaving the ingestor is resampled to.
const TargetSampleRate = 16000

var (
	// ErrInvalidFormat reports an unsupported or corrupted container/codec.
	ErrInvalidFormat = errors.New("invalid audio format")
	// ErrEmptyAudio reports a payload that decodes to zero samples.
	ErrEmptyAudio = errors.New("empty audio")
)

// Waveform is decoded audio as float32 samples in [-1, 1]. Multi-channel
// waveforms are interleaved.
type Waveform struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (w Waveform) Frames() int {
	if w.Channels <= 0 {
		return 0
	}
	return len(w.Samples) / w.Channels
}

func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(w.Frames()) / float64(w.SampleRate) * float64(time.Second))
}

// Downmix averages all channels into a mono waveform.
func Downmix(w Waveform) Waveform {
	if w.Channels <= 1 {
		return Waveform{Samples: w.Samples, SampleRate: w.SampleRate, Channels: 1}
	}
	frames := w.Frames()
	mono := make([]float32, frames)
	scale := 1 / float32(w.Channels)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * w.Channels
		for c := 0; c < w.Channels; c++ {
			sum += w.Samples[base+c]
		}
		mono[i] = sum * scale
	}
	return Waveform{Samples: mono, SampleRate: w.SampleRate, Channels: 1}
}
