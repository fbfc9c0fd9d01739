package audio

import (
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// errNotPCM marks a valid WAV file whose codec the native decoder cannot read.
var errNotPCM = fmt.Errorf("%w: wav is not integer PCM", ErrInvalidFormat)

// DecodeWAV reads an integer PCM WAV stream into an interleaved waveform.
func DecodeWAV(r io.ReadSeeker) (Waveform, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Waveform{}, fmt.Errorf("%w: invalid wav header", ErrInvalidFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Waveform{}, errNotPCM
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: decode wav: %v", ErrInvalidFormat, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Waveform{}, fmt.Errorf("%w: wav without format", ErrInvalidFormat)
	}

	bitDepth := int(dec.BitDepth)
	samples := make([]float32, len(buf.Data))
	switch {
	case bitDepth == 8:
		// 8-bit WAV is unsigned
		for i, s := range buf.Data {
			samples[i] = float32(s-128) / 128
		}
	case bitDepth > 8 && bitDepth <= 32:
		scale := float32(math.Exp2(float64(bitDepth - 1)))
		for i, s := range buf.Data {
			samples[i] = float32(s) / scale
		}
	default:
		return Waveform{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFormat, bitDepth)
	}

	return Waveform{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

// EncodeWAV writes the waveform as 16-bit PCM.
func EncodeWAV(w io.WriteSeeker, wf Waveform) error {
	channels := wf.Channels
	if channels <= 0 {
		channels = 1
	}
	data := make([]int, len(wf.Samples))
	for i, s := range wf.Samples {
		v := float64(s) * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		data[i] = int(math.Round(v))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: wf.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, wf.SampleRate, 16, channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
