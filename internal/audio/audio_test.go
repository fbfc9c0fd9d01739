package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recite/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newIngestor(t *testing.T, mutate func(*config.AudioConfig)) (*Ingestor, string) {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default().Audio
	cfg.TempDir = tmp
	if mutate != nil {
		mutate(&cfg)
	}
	ing, err := NewIngestor(cfg, newLogger())
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ing, tmp
}

func sine(freq float64, rate, channels int, seconds, amplitude float64) Waveform {
	frames := int(float64(rate) * seconds)
	samples := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		v := float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			samples[i*channels+c] = v
		}
	}
	return Waveform{Samples: samples, SampleRate: rate, Channels: channels}
}

func encodeWAV(t *testing.T, wf Waveform) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := EncodeWAV(f, wf); err != nil {
		f.Close()
		t.Fatalf("encode wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d entries (first %s)", dir, len(entries), entries[0].Name())
	}
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func oggPayload() []byte {
	data := make([]byte, 128)
	copy(data, "OggS\x00\x02")
	copy(data[28:], "OpusHead")
	return data
}

func TestIngestStereoWAVDownmixesAndResamples(t *testing.T) {
	ing, tmp := newIngestor(t, nil)
	data := encodeWAV(t, sine(440, 44100, 2, 1, 0.5))
	original := append([]byte(nil), data...)

	wf, err := ing.Ingest(context.Background(), data, "clip.wav")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if wf.SampleRate != TargetSampleRate || wf.Channels != 1 {
		t.Fatalf("expected %d Hz mono, got %d Hz x%d", TargetSampleRate, wf.SampleRate, wf.Channels)
	}
	if got := len(wf.Samples); got < 15990 || got > 16010 {
		t.Fatalf("expected ~16000 samples, got %d", got)
	}
	mid := wf.Samples[2000:14000]
	if r := rms(mid); math.Abs(r-0.5/math.Sqrt2) > 0.02 {
		t.Fatalf("expected rms near %.3f, got %.3f", 0.5/math.Sqrt2, r)
	}
	if string(original) != string(data) {
		t.Fatal("input bytes were modified")
	}
	assertDirEmpty(t, tmp)
}

func TestDownmixAveragesChannels(t *testing.T) {
	wf := Waveform{Samples: []float32{0.5, 0.25, -1, 1}, SampleRate: 8000, Channels: 2}
	mono := Downmix(wf)
	if mono.Channels != 1 || len(mono.Samples) != 2 {
		t.Fatalf("unexpected shape: %+v", mono)
	}
	if mono.Samples[0] != 0.375 || mono.Samples[1] != 0 {
		t.Fatalf("expected averaged samples, got %v", mono.Samples)
	}
}

func TestResampleLengthAndPassthrough(t *testing.T) {
	in := sine(100, 8000, 1, 0.5, 0.3).Samples
	up := Resample(in, 8000, 16000)
	if len(up) != 2*len(in) {
		t.Fatalf("expected %d samples, got %d", 2*len(in), len(up))
	}
	same := Resample(in, 8000, 8000)
	if len(same) != len(in) || &same[0] == &in[0] {
		t.Fatal("expected an equal-length copy")
	}
	if Resample(nil, 8000, 16000) != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestResampleFiltersAboveTargetNyquist(t *testing.T) {
	// 12 kHz cannot be represented at 16 kHz; it must be attenuated, not folded to 4 kHz.
	in := sine(12000, 48000, 1, 0.5, 0.5).Samples
	out := Resample(in, 48000, 16000)
	if r := rms(out[500 : len(out)-500]); r > 0.02 {
		t.Fatalf("expected aliased tone to be filtered, rms=%.4f", r)
	}
}

func TestIngestEmptyPayload(t *testing.T) {
	ing, _ := newIngestor(t, nil)
	if _, err := ing.Ingest(context.Background(), nil, "empty.wav"); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestIngestRejectsUnknownBytes(t *testing.T) {
	ing, tmp := newIngestor(t, nil)
	_, err := ing.Ingest(context.Background(), []byte("definitely not audio, just some text"), "voice.mp3")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	assertDirEmpty(t, tmp)
}

func TestIngestRejectsCorruptWAV(t *testing.T) {
	ing, tmp := newIngestor(t, nil)
	data := []byte("RIFF\x24\x00\x00\x00WAVEjunkjunkjunkjunkjunkjunk")
	_, err := ing.Ingest(context.Background(), data, "broken.wav")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	assertDirEmpty(t, tmp)
}

func TestIngestDecoderFailureRemovesStaging(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false binary not available")
	}
	ing, tmp := newIngestor(t, func(c *config.AudioConfig) { c.FFmpegCommand = "false" })
	_, err := ing.Ingest(context.Background(), oggPayload(), "take.ogg")
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	assertDirEmpty(t, tmp)
}

func TestIngestCancellationRemovesStaging(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ing, tmp := newIngestor(t, func(c *config.AudioConfig) { c.FFmpegCommand = `sh -c "exec sleep 5"` })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ing.Ingest(ctx, oggPayload(), "take.ogg")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("decoder was not cancelled")
	}
	assertDirEmpty(t, tmp)
}

func TestDetectFormat(t *testing.T) {
	wavData := encodeWAV(t, sine(440, 8000, 1, 0.1, 0.2))
	webm := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01, 0x42, 0xF7, 0x81, 0x01,
		0x42, 0xF2, 0x81, 0x04, 0x42, 0xF3, 0x81, 0x08, 0x42, 0x82, 0x84, 'w', 'e', 'b', 'm',
		0x42, 0x87, 0x81, 0x04, 0x42, 0x85, 0x81, 0x02}
	mp3 := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)

	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"wav", wavData, FormatWAV},
		{"ogg", oggPayload(), FormatOgg},
		{"webm", webm, FormatWebM},
		{"mp3", mp3, FormatMP3},
	}
	for _, tc := range cases {
		got, err := DetectFormat(tc.data)
		if err != nil {
			t.Fatalf("%s: detect: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestIngestThroughFFmpeg(t *testing.T) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not on PATH")
	}
	src := filepath.Join(t.TempDir(), "src.wav")
	if err := os.WriteFile(src, encodeWAV(t, sine(300, 22050, 2, 1, 0.4)), 0o644); err != nil {
		t.Fatal(err)
	}
	mp3Path := filepath.Join(t.TempDir(), "src.mp3")
	if out, err := exec.Command(ffmpeg, "-y", "-loglevel", "error", "-i", src, mp3Path).CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot encode mp3: %v: %s", err, out)
	}
	mp3Data, err := os.ReadFile(mp3Path)
	if err != nil {
		t.Fatal(err)
	}

	ing, tmp := newIngestor(t, nil)
	wf, err := ing.Ingest(context.Background(), mp3Data, "upload.bin")
	if err != nil {
		t.Fatalf("ingest mp3: %v", err)
	}
	if wf.SampleRate != TargetSampleRate || wf.Channels != 1 {
		t.Fatalf("expected %d Hz mono, got %d Hz x%d", TargetSampleRate, wf.SampleRate, wf.Channels)
	}
	if wf.Duration() < 900*time.Millisecond {
		t.Fatalf("expected about one second of audio, got %s", wf.Duration())
	}
	assertDirEmpty(t, tmp)

	viaFFmpeg, tmp2 := newIngestor(t, func(c *config.AudioConfig) { c.NativeWAV = false })
	wf, err = viaFFmpeg.Ingest(context.Background(), encodeWAV(t, sine(300, 22050, 2, 1, 0.4)), "clip.wav")
	if err != nil {
		t.Fatalf("ingest wav via ffmpeg: %v", err)
	}
	if wf.SampleRate != TargetSampleRate || wf.Channels != 1 {
		t.Fatalf("expected %d Hz mono, got %d Hz x%d", TargetSampleRate, wf.SampleRate, wf.Channels)
	}
	assertDirEmpty(t, tmp2)
}
