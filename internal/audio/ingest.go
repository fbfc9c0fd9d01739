// Package audio turns uploaded audio of any supported container into a mono
// waveform at TargetSampleRate.
//
// PCM WAV can be decoded in-process; every other container (MP3, Ogg/Opus,
// WebM) is staged to a private directory and transcoded with ffmpeg. Staged
// files are removed on every exit path.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/mattn/go-shellwords"
)

// Ingestor decodes, downmixes and resamples uploads.
type Ingestor struct {
	cfg     config.AudioConfig
	log     *slog.Logger
	command []string
}

func NewIngestor(cfg config.AudioConfig, logger *slog.Logger) (*Ingestor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.FFmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Ingestor{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "audio.ingestor")),
		command: args,
	}, nil
}

// Ingest decodes data into a mono waveform at TargetSampleRate. The hint
// (filename or content type) is only used for logging; the container is
// detected from the bytes. data is never modified.
func (i *Ingestor) Ingest(ctx context.Context, data []byte, hint string) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, fmt.Errorf("%w: zero-length payload", ErrEmptyAudio)
	}
	format, err := DetectFormat(data)
	if err != nil {
		return Waveform{}, err
	}
	if hinted := hintedFormat(hint); hinted != "" && hinted != format {
		i.log.Debug("audio hint disagrees with content", slog.String("hint", hint), slog.String("detected", string(format)))
	}

	wf, err := i.decode(ctx, data, format)
	if err != nil {
		return Waveform{}, err
	}

	mono := Downmix(wf)
	samples := Resample(mono.Samples, mono.SampleRate, TargetSampleRate)
	if len(samples) == 0 {
		return Waveform{}, fmt.Errorf("%w: no samples decoded", ErrEmptyAudio)
	}
	return Waveform{Samples: samples, SampleRate: TargetSampleRate, Channels: 1}, nil
}

func (i *Ingestor) decode(ctx context.Context, data []byte, format Format) (Waveform, error) {
	if format == FormatWAV && i.cfg.NativeWAV {
		wf, err := DecodeWAV(bytes.NewReader(data))
		if !errors.Is(err, errNotPCM) {
			return wf, err
		}
		// float or compressed WAV: let ffmpeg handle it
	}
	return i.transcode(ctx, data, format)
}

func (i *Ingestor) transcode(ctx context.Context, data []byte, format Format) (Waveform, error) {
	stage, err := newStaging(i.cfg.TempDir, i.log)
	if err != nil {
		return Waveform{}, err
	}
	defer stage.release()

	input := stage.path("input." + string(format))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return Waveform{}, fmt.Errorf("stage input: %w", err)
	}
	output := stage.path("decoded.wav")
	if err := transcodeToWAV(ctx, i.command, input, output); err != nil {
		return Waveform{}, err
	}

	f, err := os.Open(output)
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: open decoded audio: %v", ErrInvalidFormat, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

func hintedFormat(hint string) Format {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return ""
	}
	switch {
	case strings.Contains(hint, "wav"):
		return FormatWAV
	case strings.Contains(hint, "mpeg"), strings.HasSuffix(hint, ".mp3"):
		return FormatMP3
	case strings.Contains(hint, "ogg"), strings.Contains(hint, "opus"), strings.HasSuffix(hint, ".oga"):
		return FormatOgg
	case strings.Contains(hint, "webm"), strings.HasSuffix(hint, ".mkv"):
		return FormatWebM
	}
	return ""
}
