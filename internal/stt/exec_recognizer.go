package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recite/internal/audio"
	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer drives an external whisper-style CLI. The command receives
// --audio <wav> --model <path> [--language xx] --word-timestamps and prints JSON.
type execRecognizer struct {
	cmd     []string
	cfg     config.STTConfig
	tempDir string
}

type execWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type execResult struct {
	Text     string     `json:"text"`
	Words    []execWord `json:"words"`
	Segments []struct {
		Text  string     `json:"text"`
		Words []execWord `json:"words"`
	} `json:"segments"`
}

func NewExecRecognizer(cfg config.STTConfig, tempDir string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &execRecognizer{cmd: args, cfg: cfg, tempDir: tempDir}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error) {
	path := filepath.Join(r.tempDir, "recite-stt-"+uuid.NewString()+".wav")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(path)
	defer file.Close()

	if err := audio.EncodeWAV(file, audio.Waveform{Samples: samples, SampleRate: sampleRate, Channels: 1}); err != nil {
		return TranscriptResult{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if model := r.cfg.ModelPath(); model != "" {
		cmdArgs = append(cmdArgs, "--model", model)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	cmdArgs = append(cmdArgs, "--word-timestamps")

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	command.WaitDelay = 2 * time.Second
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TranscriptResult{}, ctxErr
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp.transcript(), nil
}

func (r *execRecognizer) Close() error { return nil }

func (res execResult) transcript() TranscriptResult {
	out := TranscriptResult{Text: strings.TrimSpace(res.Text)}
	raw := res.Words
	if len(raw) == 0 {
		for _, seg := range res.Segments {
			raw = append(raw, seg.Words...)
		}
	}
	if out.Text == "" && len(res.Segments) > 0 {
		parts := make([]string, 0, len(res.Segments))
		for _, seg := range res.Segments {
			if t := strings.TrimSpace(seg.Text); t != "" {
				parts = append(parts, t)
			}
		}
		out.Text = strings.Join(parts, " ")
	}
	if len(raw) > 0 {
		out.Words = make([]WordSegment, len(raw))
		for i, w := range raw {
			out.Words[i] = WordSegment{Word: w.Word, Start: w.Start, End: w.End}
		}
	}
	return out
}
