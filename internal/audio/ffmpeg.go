package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// transcodeToWAV converts any container ffmpeg understands into 16-bit PCM WAV.
// Channel layout and sample rate are kept; downmix and resampling happen in Go.
func transcodeToWAV(ctx context.Context, command []string, input, output string) error {
	args := append([]string{}, command[1:]...)
	args = append(args,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y", "-i", input,
		"-vn", "-acodec", "pcm_s16le",
		"-f", "wav", output,
	)

	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrInvalidFormat, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
