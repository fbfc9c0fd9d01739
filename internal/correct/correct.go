// Package correct post-processes recognized text before it is matched.
package correct

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-recite/internal/config"
)

// Corrector rewrites a transcript. Implementations must not invent content:
// the verdict is computed from whatever they return.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Passthrough returns text unchanged.
type Passthrough struct{}

func (Passthrough) Correct(_ context.Context, text string) (string, error) {
	return text, nil
}

// New builds the configured corrector.
func New(cfg config.CorrectionConfig) (Corrector, error) {
	switch cfg.Mode {
	case "", "passthrough":
		return Passthrough{}, nil
	case "ollama":
		timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
		return NewOllama(cfg.Endpoint, cfg.Model, &http.Client{Timeout: timeout}), nil
	default:
		return nil, fmt.Errorf("correct: unknown mode %q (supported: passthrough, ollama)", cfg.Mode)
	}
}
