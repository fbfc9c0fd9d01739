package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrPoolClosed is returned for calls made after Close.
var ErrPoolClosed = errors.New("recognizer pool closed")

// An abandoned call still running this long after its timeout is logged as a
// held instance.
const defaultAbandonGrace = 30 * time.Second

// Pool owns the process-wide recognizer instances.
//
// Each instance serves one call at a time. The pool holds a fixed number of
// instances and callers wait until one is free, so a pool of size 1 is a mutex
// around a single model. The configured timeout bounds queueing plus
// inference; on expiry the caller gets ErrTimeout immediately and the instance
// goes back to the pool as soon as the abandoned call returns.
type Pool struct {
	slots        chan Recognizer
	all          []Recognizer
	timeout      time.Duration
	abandonGrace time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewPool initializes size instances using factory. Any instance that fails to
// load closes the ones already built.
func NewPool(size int, timeout time.Duration, factory func() (Recognizer, error), logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		slots:        make(chan Recognizer, size),
		timeout:      timeout,
		abandonGrace: defaultAbandonGrace,
		log:          logger.With(slog.String("component", "stt.pool")),
	}
	for i := 0; i < size; i++ {
		r, err := factory()
		if err != nil {
			_ = p.closeInstances()
			return nil, fmt.Errorf("load recognizer %d: %w", i, err)
		}
		p.all = append(p.all, r)
		p.slots <- r
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	p.log.Info("recognizer pool ready", slog.Int("size", size), slog.Duration("timeout", timeout))
	return p, nil
}

func (p *Pool) Size() int { return len(p.all) }

// Available reports how many instances are idle.
func (p *Pool) Available() int { return len(p.slots) }

type outcome struct {
	result TranscriptResult
	err    error
}

// Transcribe runs samples through the next free instance.
func (p *Pool) Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return TranscriptResult{}, fmt.Errorf("%w: %w", ErrTranscription, ErrPoolClosed)
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var r Recognizer
	select {
	case r = <-p.slots:
	case <-ctx.Done():
		return TranscriptResult{}, p.contextError(ctx)
	}

	done := make(chan outcome, 1)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() { p.slots <- r }()
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("recognizer panic: %v", rec)}
			}
		}()
		res, err := r.Transcribe(ctx, samples, sampleRate)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() != nil {
				return TranscriptResult{}, p.contextError(ctx)
			}
			return TranscriptResult{}, fmt.Errorf("%w: %w", ErrTranscription, o.err)
		}
		return o.result, nil
	case <-ctx.Done():
		go p.watchAbandoned(done)
		return TranscriptResult{}, p.contextError(ctx)
	}
}

// watchAbandoned warns when a call that ignored its context keeps an instance
// out of the pool.
func (p *Pool) watchAbandoned(done <-chan outcome) {
	started := time.Now()
	timer := time.NewTimer(p.abandonGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	p.log.Warn("abandoned recognizer call still running, instance unavailable",
		slog.Duration("grace", p.abandonGrace),
		slog.Int("available", p.Available()),
		slog.Int("size", p.Size()),
	)
	<-done
	p.log.Info("abandoned recognizer call returned", slog.Duration("after", time.Since(started)))
}

func (p *Pool) contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
	}
	return fmt.Errorf("%w: %w", ErrTranscription, err)
}

// Close waits for in-flight calls (bounded by ctx) and releases every instance.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight transcriptions: %w", ctx.Err())
	}
	return p.closeInstances()
}

func (p *Pool) closeInstances() error {
	var errs []error
	for _, r := range p.all {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-recite/stt")
	gauge, err := meter.Int64ObservableGauge("recite.stt.pool.available", metric.WithDescription("Idle recognizer instances"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(p.Available()))
		return nil
	}, gauge)
	return err
}
