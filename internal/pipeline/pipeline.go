// Package pipeline runs one audio submission through decoding, transcription,
// chunk extraction and matching.
//
// Runs are single-pass: a failed stage aborts the run with an *Error and
// nothing partial is returned. The submitted bytes are only read, so the same
// Submission can be retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-recite/internal/audio"
	"github.com/loqalabs/loqa-recite/internal/chunk"
	"github.com/loqalabs/loqa-recite/internal/correct"
	"github.com/loqalabs/loqa-recite/internal/match"
	"github.com/loqalabs/loqa-recite/internal/model"
	"github.com/loqalabs/loqa-recite/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Ingestor produces a normalized mono waveform. *audio.Ingestor implements it.
type Ingestor interface {
	Ingest(ctx context.Context, data []byte, hint string) (audio.Waveform, error)
}

// Transcriber runs speech recognition. *stt.Pool implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.TranscriptResult, error)
}

// Submission is one audio attempt at reciting Reference.
type Submission struct {
	Audio     []byte
	Filename  string
	Reference string
}

// Result is what a completed run hands to the document store.
type Result struct {
	RecognizedText string        `json:"recognized_text"`
	CorrectedText  string        `json:"corrected_text"`
	Chunks         []model.Chunk `json:"chunks"`
	SemanticOK     bool          `json:"semantic_ok"`
	Duration       time.Duration `json:"-"`
}

type Options struct {
	Ingestor    Ingestor
	Transcriber Transcriber
	Corrector   correct.Corrector
	Matcher     match.Matcher
	// Workers bounds how many runs decode or transcribe at once.
	Workers int
	// Timeout bounds one run from the wait for a worker through
	// transcription. Zero means no deadline beyond the caller's.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnTransition is called synchronously on every state change.
	OnTransition func(from, to State)
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type Pipeline struct {
	ingestor     Ingestor
	transcriber  Transcriber
	corrector    correct.Corrector
	matcher      match.Matcher
	workers      *semaphore.Weighted
	timeout      time.Duration
	log          *slog.Logger
	onTransition func(from, to State)

	tracer   trace.Tracer
	runs     metric.Int64Counter
	duration metric.Float64Histogram
	dropped  metric.Int64Counter
}

func New(opts Options) (*Pipeline, error) {
	if opts.Ingestor == nil || opts.Transcriber == nil {
		return nil, errors.New("pipeline: ingestor and transcriber are required")
	}
	if opts.Corrector == nil {
		opts.Corrector = correct.Passthrough{}
	}
	if opts.Matcher == nil {
		opts.Matcher = match.Substring{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	p := &Pipeline{
		ingestor:     opts.Ingestor,
		transcriber:  opts.Transcriber,
		corrector:    opts.Corrector,
		matcher:      opts.Matcher,
		workers:      semaphore.NewWeighted(int64(opts.Workers)),
		timeout:      opts.Timeout,
		log:          opts.Logger.With(slog.String("component", "pipeline")),
		onTransition: opts.OnTransition,
		tracer:       opts.TracerProvider.Tracer("github.com/loqalabs/loqa-recite/pipeline"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-recite/pipeline")
	var err error
	if p.runs, err = meter.Int64Counter("recite.pipeline.runs", metric.WithDescription("Verification runs by outcome")); err != nil {
		return err
	}
	if p.duration, err = meter.Float64Histogram("recite.pipeline.duration", metric.WithUnit("s")); err != nil {
		return err
	}
	p.dropped, err = meter.Int64Counter("recite.chunks.dropped", metric.WithDescription("Word segments dropped during alignment"))
	return err
}

// run tracks the state of a single submission.
type run struct {
	p     *Pipeline
	span  trace.Span
	state State
}

func (r *run) enter(to State) {
	from := r.state
	r.state = to
	r.span.AddEvent(string(to))
	if r.p.onTransition != nil {
		r.p.onTransition(from, to)
	}
}

func (r *run) fail(ctx context.Context, err error) error {
	// A stage killed by the run deadline reports its own error.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && classify(r.state, err) != KindTranscriptionTimeout {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	pe := &Error{Kind: classify(r.state, err), State: r.state, Err: err}
	r.enter(StateFailed)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(pe.Kind))
	return pe
}

// Run verifies one submission. It blocks until a worker slot is free, the run
// completes, ctx is done, or the configured timeout expires. The timeout covers
// the wait for a worker as well as decoding and transcription.
func (p *Pipeline) Run(ctx context.Context, sub Submission) (res Result, err error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("audio.bytes", len(sub.Audio)),
		attribute.String("audio.filename", sub.Filename),
	))
	defer span.End()

	r := &run{p: p, span: span}
	r.enter(StateReceived)
	defer func() {
		outcome := string(StateCompleted)
		if k, ok := KindOf(err); ok {
			outcome = string(k)
		}
		elapsed := time.Since(started)
		if p.runs != nil {
			p.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
			p.duration.Record(ctx, elapsed.Seconds())
		}
		p.log.Info("pipeline run finished",
			slog.String("outcome", outcome),
			slog.Duration("duration", elapsed),
		)
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.workers.Acquire(ctx, 1); err != nil {
		return Result{}, r.fail(ctx, err)
	}
	defer p.workers.Release(1)

	r.enter(StateDecoding)
	wf, err := p.ingestor.Ingest(ctx, sub.Audio, sub.Filename)
	if err != nil {
		return Result{}, r.fail(ctx, err)
	}
	if wf.SampleRate != audio.TargetSampleRate || wf.Channels != 1 {
		return Result{}, r.fail(ctx, fmt.Errorf("ingestor returned %d Hz x %d channels", wf.SampleRate, wf.Channels))
	}
	span.SetAttributes(attribute.Float64("audio.seconds", wf.Duration().Seconds()))

	r.enter(StateTranscribing)
	transcript, err := p.transcriber.Transcribe(ctx, wf.Samples, wf.SampleRate)
	if err != nil {
		return Result{}, r.fail(ctx, err)
	}

	chunks, problems := chunk.Extract(transcript.Words)
	for _, prob := range problems {
		p.log.Debug("chunk alignment", slog.String("error", prob.Error()))
	}
	if n := chunk.DroppedCount(problems); n > 0 && p.dropped != nil {
		p.dropped.Add(ctx, int64(n))
	}

	r.enter(StateMatching)
	corrected, err := p.corrector.Correct(ctx, transcript.Text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, r.fail(ctx, ctxErr)
		}
		p.log.Warn("correction failed, using recognized text", slog.String("error", err.Error()))
		corrected = transcript.Text
	}
	verdict := p.matcher.Match(corrected, sub.Reference)
	span.SetAttributes(attribute.Bool("semantic_ok", verdict), attribute.Int("chunks", len(chunks)))

	r.enter(StateCompleted)
	return Result{
		RecognizedText: transcript.Text,
		CorrectedText:  corrected,
		Chunks:         chunks,
		SemanticOK:     verdict,
		Duration:       time.Since(started),
	}, nil
}
