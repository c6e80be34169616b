// Package executor turns one image and one template into a terminal per-image
// outcome. It owns the attempt budget and backoff policy; it never touches
// job, image or ledger state.
package executor

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"drisya/internal/domain"
	"drisya/internal/metrics"
	"drisya/internal/providers/image"
)

const (
	DefaultMaxAttempts      = 3
	DefaultTransientBackoff = 2 * time.Second
	DefaultMaxBackoff       = 2 * time.Minute
)

// Enhancer is the provider adapter contract.
type Enhancer interface {
	Enhance(ctx context.Context, in image.Input) (*image.Artifact, error)
}

// BlobWriter persists artifacts and returns a retrievable key.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Options configures an Executor. Zero values pick the package defaults.
type Options struct {
	Enhancer         Enhancer
	Blobs            BlobWriter
	MaxAttempts      int
	TransientBackoff time.Duration
	MaxBackoff       time.Duration
	// AttemptTimeout bounds a single provider call; zero means no bound.
	AttemptTimeout time.Duration
	// Timeout bounds a whole Run including backoff waits.
	Timeout time.Duration
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zerolog.Logger
}

// Executor is stateless and safe for concurrent use.
type Executor struct {
	enhancer         Enhancer
	blobs            BlobWriter
	maxAttempts      int
	transientBackoff time.Duration
	maxBackoff       time.Duration
	attemptTimeout   time.Duration
	timeout          time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
	logger           zerolog.Logger
}

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Enhancer == nil {
		return nil, fmt.Errorf("executor: enhancer is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("executor: blob writer is required")
	}
	e := &Executor{
		enhancer:         opts.Enhancer,
		blobs:            opts.Blobs,
		maxAttempts:      opts.MaxAttempts,
		transientBackoff: opts.TransientBackoff,
		maxBackoff:       opts.MaxBackoff,
		attemptTimeout:   opts.AttemptTimeout,
		timeout:          opts.Timeout,
		sleep:            opts.Sleep,
		logger:           zerolog.New(io.Discard),
	}
	if opts.Logger != nil {
		e.logger = *opts.Logger
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.transientBackoff <= 0 {
		e.transientBackoff = DefaultTransientBackoff
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = DefaultMaxBackoff
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e, nil
}

// Task is one claimed image round.
type Task struct {
	ImageID      string
	JobID        string
	InputRef     string
	Round        int
	Template     domain.TemplatePayload
	ProviderHint string
}

// TaskFromItem converts a claimed dispatch item.
func TaskFromItem(item domain.DispatchItem) Task {
	return Task{
		ImageID:  item.ImageID,
		JobID:    item.JobID,
		InputRef: item.InputRef,
		Round:    item.Round,
		Template: item.Template,
	}
}

// Outcome is the terminal result for a task: Completed with an output
// reference, or Failed with the last observed error kind.
type Outcome struct {
	ImageID      string
	JobID        string
	Round        int
	Status       domain.ImageStatus
	OutputRef    string
	ErrorKind    domain.ErrorKind
	Detail       string
	Attempts     int
	Provider     string
	UsedFallback bool
}

// Completed reports whether the image succeeded.
func (o Outcome) Completed() bool {
	return o.Status == domain.ImageStatusCompleted
}

// Failed builds a failed outcome for a task that never produced a result.
func Failed(task Task, kind domain.ErrorKind, detail string, attempts int) Outcome {
	return Outcome{
		ImageID:   task.ImageID,
		JobID:     task.JobID,
		Round:     task.Round,
		Status:    domain.ImageStatusFailed,
		ErrorKind: kind,
		Detail:    detail,
		Attempts:  attempts,
	}
}

// Run attempts the adapter up to the configured budget. ProviderError is
// terminal on first occurrence.
func (e *Executor) Run(ctx context.Context, task Task) Outcome {
	log := e.logger.With().Str("job_id", task.JobID).Str("image_id", task.ImageID).Int("round", task.Round).Logger()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var (
		last        *image.Failure
		rateLimited int
	)
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		out, failure := e.attempt(ctx, task)
		if failure == nil {
			out.Attempts = attempt
			log.Info().Int("attempt", attempt).Str("provider", out.Provider).Bool("fallback", out.UsedFallback).Msg("executor: image completed")
			metrics.ObserveOutcome(string(out.Status), "", attempt)
			return out
		}
		last = failure
		log.Warn().
			Int("attempt", attempt).
			Str("kind", string(failure.Kind)).
			Str("provider", failure.Provider).
			Dur("retry_after", failure.RetryAfter).
			Msg("executor: attempt failed")

		if !failure.Retryable() || attempt == e.maxAttempts {
			return e.fail(task, failure, attempt)
		}
		if failure.Kind == domain.ErrorKindRateLimited {
			rateLimited++
		} else {
			rateLimited = 0
		}
		if err := e.sleep(ctx, e.backoff(failure, rateLimited)); err != nil {
			return e.fail(task, image.Transient(failure.Provider, fmt.Sprintf("%s; interrupted: %v", failure.Detail, err)), attempt)
		}
	}
	return e.fail(task, last, e.maxAttempts)
}

func (e *Executor) attempt(ctx context.Context, task Task) (Outcome, *image.Failure) {
	callCtx := ctx
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}
	artifact, err := e.enhancer.Enhance(callCtx, image.Input{
		ImageID:      task.ImageID,
		InputRef:     task.InputRef,
		Template:     task.Template,
		ProviderHint: task.ProviderHint,
	})
	if err != nil {
		return Outcome{}, image.AsFailure(err)
	}
	ref, err := e.blobs.Write(ctx, outputKey(task, artifact.MIME), artifact.Data)
	if err != nil {
		return Outcome{}, image.Transient("storage", fmt.Sprintf("store artifact: %v", err))
	}
	return Outcome{
		ImageID:      task.ImageID,
		JobID:        task.JobID,
		Round:        task.Round,
		Status:       domain.ImageStatusCompleted,
		OutputRef:    ref,
		Provider:     artifact.Provider,
		UsedFallback: artifact.Fallback,
	}, nil
}

func (e *Executor) fail(task Task, f *image.Failure, attempts int) Outcome {
	out := Failed(task, f.Kind, f.Detail, attempts)
	out.Provider = f.Provider
	metrics.ObserveOutcome(string(out.Status), string(f.Kind), attempts)
	return out
}

// backoff returns the wait before the next attempt. The n-th consecutive rate
// limit waits retryAfter*2^(n-1).
func (e *Executor) backoff(f *image.Failure, rateLimited int) time.Duration {
	var wait time.Duration
	switch f.Kind {
	case domain.ErrorKindRateLimited:
		wait = f.RetryAfter
		if wait <= 0 {
			wait = e.transientBackoff
		}
		for i := 1; i < rateLimited && wait < e.maxBackoff; i++ {
			wait *= 2
		}
	case domain.ErrorKindProviderWarming:
		wait = f.RetryAfter
		if wait <= 0 {
			wait = e.transientBackoff
		}
	default:
		wait = e.transientBackoff
	}
	if wait > e.maxBackoff {
		wait = e.maxBackoff
	}
	return wait
}

func outputKey(task Task, mime string) string {
	ext := ".png"
	switch strings.ToLower(mime) {
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	}
	return path.Join("outputs", task.JobID, fmt.Sprintf("%s-r%d%s", task.ImageID, task.Round, ext))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
