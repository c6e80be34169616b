package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"drisya/internal/domain"
	"drisya/internal/executor"
	"drisya/internal/metrics"
)

const (
	DefaultMaxInFlight  = 5
	DefaultMaxPerUser   = 2
	DefaultPollInterval = 2 * time.Second
)

// Runner executes one claimed image.
type Runner interface {
	Run(ctx context.Context, task executor.Task) executor.Outcome
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Store        domain.Store
	Orchestrator *Orchestrator
	Runner       Runner
	// MaxInFlight caps concurrent provider invocations across all jobs.
	MaxInFlight int
	// MaxPerUser caps processing images per user; zero or less disables it.
	MaxPerUser   int
	PollInterval time.Duration
	// ProviderHint is passed to every task.
	ProviderHint string
	Logger       *zerolog.Logger
}

// Dispatcher claims pending images and runs them under a global in-flight
// limit. In-flight executions are never cancelled; shutdown waits for them.
type Dispatcher struct {
	store        domain.Store
	orch         *Orchestrator
	runner       Runner
	sem          *semaphore.Weighted
	maxInFlight  int
	maxPerUser   int
	pollInterval time.Duration
	providerHint string
	logger       zerolog.Logger

	// inFlight mirrors the held semaphore weight for metrics and tests.
	inFlight atomic.Int64
	wg       sync.WaitGroup
	wake     chan struct{}
}

// NewDispatcher validates the options and builds a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Store == nil || opts.Orchestrator == nil || opts.Runner == nil {
		return nil, errors.New("jobs: dispatcher requires store, orchestrator and runner")
	}
	d := &Dispatcher{
		store:        opts.Store,
		orch:         opts.Orchestrator,
		runner:       opts.Runner,
		maxInFlight:  opts.MaxInFlight,
		maxPerUser:   opts.MaxPerUser,
		pollInterval: opts.PollInterval,
		providerHint: opts.ProviderHint,
		logger:       zerolog.New(io.Discard),
		wake:         make(chan struct{}, 1),
	}
	if opts.Logger != nil {
		d.logger = *opts.Logger
	}
	if d.maxInFlight <= 0 {
		d.maxInFlight = DefaultMaxInFlight
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	d.sem = semaphore.NewWeighted(int64(d.maxInFlight))
	return d, nil
}

// Notify asks the run loop to claim work without waiting for the next poll.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run claims and dispatches work until ctx is cancelled, then waits for the
// in-flight executions to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	d.logger.Info().
		Int("max_inflight", d.maxInFlight).
		Int("max_per_user", d.maxPerUser).
		Dur("poll_interval", d.pollInterval).
		Msg("jobs: dispatcher started")

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("jobs: claim pending images")
		}
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("jobs: dispatcher draining")
			d.Wait()
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Tick claims as many pending images as there are free slots and starts them.
// It returns the number of images dispatched. Slots are taken from the
// semaphore before claiming, so every claimed image is started even if ctx is
// cancelled meanwhile.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	slots := 0
	for slots < d.maxInFlight && d.sem.TryAcquire(1) {
		slots++
	}
	if slots == 0 {
		return 0, nil
	}
	items, err := d.store.ClaimPending(ctx, slots, d.maxPerUser)
	if err != nil {
		d.sem.Release(int64(slots))
		return 0, err
	}
	if len(items) > slots {
		// Never run more than the slots held.
		d.logger.Error().Int("claimed", len(items)).Int("slots", slots).Msg("jobs: store over-claimed")
		items = items[:slots]
	}
	if unused := slots - len(items); unused > 0 {
		d.sem.Release(int64(unused))
	}
	for _, item := range items {
		d.track(1)
		d.wg.Add(1)
		go d.execute(context.WithoutCancel(ctx), item)
	}
	return len(items), nil
}

func (d *Dispatcher) execute(ctx context.Context, item domain.DispatchItem) {
	defer func() {
		d.sem.Release(1)
		d.track(-1)
		d.wg.Done()
		d.Notify()
	}()

	task := executor.TaskFromItem(item)
	task.ProviderHint = d.providerHint
	out := d.runner.Run(ctx, task)
	if _, err := d.orch.Apply(ctx, out); err != nil {
		d.logger.Error().
			Err(err).
			Str("job_id", item.JobID).
			Str("image_id", item.ImageID).
			Msg("jobs: apply outcome")
	}
}

func (d *Dispatcher) track(delta int64) {
	metrics.SetInFlight(int(d.inFlight.Add(delta)))
}

// InFlight returns the number of running executions.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Wait blocks until every started execution has been applied.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
