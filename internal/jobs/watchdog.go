package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"drisya/internal/domain"
	"drisya/internal/executor"
	"drisya/internal/metrics"
)

const (
	DefaultWatchdogCeiling  = 10 * time.Minute
	DefaultWatchdogSchedule = "@every 1m"
	watchdogBatch           = 200
)

// Watchdog force-fails images stuck in processing past a ceiling, which
// refunds them through the normal apply path.
type Watchdog struct {
	store   domain.Store
	orch    *Orchestrator
	ceiling time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewWatchdog builds a Watchdog. A zero ceiling uses the default.
func NewWatchdog(store domain.Store, orch *Orchestrator, ceiling time.Duration, logger *zerolog.Logger) (*Watchdog, error) {
	if store == nil || orch == nil {
		return nil, errors.New("jobs: watchdog requires store and orchestrator")
	}
	if ceiling <= 0 {
		ceiling = DefaultWatchdogCeiling
	}
	w := &Watchdog{store: store, orch: orch, ceiling: ceiling, now: orch.now, logger: zerolog.New(io.Discard)}
	if logger != nil {
		w.logger = *logger
	}
	return w, nil
}

// Sweep fails every stale processing image and returns how many it resolved.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.ceiling)
	stale, err := w.store.StaleProcessing(ctx, cutoff, watchdogBatch)
	if err != nil {
		return 0, fmt.Errorf("jobs: list stale images: %w", err)
	}
	resolved := 0
	for _, img := range stale {
		task := executor.Task{ImageID: img.ID, JobID: img.JobID, Round: img.Round}
		detail := fmt.Sprintf("no executor result within %s", w.ceiling)
		applied, err := w.orch.Apply(ctx, executor.Failed(task, domain.ErrorKindTransient, detail, 1))
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", img.JobID).Str("image_id", img.ID).Msg("jobs: watchdog apply")
			continue
		}
		if applied {
			resolved++
			w.logger.Warn().Str("job_id", img.JobID).Str("image_id", img.ID).Msg("jobs: watchdog failed stale image")
		}
	}
	metrics.IncWatchdogFailures(resolved)
	return resolved, nil
}

// Schedule registers Sweep on c using a cron spec such as "@every 1m".
func (w *Watchdog) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultWatchdogSchedule
	}
	id, err := c.AddFunc(spec, func() {
		if _, err := w.Sweep(ctx); err != nil {
			w.logger.Error().Err(err).Msg("jobs: watchdog sweep")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("jobs: schedule watchdog %q: %w", spec, err)
	}
	return id, nil
}
