// Package jobs owns the job and image state machines. The Orchestrator
// creates jobs, applies executor outcomes and handles retries; the Dispatcher
// feeds claimed images to the executor; the Watchdog force-fails images whose
// executor invocation never reported back.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"drisya/internal/domain"
	"drisya/internal/events"
	"drisya/internal/executor"
	"drisya/internal/ledger"
	"drisya/internal/metrics"
)

const (
	DefaultMaxBatchSize     = 1000
	DefaultMaxTotalAttempts = 9
	MaxListLimit            = 100
)

// Options configures an Orchestrator.
type Options struct {
	Store            domain.Store
	Ledger           *ledger.Ledger
	Events           events.Publisher
	MaxBatchSize     int
	MaxTotalAttempts int
	// Notify is called after new pending work commits.
	Notify func()
	// InputCheck, when set, vets every input reference before anything is
	// reserved.
	InputCheck func(ref string) error
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Orchestrator is safe for concurrent use; per-job serialization comes from
// the store's job lock.
type Orchestrator struct {
	store            domain.Store
	ledger           *ledger.Ledger
	events           events.Publisher
	maxBatchSize     int
	maxTotalAttempts int
	notify           func()
	inputCheck       func(ref string) error
	logger           zerolog.Logger
	now              func() time.Time
}

// New builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("jobs: store is required")
	}
	o := &Orchestrator{
		store:            opts.Store,
		ledger:           opts.Ledger,
		events:           opts.Events,
		maxBatchSize:     opts.MaxBatchSize,
		maxTotalAttempts: opts.MaxTotalAttempts,
		notify:           opts.Notify,
		inputCheck:       opts.InputCheck,
		logger:           zerolog.New(io.Discard),
		now:              opts.Now,
	}
	if opts.Logger != nil {
		o.logger = *opts.Logger
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.ledger == nil {
		o.ledger = ledger.New(ledger.Options{Logger: opts.Logger, Now: o.now})
	}
	if o.events == nil {
		o.events = events.Discard{}
	}
	if o.maxBatchSize <= 0 {
		o.maxBatchSize = DefaultMaxBatchSize
	}
	if o.maxTotalAttempts <= 0 {
		o.maxTotalAttempts = DefaultMaxTotalAttempts
	}
	if o.notify == nil {
		o.notify = func() {}
	}
	return o, nil
}

// SetNotify replaces the pending-work hook. It must be called before the
// orchestrator is shared.
func (o *Orchestrator) SetNotify(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	o.notify = fn
}

// SubmitRequest is a new batch for one template.
type SubmitRequest struct {
	UserID        string
	TemplateID    string
	Inputs        []string
	ClientIP      string
	ClientCountry string
}

// Submit validates the template, reserves the full cost and creates the job
// with one pending image per input, all in one transaction.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.JobView, error) {
	inputs, err := o.validateSubmit(req)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	var view *domain.JobView
	err = o.store.InTx(ctx, func(tx domain.Tx) error {
		tpl, err := tx.GetTemplate(ctx, req.TemplateID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrTemplateUnavailable, req.TemplateID)
		}
		if err != nil {
			return fmt.Errorf("jobs: load template: %w", err)
		}
		if !tpl.Available() {
			return fmt.Errorf("%w: %s", domain.ErrTemplateUnavailable, req.TemplateID)
		}

		job := domain.Job{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			TemplateID:    tpl.ID,
			Template:      tpl.Payload,
			CoinCost:      tpl.CoinCost,
			TotalImages:   len(inputs),
			Status:        domain.JobStatusQueued,
			ClientIP:      req.ClientIP,
			ClientCountry: req.ClientCountry,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertJob(ctx, &job); err != nil {
			return fmt.Errorf("jobs: insert job: %w", err)
		}
		total := int64(len(inputs)) * tpl.CoinCost
		res, err := o.ledger.Reserve(ctx, tx, req.UserID, job.ID, total, ledger.ReasonJobSubmitted)
		if err != nil {
			return err
		}
		images := make([]domain.Image, len(inputs))
		for i, ref := range inputs {
			images[i] = domain.Image{
				ID:            uuid.NewString(),
				JobID:         job.ID,
				Ordinal:       i,
				InputRef:      ref,
				Status:        domain.ImageStatusPending,
				Round:         1,
				ReservationID: res.ID,
				UpdatedAt:     now,
			}
		}
		if err := tx.InsertImages(ctx, images); err != nil {
			return fmt.Errorf("jobs: insert images: %w", err)
		}
		view = &domain.JobView{
			Job:        job,
			Images:     images,
			Accounting: domain.Accounting{Reserved: total, Outstanding: total},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("job_id", view.Job.ID).
		Str("user_id", req.UserID).
		Int("images", view.Job.TotalImages).
		Int64("coins_reserved", view.Accounting.Reserved).
		Msg("jobs: job submitted")
	o.publishJob(ctx, view.Job)
	o.notify()
	return view, nil
}

func (o *Orchestrator) validateSubmit(req SubmitRequest) ([]string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, domain.ErrUnauthorized
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		return nil, &domain.ValidationError{Field: "template_id", Message: "is required"}
	}
	if len(req.Inputs) == 0 {
		return nil, &domain.ValidationError{Field: "images", Message: "at least one image is required"}
	}
	if len(req.Inputs) > o.maxBatchSize {
		return nil, &domain.ValidationError{Field: "images", Message: fmt.Sprintf("at most %d images per job", o.maxBatchSize)}
	}
	inputs := make([]string, len(req.Inputs))
	for i, ref := range req.Inputs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("images[%d]", i), Message: "must not be empty"}
		}
		if o.inputCheck != nil {
			if err := o.inputCheck(ref); err != nil {
				return nil, &domain.ValidationError{Field: fmt.Sprintf("images[%d]", i), Message: err.Error()}
			}
		}
		inputs[i] = ref
	}
	return inputs, nil
}

// Get returns the durable view of a job. A non-empty userID must own the job.
func (o *Orchestrator) Get(ctx context.Context, userID, jobID string) (*domain.JobView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.UserID != userID {
		return nil, domain.ErrForbidden
	}
	images, err := o.store.JobImages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobs: load images: %w", err)
	}
	entries, err := o.store.JobLedger(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobs: load ledger: %w", err)
	}
	return &domain.JobView{Job: *job, Images: images, Accounting: ledger.Summarize(entries)}, nil
}

// List returns the user's most recent jobs.
func (o *Orchestrator) List(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUnauthorized
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return o.store.ListJobs(ctx, userID, limit)
}

// Apply records an executor outcome: the image transition, the matching
// charge or refund and the job aggregate, in one transaction. Outcomes for an
// image that is no longer processing in the same round are discarded and
// reported as false.
func (o *Orchestrator) Apply(ctx context.Context, out executor.Outcome) (bool, error) {
	var (
		applied   bool
		job       domain.Job
		img       domain.Image
		finalized bool
	)
	err := o.store.InTx(ctx, func(tx domain.Tx) error {
		locked, err := tx.LockJob(ctx, out.JobID)
		if err != nil {
			return err
		}
		images, err := tx.JobImages(ctx, out.JobID)
		if err != nil {
			return fmt.Errorf("jobs: load images: %w", err)
		}
		idx := indexOf(images, out.ImageID)
		if idx < 0 {
			return fmt.Errorf("%w: image %s in job %s", domain.ErrNotFound, out.ImageID, out.JobID)
		}
		current := images[idx]
		if current.Status != domain.ImageStatusProcessing || current.Round != out.Round {
			return nil
		}

		now := o.now().UTC()
		current.AttemptCount = out.Attempts
		current.TotalAttempts += out.Attempts
		current.FinishedAt = &now
		current.UpdatedAt = now
		current.UsedFallback = out.UsedFallback
		res := ledger.Resolution{
			ReservationID: current.ReservationID,
			ImageID:       current.ID,
			Round:         current.Round,
			Amount:        locked.CoinCost,
		}
		if out.Completed() {
			current.Status = domain.ImageStatusCompleted
			current.OutputRef = out.OutputRef
			current.ErrorKind, current.ErrorDetail = "", ""
			res.Reason = ledger.ReasonImageDone
			err = o.ledger.Charge(ctx, tx, res)
		} else {
			current.Status = domain.ImageStatusFailed
			current.ErrorKind = out.ErrorKind
			if current.ErrorKind == "" {
				current.ErrorKind = domain.ErrorKindTransient
			}
			current.ErrorDetail = out.Detail
			res.Reason = ledger.ReasonImageFailed
			err = o.ledger.Refund(ctx, tx, res)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateImage(ctx, &current); err != nil {
			return fmt.Errorf("jobs: update image: %w", err)
		}
		images[idx] = current

		finalized = o.aggregate(locked, images, now)
		if err := tx.UpdateJob(ctx, locked); err != nil {
			return fmt.Errorf("jobs: update job: %w", err)
		}
		applied, job, img = true, *locked, current
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		o.logger.Debug().
			Str("job_id", out.JobID).
			Str("image_id", out.ImageID).
			Int("round", out.Round).
			Msg("jobs: stale outcome discarded")
		return false, nil
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("image_id", img.ID).
		Str("status", string(img.Status)).
		Str("kind", string(img.ErrorKind)).
		Int("attempt", img.AttemptCount).
		Msg("jobs: image resolved")
	o.events.Publish(ctx, events.Event{
		Type:            events.TypeImage,
		JobID:           job.ID,
		ImageID:         img.ID,
		ImageStatus:     img.Status,
		ErrorKind:       img.ErrorKind,
		JobStatus:       job.Status,
		TotalImages:     job.TotalImages,
		CompletedImages: job.CompletedImages,
		FailedImages:    job.FailedImages,
		At:              img.UpdatedAt,
	})
	if finalized {
		metrics.IncJobsFinalized(string(job.Status))
		o.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int("completed", job.CompletedImages).
			Int("failed", job.FailedImages).
			Msg("jobs: job finalized")
		o.publishJob(ctx, job)
	}
	return true, nil
}

// aggregate recomputes counts from image rows and finalizes the job once every
// image is resolved. It reports whether this call finalized the job.
func (o *Orchestrator) aggregate(job *domain.Job, images []domain.Image, now time.Time) bool {
	counts := domain.CountImages(images)
	job.CompletedImages = counts.Completed
	job.FailedImages = counts.Failed
	job.UpdatedAt = now
	if job.Status == domain.JobStatusQueued && counts.Pending < job.TotalImages {
		job.Status = domain.JobStatusProcessing
	}
	final, done := domain.FinalStatus(job.TotalImages, counts)
	if !done || job.Status.Terminal() {
		return false
	}
	job.Status = final
	if job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	return true
}

// RetryResult reports what a retry call did.
type RetryResult struct {
	View           *domain.JobView
	Retried        []string
	NothingToRetry bool
	// Exhausted lists targeted images that reached the cumulative attempt limit.
	Exhausted []string
}

// Retry moves the targeted failed images (all failed images when imageIDs is
// empty) back to pending under one fresh reservation. Images that are not
// failed are left alone, so repeating the call is harmless.
func (o *Orchestrator) Retry(ctx context.Context, userID, jobID string, imageIDs []string) (*RetryResult, error) {
	result := &RetryResult{}
	var job domain.Job
	err := o.store.InTx(ctx, func(tx domain.Tx) error {
		locked, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if userID != "" && locked.UserID != userID {
			return domain.ErrForbidden
		}
		images, err := tx.JobImages(ctx, jobID)
		if err != nil {
			return fmt.Errorf("jobs: load images: %w", err)
		}
		targets, err := selectTargets(images, imageIDs)
		if err != nil {
			return err
		}

		var retry []int
		for _, idx := range targets {
			img := images[idx]
			if img.Status != domain.ImageStatusFailed {
				continue
			}
			if img.TotalAttempts >= o.maxTotalAttempts {
				result.Exhausted = append(result.Exhausted, img.ID)
				continue
			}
			retry = append(retry, idx)
		}
		if len(retry) == 0 {
			if len(result.Exhausted) > 0 {
				return fmt.Errorf("%w: %d image(s) reached %d attempts", domain.ErrRetryLimitReached, len(result.Exhausted), o.maxTotalAttempts)
			}
			return domain.ErrNothingToRetry
		}

		cost := int64(len(retry)) * locked.CoinCost
		res, err := o.ledger.Reserve(ctx, tx, locked.UserID, locked.ID, cost, ledger.ReasonJobRetry)
		if err != nil {
			return err
		}
		now := o.now().UTC()
		for _, idx := range retry {
			img := images[idx]
			img.Status = domain.ImageStatusPending
			img.Round++
			img.ReservationID = res.ID
			img.AttemptCount = 0
			img.OutputRef = ""
			img.ErrorKind, img.ErrorDetail = "", ""
			img.UsedFallback = false
			img.StartedAt, img.FinishedAt = nil, nil
			img.UpdatedAt = now
			if err := tx.UpdateImage(ctx, &img); err != nil {
				return fmt.Errorf("jobs: update image: %w", err)
			}
			images[idx] = img
			result.Retried = append(result.Retried, img.ID)
		}

		counts := domain.CountImages(images)
		locked.CompletedImages = counts.Completed
		locked.FailedImages = counts.Failed
		locked.Status = domain.JobStatusProcessing
		locked.UpdatedAt = now
		if err := tx.UpdateJob(ctx, locked); err != nil {
			return fmt.Errorf("jobs: update job: %w", err)
		}
		job = *locked
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrNothingToRetry):
		result.NothingToRetry = true
	case err != nil:
		return nil, err
	default:
		o.logger.Info().
			Str("job_id", jobID).
			Int("images", len(result.Retried)).
			Msg("jobs: retry accepted")
		o.publishJob(ctx, job)
		o.notify()
	}

	view, err := o.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	result.View = view
	return result, nil
}

func selectTargets(images []domain.Image, imageIDs []string) ([]int, error) {
	if len(imageIDs) == 0 {
		all := make([]int, len(images))
		for i := range images {
			all[i] = i
		}
		return all, nil
	}
	seen := make(map[string]struct{}, len(imageIDs))
	var targets []int
	for _, id := range imageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		idx := indexOf(images, id)
		if idx < 0 {
			return nil, &domain.ValidationError{Field: "image_ids", Message: fmt.Sprintf("image %s does not belong to the job", id)}
		}
		targets = append(targets, idx)
	}
	return targets, nil
}

func indexOf(images []domain.Image, imageID string) int {
	for i := range images {
		if images[i].ID == imageID {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) publishJob(ctx context.Context, job domain.Job) {
	o.events.Publish(ctx, events.Event{
		Type:            events.TypeJob,
		JobID:           job.ID,
		JobStatus:       job.Status,
		TotalImages:     job.TotalImages,
		CompletedImages: job.CompletedImages,
		FailedImages:    job.FailedImages,
		At:              job.UpdatedAt,
	})
}
