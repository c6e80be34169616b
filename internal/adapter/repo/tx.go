package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"drisya/internal/domain"
	"drisya/internal/infra"
	"drisya/internal/sqlinline"
)

// Tx implements domain.Tx inside one database transaction.
type Tx struct {
	sql infra.SQLExecutor
}

func (t *Tx) LockAccount(ctx context.Context, userID string) error {
	var locked string
	if err := t.sql.QueryRow(ctx, sqlinline.QLockCoinAccount, userID).Scan(&locked); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

func (t *Tx) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, t.sql, userID)
}

func (t *Tx) AppendLedger(ctx context.Context, e *domain.LedgerEntry) (bool, error) {
	tag, err := t.sql.Exec(ctx, sqlinline.QInsertLedgerEntry,
		e.ID,
		e.UserID,
		e.JobID,
		e.ImageID,
		e.ReservationID,
		string(e.Kind),
		e.Amount,
		e.Coins,
		e.Reason,
		e.IdempotencyKey,
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *Tx) LedgerByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanLedgerEntry(t.sql.QueryRow(ctx, sqlinline.QSelectLedgerByKey, key))
	if infra.IsNoRows(err) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (t *Tx) ReservationEntries(ctx context.Context, reservationID string) ([]domain.LedgerEntry, error) {
	return ledgerEntries(ctx, t.sql, sqlinline.QSelectReservationEntries, reservationID)
}

func (t *Tx) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	tpl, err := scanTemplate(t.sql.QueryRow(ctx, sqlinline.QSelectTemplate, templateID))
	if infra.IsNoRows(err) {
		return nil, fmt.Errorf("%w: template %s", domain.ErrNotFound, templateID)
	}
	return tpl, err
}

func (t *Tx) InsertJob(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return errNilJob
	}
	payload, err := json.Marshal(job.Template)
	if err != nil {
		return fmt.Errorf("encode template payload: %w", err)
	}
	_, err = t.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.UserID,
		job.TemplateID,
		payload,
		job.CoinCost,
		job.TotalImages,
		string(job.Status),
		job.ClientIP,
		job.ClientCountry,
		job.CreatedAt,
	)
	return err
}

func (t *Tx) InsertImages(ctx context.Context, images []domain.Image) error {
	if len(images) == 0 {
		return nil
	}
	var (
		ids          = make([]string, len(images))
		jobIDs       = make([]string, len(images))
		ordinals     = make([]int32, len(images))
		inputs       = make([]string, len(images))
		rounds       = make([]int32, len(images))
		reservations = make([]string, len(images))
	)
	for i, img := range images {
		ids[i] = img.ID
		jobIDs[i] = img.JobID
		ordinals[i] = int32(img.Ordinal)
		inputs[i] = img.InputRef
		rounds[i] = int32(img.Round)
		reservations[i] = img.ReservationID
	}
	tag, err := t.sql.Exec(ctx, sqlinline.QInsertJobImages, ids, jobIDs, ordinals, inputs, rounds, reservations, images[0].UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(images)) {
		return fmt.Errorf("insert images: %d of %d rows written", tag.RowsAffected(), len(images))
	}
	return nil
}

func (t *Tx) LockJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return getJob(ctx, t.sql, sqlinline.QLockJob, jobID)
}

func (t *Tx) UpdateJob(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return errNilJob
	}
	tag, err := t.sql.Exec(ctx, sqlinline.QUpdateJob,
		job.ID,
		job.CompletedImages,
		job.FailedImages,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, job.ID)
	}
	return nil
}

func (t *Tx) JobImages(ctx context.Context, jobID string) ([]domain.Image, error) {
	return jobImages(ctx, t.sql, jobID)
}

func (t *Tx) UpdateImage(ctx context.Context, img *domain.Image) error {
	tag, err := t.sql.Exec(ctx, sqlinline.QUpdateJobImage,
		img.ID,
		img.OutputRef,
		string(img.Status),
		string(img.ErrorKind),
		img.ErrorDetail,
		img.AttemptCount,
		img.TotalAttempts,
		img.Round,
		img.ReservationID,
		img.UsedFallback,
		img.StartedAt,
		img.FinishedAt,
		img.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: image %s", domain.ErrNotFound, img.ID)
	}
	return nil
}

var _ domain.Tx = (*Tx)(nil)
