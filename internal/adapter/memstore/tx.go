package memstore

import (
	"context"
	"fmt"
	"sort"

	"drisya/internal/domain"
)

type tx struct {
	st *state
}

// LockAccount registers the account; the store lock already serializes
// transactions.
func (t *tx) LockAccount(ctx context.Context, userID string) error {
	t.st.accounts[userID] = struct{}{}
	return nil
}

func (t *tx) Balance(ctx context.Context, userID string) (int64, error) {
	return t.st.balance(userID), nil
}

func (t *tx) AppendLedger(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("memstore: nil ledger entry")
	}
	if entry.IdempotencyKey != "" {
		if _, exists := t.st.keys[entry.IdempotencyKey]; exists {
			return false, nil
		}
		t.st.keys[entry.IdempotencyKey] = len(t.st.ledger)
	}
	t.st.ledger = append(t.st.ledger, *entry)
	return true, nil
}

func (t *tx) LedgerByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	idx, ok := t.st.keys[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	entry := t.st.ledger[idx]
	return &entry, nil
}

func (t *tx) ReservationEntries(ctx context.Context, reservationID string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range t.st.ledger {
		if e.ReservationID == reservationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	tpl, ok := t.st.templates[templateID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tpl, nil
}

func (t *tx) InsertJob(ctx context.Context, job *domain.Job) error {
	if _, exists := t.st.jobs[job.ID]; exists {
		return fmt.Errorf("memstore: job %s: %w", job.ID, domain.ErrDuplicateOperation)
	}
	t.st.jobs[job.ID] = *job
	t.st.jobOrder = append(t.st.jobOrder, job.ID)
	return nil
}

func (t *tx) InsertImages(ctx context.Context, images []domain.Image) error {
	touched := map[string]struct{}{}
	for _, img := range images {
		if _, ok := t.st.jobs[img.JobID]; !ok {
			return fmt.Errorf("memstore: image %s references unknown job %s", img.ID, img.JobID)
		}
		if _, exists := t.st.images[img.ID]; exists {
			return fmt.Errorf("memstore: image %s: %w", img.ID, domain.ErrDuplicateOperation)
		}
		t.st.images[img.ID] = img
		t.st.jobImages[img.JobID] = append(t.st.jobImages[img.JobID], img.ID)
		touched[img.JobID] = struct{}{}
	}
	for jobID := range touched {
		ids := t.st.jobImages[jobID]
		sort.SliceStable(ids, func(i, j int) bool {
			return t.st.images[ids[i]].Ordinal < t.st.images[ids[j]].Ordinal
		})
		t.st.jobImages[jobID] = ids
	}
	return nil
}

func (t *tx) LockJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, ok := t.st.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &job, nil
}

func (t *tx) UpdateJob(ctx context.Context, job *domain.Job) error {
	if _, ok := t.st.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	t.st.jobs[job.ID] = *job
	return nil
}

func (t *tx) JobImages(ctx context.Context, jobID string) ([]domain.Image, error) {
	return t.st.jobImageRows(jobID), nil
}

func (t *tx) UpdateImage(ctx context.Context, img *domain.Image) error {
	if _, ok := t.st.images[img.ID]; !ok {
		return domain.ErrNotFound
	}
	t.st.images[img.ID] = *img
	return nil
}

var _ domain.Tx = (*tx)(nil)
