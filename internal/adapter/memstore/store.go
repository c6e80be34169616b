// Package memstore is an in-process domain.Store. Transactions run one at a
// time against a copy of the state that replaces the original on commit, so a
// failed unit of work leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"drisya/internal/domain"
)

type state struct {
	accounts  map[string]struct{}
	templates map[string]domain.Template
	jobs      map[string]domain.Job
	jobOrder  []string
	images    map[string]domain.Image
	// jobImages indexes image ids by job in ordinal order.
	jobImages map[string][]string
	ledger    []domain.LedgerEntry
	keys      map[string]int
}

func newState() *state {
	return &state{
		accounts:  map[string]struct{}{},
		templates: map[string]domain.Template{},
		jobs:      map[string]domain.Job{},
		images:    map[string]domain.Image{},
		jobImages: map[string][]string{},
		keys:      map[string]int{},
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:  make(map[string]struct{}, len(s.accounts)),
		templates: make(map[string]domain.Template, len(s.templates)),
		jobs:      make(map[string]domain.Job, len(s.jobs)),
		jobOrder:  append([]string(nil), s.jobOrder...),
		images:    make(map[string]domain.Image, len(s.images)),
		jobImages: make(map[string][]string, len(s.jobImages)),
		ledger:    append([]domain.LedgerEntry(nil), s.ledger...),
		keys:      make(map[string]int, len(s.keys)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.images {
		c.images[k] = v
	}
	for k, v := range s.jobImages {
		c.jobImages[k] = append([]string(nil), v...)
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

// Store implements domain.Store in memory.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// WithClock overrides the clock used for claim timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(t domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.templates[t.ID] = t
}

// InTx runs fn against a private copy of the state and publishes it only when
// fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &job, nil
}

func (s *Store) JobImages(ctx context.Context, jobID string) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.jobImageRows(jobID), nil
}

func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for i := len(s.st.jobOrder) - 1; i >= 0; i-- {
		job := s.st.jobs[s.st.jobOrder[i]]
		if job.UserID != userID {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) JobLedger(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.st.ledger {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.balance(userID), nil
}

func (s *Store) ClaimPending(ctx context.Context, limit, perUser int) ([]domain.DispatchItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	inFlight := map[string]int{}
	for _, img := range s.st.images {
		if img.Status == domain.ImageStatusProcessing {
			inFlight[s.st.jobs[img.JobID].UserID]++
		}
	}

	var claimed []domain.DispatchItem
	for _, jobID := range s.st.jobOrder {
		if len(claimed) >= limit {
			break
		}
		job := s.st.jobs[jobID]
		if job.Status.Terminal() {
			continue
		}
		for _, imageID := range s.st.jobImages[jobID] {
			if len(claimed) >= limit {
				break
			}
			if perUser > 0 && inFlight[job.UserID] >= perUser {
				break
			}
			img := s.st.images[imageID]
			if img.Status != domain.ImageStatusPending {
				continue
			}
			img.Status = domain.ImageStatusProcessing
			started := now
			img.StartedAt = &started
			img.UpdatedAt = now
			s.st.images[imageID] = img
			inFlight[job.UserID]++

			if job.Status == domain.JobStatusQueued {
				job.Status = domain.JobStatusProcessing
			}
			if job.StartedAt == nil {
				job.StartedAt = &started
			}
			job.UpdatedAt = now
			s.st.jobs[jobID] = job

			claimed = append(claimed, domain.DispatchItem{
				ImageID:       img.ID,
				JobID:         job.ID,
				UserID:        job.UserID,
				InputRef:      img.InputRef,
				Round:         img.Round,
				ReservationID: img.ReservationID,
				Template:      job.Template,
			})
		}
	}
	return claimed, nil
}

func (s *Store) StaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Image
	for _, img := range s.st.images {
		if img.Status != domain.ImageStatusProcessing || img.StartedAt == nil {
			continue
		}
		if img.StartedAt.Before(startedBefore) {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) balance(userID string) int64 {
	var total int64
	for _, e := range st.ledger {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total
}

func (st *state) jobImageRows(jobID string) []domain.Image {
	ids := st.jobImages[jobID]
	out := make([]domain.Image, 0, len(ids))
	for _, id := range ids {
		out = append(out, st.images[id])
	}
	return out
}

var _ domain.Store = (*Store)(nil)
