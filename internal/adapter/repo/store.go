// Package repo is the Postgres implementation of domain.Store. Every query
// lives in sqlinline and runs through infra.SQLRunner so it carries an audit
// marker.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"drisya/internal/domain"
	"drisya/internal/infra"
	"drisya/internal/sqlinline"
)

// Store implements domain.Store on top of a transaction-capable runner.
type Store struct {
	sql infra.TxRunner
}

// NewStore creates a store backed by PostgreSQL.
func NewStore(sql infra.TxRunner) *Store {
	return &Store{sql: sql}
}

// InTx runs fn in one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.sql.InTx(ctx, func(exec infra.SQLExecutor) error {
		return fn(&Tx{sql: exec})
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return getJob(ctx, s.sql, sqlinline.QSelectJob, jobID)
}

func (s *Store) JobImages(ctx context.Context, jobID string) ([]domain.Image, error) {
	return jobImages(ctx, s.sql, jobID)
}

func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListJobsByUser, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *Store) JobLedger(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	if !validID(jobID) {
		return nil, nil
	}
	return ledgerEntries(ctx, s.sql, sqlinline.QSelectJobLedger, jobID)
}

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, s.sql, userID)
}

func (s *Store) ClaimPending(ctx context.Context, limit, perUser int) ([]domain.DispatchItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.sql.Query(ctx, sqlinline.QClaimPendingImages, limit, perUser)
	if err != nil {
		return nil, fmt.Errorf("claim pending images: %w", err)
	}
	defer rows.Close()
	var out []domain.DispatchItem
	for rows.Next() {
		var (
			item    domain.DispatchItem
			payload []byte
		)
		if err := rows.Scan(&item.ImageID, &item.JobID, &item.UserID, &item.InputRef, &item.Round, &item.ReservationID, &payload); err != nil {
			return nil, err
		}
		if item.Template, err = decodePayload(payload); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) StaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Image, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QSelectStaleProcessing, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("stale images: %w", err)
	}
	defer rows.Close()
	return collectImages(rows)
}

// validID reports whether id can be compared against a uuid column. Anything
// else cannot match a row, and letting it reach Postgres fails the cast.
func validID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func getJob(ctx context.Context, exec infra.SQLExecutor, query, jobID string) (*domain.Job, error) {
	if !validID(jobID) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	job, err := scanJob(exec.QueryRow(ctx, query, jobID))
	if infra.IsNoRows(err) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, err
}

func jobImages(ctx context.Context, exec infra.SQLExecutor, jobID string) ([]domain.Image, error) {
	if !validID(jobID) {
		return nil, nil
	}
	rows, err := exec.Query(ctx, sqlinline.QSelectJobImages, jobID)
	if err != nil {
		return nil, fmt.Errorf("job images: %w", err)
	}
	defer rows.Close()
	return collectImages(rows)
}

func ledgerEntries(ctx context.Context, exec infra.SQLExecutor, query string, arg string) ([]domain.LedgerEntry, error) {
	rows, err := exec.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func balance(ctx context.Context, exec infra.SQLExecutor, userID string) (int64, error) {
	var total int64
	if err := exec.QueryRow(ctx, sqlinline.QSelectBalance, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return total, nil
}

var errNilJob = errors.New("repo: nil job")

var _ domain.Store = (*Store)(nil)
