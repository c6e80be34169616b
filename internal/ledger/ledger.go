// Package ledger implements the append-only coin ledger. Balances are never
// stored; they are the sum of a user's entries.
package ledger

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
	"drisya/internal/metrics"
)

// Reason codes stored on entries.
const (
	ReasonJobSubmitted = "job_submitted"
	ReasonJobRetry     = "job_retry"
	ReasonImageDone    = "image_completed"
	ReasonImageFailed  = "image_failed"
	ReasonTopUp        = "top_up"
)

// BalanceReader is satisfied by both domain.Store and domain.Tx.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Options configures a Ledger.
type Options struct {
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Ledger writes reserve, charge, refund and credit entries through a domain.Tx.
type Ledger struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Ledger.
func New(opts Options) *Ledger {
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{logger: logger, now: now}
}

// Reservation identifies a hold placed by Reserve.
type Reservation struct {
	ID     string
	UserID string
	JobID  string
	Amount int64
}

// Reserve holds amount coins for the job. The account row is locked before the
// balance is read so concurrent reservations for the same user serialize.
func (l *Ledger) Reserve(ctx context.Context, tx domain.Tx, userID, jobID string, amount int64, reason string) (*Reservation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &domain.ValidationError{Field: "user_id", Message: "is required"}
	}
	if amount < 0 {
		return nil, &domain.ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if err := tx.LockAccount(ctx, userID); err != nil {
		return nil, fmt.Errorf("ledger: lock account: %w", err)
	}
	balance, err := tx.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read balance: %w", err)
	}
	if balance < amount {
		return nil, fmt.Errorf("%w: balance %d, required %d", domain.ErrInsufficientBalance, balance, amount)
	}
	res := &Reservation{ID: uuid.NewString(), UserID: userID, JobID: jobID, Amount: amount}
	entry := &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		JobID:          jobID,
		ReservationID:  res.ID,
		Kind:           domain.EntryReserve,
		Amount:         -amount,
		Coins:          amount,
		Reason:         reason,
		IdempotencyKey: "reservation:" + res.ID,
		CreatedAt:      l.now().UTC(),
	}
	inserted, err := tx.AppendLedger(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("ledger: append reserve: %w", err)
	}
	if !inserted {
		return nil, l.inconsistent("reservation %s written twice", res.ID)
	}
	metrics.ObserveLedgerEntry(string(domain.EntryReserve), amount)
	return res, nil
}

// Resolution settles one unit of a reservation for a single image round.
type Resolution struct {
	ReservationID string
	ImageID       string
	Round         int
	Amount        int64
	Reason        string
}

// Charge converts part of an open reservation into spend. Repeating a charge
// for the same image round is a no-op.
func (l *Ledger) Charge(ctx context.Context, tx domain.Tx, r Resolution) error {
	return l.resolve(ctx, tx, domain.EntryCharge, r)
}

// Refund returns part of an open reservation to the user. Repeating a refund
// for the same image round is a no-op.
func (l *Ledger) Refund(ctx context.Context, tx domain.Tx, r Resolution) error {
	return l.resolve(ctx, tx, domain.EntryRefund, r)
}

func (l *Ledger) resolve(ctx context.Context, tx domain.Tx, kind domain.EntryKind, r Resolution) error {
	if r.Amount < 0 {
		return l.inconsistent("%s of negative amount %d", kind, r.Amount)
	}
	key := domain.BillingKey(r.ImageID, r.Round)
	done, err := l.alreadyResolved(ctx, tx, kind, key, r)
	if err != nil || done {
		return err
	}

	entries, err := tx.ReservationEntries(ctx, r.ReservationID)
	if err != nil {
		return fmt.Errorf("ledger: load reservation: %w", err)
	}
	hold := reserveEntry(entries)
	if hold == nil {
		return l.inconsistent("%s for image %s without reservation %q", kind, r.ImageID, r.ReservationID)
	}
	open := Summarize(entries).Outstanding
	if r.Amount > open {
		return l.inconsistent("%s of %d exceeds open reservation %s (%d left)", kind, r.Amount, r.ReservationID, open)
	}

	entry := &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         hold.UserID,
		JobID:          hold.JobID,
		ImageID:        r.ImageID,
		ReservationID:  r.ReservationID,
		Kind:           kind,
		Coins:          r.Amount,
		Reason:         r.Reason,
		IdempotencyKey: key,
		CreatedAt:      l.now().UTC(),
	}
	if kind == domain.EntryRefund {
		entry.Amount = r.Amount
	}
	inserted, err := tx.AppendLedger(ctx, entry)
	if err != nil {
		return fmt.Errorf("ledger: append %s: %w", kind, err)
	}
	if !inserted {
		_, err := l.alreadyResolved(ctx, tx, kind, key, r)
		return err
	}
	metrics.ObserveLedgerEntry(string(kind), r.Amount)
	return nil
}

// alreadyResolved reports true when an identical resolution exists and fails
// when the image round was settled the other way.
func (l *Ledger) alreadyResolved(ctx context.Context, tx domain.Tx, kind domain.EntryKind, key string, r Resolution) (bool, error) {
	existing, err := tx.LedgerByKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s: %w", key, err)
	}
	if existing.Kind != kind || existing.ReservationID != r.ReservationID {
		return false, l.inconsistent("%s requested for %s already settled as %s", kind, key, existing.Kind)
	}
	return true, nil
}

// Credit adds coins to a user's balance. An empty key gets a generated one; a
// repeated key reports false and writes nothing.
func (l *Ledger) Credit(ctx context.Context, tx domain.Tx, userID string, amount int64, reason, key string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, &domain.ValidationError{Field: "user_id", Message: "is required"}
	}
	if amount <= 0 {
		return false, &domain.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if err := tx.LockAccount(ctx, userID); err != nil {
		return false, fmt.Errorf("ledger: lock account: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "credit:" + uuid.NewString()
	}
	if reason == "" {
		reason = ReasonTopUp
	}
	inserted, err := tx.AppendLedger(ctx, &domain.LedgerEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		Kind:           domain.EntryCredit,
		Amount:         amount,
		Coins:          amount,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      l.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("ledger: append credit: %w", err)
	}
	if inserted {
		metrics.ObserveLedgerEntry(string(domain.EntryCredit), amount)
	}
	return inserted, nil
}

// BalanceOf returns the derived balance for the user.
func (l *Ledger) BalanceOf(ctx context.Context, r BalanceReader, userID string) (int64, error) {
	balance, err := r.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	if balance < 0 {
		return 0, l.inconsistent("negative balance %d for user %s", balance, userID)
	}
	return balance, nil
}

// Summarize folds entries into reserved, charged, refunded and outstanding coins.
func Summarize(entries []domain.LedgerEntry) domain.Accounting {
	var acc domain.Accounting
	for _, e := range entries {
		switch e.Kind {
		case domain.EntryReserve:
			acc.Reserved += e.Coins
		case domain.EntryCharge:
			acc.Charged += e.Coins
		case domain.EntryRefund:
			acc.Refunded += e.Coins
		}
	}
	acc.Outstanding = acc.Reserved - acc.Charged - acc.Refunded
	return acc
}

func reserveEntry(entries []domain.LedgerEntry) *domain.LedgerEntry {
	for i := range entries {
		if entries[i].Kind == domain.EntryReserve {
			return &entries[i]
		}
	}
	return nil
}

func (l *Ledger) inconsistent(format string, args ...any) error {
	err := domain.Inconsistency(format, args...)
	l.logger.Error().Err(err).Msg("ledger: invariant violated")
	return err
}
