package domain

import "time"

// EntryKind enumerates coin movements.
type EntryKind string

const (
	EntryCredit  EntryKind = "credit"
	EntryReserve EntryKind = "reserve"
	EntryCharge  EntryKind = "charge"
	EntryRefund  EntryKind = "refund"
)

// LedgerEntry is an append-only coin movement. Amount is the signed effect on
// the balance; Coins is the magnitude the entry accounts for. A charge converts
// held coins into spend, so its Amount is zero while Coins carries the unit.
type LedgerEntry struct {
	ID             string
	UserID         string
	JobID          string
	ImageID        string
	ReservationID  string
	Kind           EntryKind
	Amount         int64
	Coins          int64
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}
