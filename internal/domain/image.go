package domain

import (
	"fmt"
	"time"
)

// ImageStatus enumerates per-image lifecycle states.
type ImageStatus string

const (
	ImageStatusPending    ImageStatus = "pending"
	ImageStatusProcessing ImageStatus = "processing"
	ImageStatusCompleted  ImageStatus = "completed"
	ImageStatusFailed     ImageStatus = "failed"
)

// ErrorKind classifies why an image failed.
type ErrorKind string

const (
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindProviderWarming ErrorKind = "provider_warming"
	ErrorKindProviderError   ErrorKind = "provider_error"
	ErrorKindTransient       ErrorKind = "transient"
)

// Image is one input asset within a job and its enhanced output.
type Image struct {
	ID            string
	JobID         string
	Ordinal       int
	InputRef      string
	OutputRef     string
	Status        ImageStatus
	ErrorKind     ErrorKind
	ErrorDetail   string
	AttemptCount  int
	TotalAttempts int
	// Round increments on every retry; ledger resolutions are keyed by it.
	Round         int
	ReservationID string
	UsedFallback  bool
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// BillingKey formats the ledger idempotency key for an image round. It
// identifies the single charge or refund allowed for that round.
func BillingKey(imageID string, round int) string {
	return fmt.Sprintf("image:%s:round:%d", imageID, round)
}

// DispatchItem is a claimed image ready to be handed to the executor.
type DispatchItem struct {
	ImageID       string
	JobID         string
	UserID        string
	InputRef      string
	Round         int
	ReservationID string
	Template      TemplatePayload
}
