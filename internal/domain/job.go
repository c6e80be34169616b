package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued             JobStatus = "queued"
	JobStatusProcessing         JobStatus = "processing"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
	JobStatusPartiallyCompleted JobStatus = "partially_completed"
)

// Terminal reports whether no automatic transition leaves the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartiallyCompleted:
		return true
	default:
		return false
	}
}

// Job is the unit of billing and progress tracking for a batch of images.
type Job struct {
	ID              string
	UserID          string
	TemplateID      string
	Template        TemplatePayload
	CoinCost        int64
	TotalImages     int
	CompletedImages int
	FailedImages    int
	Status          JobStatus
	ClientIP        string
	ClientCountry   string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Counts holds per-status image tallies recomputed from image rows.
type Counts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Resolved returns the number of images that reached a terminal status.
func (c Counts) Resolved() int {
	return c.Completed + c.Failed
}

// CountImages tallies images by status.
func CountImages(images []Image) Counts {
	var c Counts
	for _, img := range images {
		switch img.Status {
		case ImageStatusPending:
			c.Pending++
		case ImageStatusProcessing:
			c.Processing++
		case ImageStatusCompleted:
			c.Completed++
		case ImageStatusFailed:
			c.Failed++
		}
	}
	return c
}

// FinalStatus derives the terminal job status for fully resolved counts. The
// boolean is false while any image is still unresolved.
func FinalStatus(total int, c Counts) (JobStatus, bool) {
	if total <= 0 || c.Resolved() != total {
		return "", false
	}
	switch {
	case c.Completed == total:
		return JobStatusCompleted, true
	case c.Failed == total:
		return JobStatusFailed, true
	default:
		return JobStatusPartiallyCompleted, true
	}
}

// Accounting is the coin position of a job derived from its ledger entries.
type Accounting struct {
	Reserved    int64 `json:"coins_reserved"`
	Charged     int64 `json:"coins_charged"`
	Refunded    int64 `json:"coins_refunded"`
	Outstanding int64 `json:"coins_outstanding"`
}

// JobView is the read projection returned to callers.
type JobView struct {
	Job        Job
	Images     []Image
	Accounting Accounting
}
