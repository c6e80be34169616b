package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"drisya/internal/domain"
	"drisya/internal/jobs"
	"drisya/internal/middleware"
)

type createJobRequest struct {
	TemplateID string   `json:"template_id" validate:"required"`
	Images     []string `json:"images" validate:"required,min=1,dive,required"`
}

type retryJobRequest struct {
	ImageIDs []string `json:"image_ids" validate:"omitempty,dive,required"`
}

type imageResponse struct {
	ID            string     `json:"id"`
	Ordinal       int        `json:"ordinal"`
	InputURL      string     `json:"input_url"`
	OutputURL     string     `json:"output_url,omitempty"`
	Status        string     `json:"status"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	TotalAttempts int        `json:"total_attempts"`
	Round         int        `json:"round"`
	UsedFallback  bool       `json:"used_fallback"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

type jobResponse struct {
	ID              string             `json:"id"`
	TemplateID      string             `json:"template_id"`
	Status          string             `json:"status"`
	CoinCost        int64              `json:"coin_cost"`
	TotalImages     int                `json:"total_images"`
	CompletedImages int                `json:"completed_images"`
	FailedImages    int                `json:"failed_images"`
	PendingImages   int                `json:"pending_images"`
	Progress        float64            `json:"progress"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Accounting      *domain.Accounting `json:"accounting,omitempty"`
	Images          []imageResponse    `json:"images,omitempty"`
}

type retryResponse struct {
	jobResponse
	NothingToRetry bool     `json:"nothing_to_retry"`
	Retried        []string `json:"retried_image_ids"`
	Exhausted      []string `json:"exhausted_image_ids,omitempty"`
}

func (a *App) jobSummary(job domain.Job) jobResponse {
	pending := job.TotalImages - job.CompletedImages - job.FailedImages
	if pending < 0 {
		pending = 0
	}
	var progress float64
	if job.TotalImages > 0 {
		progress = float64(job.CompletedImages+job.FailedImages) / float64(job.TotalImages)
	}
	return jobResponse{
		ID:              job.ID,
		TemplateID:      job.TemplateID,
		Status:          string(job.Status),
		CoinCost:        job.CoinCost,
		TotalImages:     job.TotalImages,
		CompletedImages: job.CompletedImages,
		FailedImages:    job.FailedImages,
		PendingImages:   pending,
		Progress:        progress,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

func (a *App) jobView(view *domain.JobView) jobResponse {
	resp := a.jobSummary(view.Job)
	acc := view.Accounting
	resp.Accounting = &acc
	resp.Images = make([]imageResponse, 0, len(view.Images))
	for _, img := range view.Images {
		item := imageResponse{
			ID:            img.ID,
			Ordinal:       img.Ordinal,
			InputURL:      img.InputRef,
			Status:        string(img.Status),
			ErrorKind:     string(img.ErrorKind),
			ErrorDetail:   img.ErrorDetail,
			AttemptCount:  img.AttemptCount,
			TotalAttempts: img.TotalAttempts,
			Round:         img.Round,
			UsedFallback:  img.UsedFallback,
			StartedAt:     img.StartedAt,
			FinishedAt:    img.FinishedAt,
		}
		if img.OutputRef != "" {
			item.OutputURL = a.publicURL(img.OutputRef)
		}
		resp.Images = append(resp.Images, item)
	}
	return resp
}

func (a *App) publicURL(ref string) string {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref
	}
	return a.Blobs.URL(ref)
}

// CreateJob handles POST /v1/jobs.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	var req createJobRequest
	if err := a.decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.Jobs.Submit(r.Context(), jobs.SubmitRequest{
		UserID:        userID,
		TemplateID:    req.TemplateID,
		Inputs:        req.Images,
		ClientIP:      middleware.ClientIP(r),
		ClientCountry: middleware.CountryFromContext(r.Context()),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, a.jobView(view))
}

// ListJobs handles GET /v1/jobs?limit=N.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeError(w, r, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := a.Jobs.List(r.Context(), userID, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(list))
	for _, job := range list {
		items = append(items, a.jobSummary(job))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// GetJob handles GET /v1/jobs/{job_id}.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	view, err := a.Jobs.Get(r.Context(), userID, chi.URLParam(r, "job_id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.jobView(view))
}

// RetryJob handles POST /v1/jobs/{job_id}/retry. The body is optional; with
// no image_ids every failed image is retried.
func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	var req retryJobRequest
	if err := a.decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.Jobs.Retry(r.Context(), userID, chi.URLParam(r, "job_id"), req.ImageIDs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := retryResponse{
		jobResponse:    a.jobView(result.View),
		NothingToRetry: result.NothingToRetry,
		Retried:        result.Retried,
		Exhausted:      result.Exhausted,
	}
	if resp.Retried == nil {
		resp.Retried = []string{}
	}
	code := http.StatusAccepted
	if result.NothingToRetry {
		code = http.StatusOK
	}
	a.json(w, code, resp)
}

// Balance handles GET /v1/balance.
func (a *App) Balance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	balance, err := a.Ledger.BalanceOf(r.Context(), a.Accounts, userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}
