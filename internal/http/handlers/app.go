package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"drisya/internal/domain"
	"drisya/internal/events"
	"drisya/internal/jobs"
	"drisya/internal/ledger"
	"drisya/internal/middleware"
)

// JobService is the job surface the API needs; *jobs.Orchestrator satisfies it.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*domain.JobView, error)
	Get(ctx context.Context, userID, jobID string) (*domain.JobView, error)
	List(ctx context.Context, userID string, limit int) ([]domain.Job, error)
	Retry(ctx context.Context, userID, jobID string, imageIDs []string) (*jobs.RetryResult, error)
}

// BlobStore reads stored outputs and turns keys into public URLs.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	URL(key string) string
}

// Subscriber hands out per-job event streams.
type Subscriber interface {
	Subscribe(jobID string, buf int) (string, <-chan events.Event, func())
}

// Options wires an App.
type Options struct {
	Jobs     JobService
	Ledger   *ledger.Ledger
	Accounts ledger.BalanceReader
	Blobs    BlobStore
	// Events enables GET /v1/jobs/{id}/events when set.
	Events         Subscriber
	AllowedOrigins []string
	Checks         map[string]HealthCheck
	Logger         *zerolog.Logger
}

type App struct {
	Jobs           JobService
	Ledger         *ledger.Ledger
	Accounts       ledger.BalanceReader
	Blobs          BlobStore
	Events         Subscriber
	AllowedOrigins []string
	Checks         map[string]HealthCheck
	Logger         zerolog.Logger

	validator *AppValidator
}

func NewApp(opts Options) (*App, error) {
	if opts.Jobs == nil {
		return nil, errors.New("handlers: job service is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("handlers: balance reader is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("handlers: blob store is required")
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	l := opts.Ledger
	if l == nil {
		l = ledger.New(ledger.Options{Logger: &logger})
	}
	return &App{
		Jobs:           opts.Jobs,
		Ledger:         l,
		Accounts:       opts.Accounts,
		Blobs:          opts.Blobs,
		Events:         opts.Events,
		AllowedOrigins: opts.AllowedOrigins,
		Checks:         opts.Checks,
		Logger:         logger,
		validator:      NewAppValidator(),
	}, nil
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, errorResponse{Error: kind, Message: message})
}

// writeError maps domain errors onto HTTP status codes.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: verr.Message, Field: verr.Field})
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", localize(r, "unauthorized", "missing user context"))
	case errors.Is(err, domain.ErrInsufficientBalance):
		a.error(w, http.StatusPaymentRequired, "insufficient_balance", localize(r, "insufficient_balance", "not enough coins for this job"))
	case errors.Is(err, domain.ErrTemplateUnavailable):
		a.error(w, http.StatusNotFound, "template_unavailable", localize(r, "template_unavailable", "template is unknown or inactive"))
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", localize(r, "not_found", "job not found"))
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", localize(r, "forbidden", "job belongs to another user"))
	case errors.Is(err, domain.ErrRetryLimitReached):
		a.error(w, http.StatusConflict, "retry_limit_reached", localize(r, "retry_limit_reached", err.Error()))
	default:
		a.Logger.Error().
			Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", localize(r, "internal", "internal error"))
	}
}

// indonesianMessages replaces the English error text for callers whose locale is "id".
var indonesianMessages = map[string]string{
	"unauthorized":         "konteks pengguna tidak ditemukan",
	"insufficient_balance": "koin tidak cukup untuk pekerjaan ini",
	"template_unavailable": "template tidak dikenal atau tidak aktif",
	"not_found":            "pekerjaan tidak ditemukan",
	"forbidden":            "pekerjaan milik pengguna lain",
	"retry_limit_reached":  "batas percobaan ulang untuk gambar ini sudah tercapai",
	"no_outputs":           "belum ada gambar yang selesai",
	"internal":             "terjadi kesalahan internal",
}

func localize(r *http.Request, kind, fallback string) string {
	if middleware.LocaleFromContext(r.Context()) == "id" {
		if msg, ok := indonesianMessages[kind]; ok {
			return msg
		}
	}
	return fallback
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (a *App) decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return a.validator.Validate(dst)
		}
		return &domain.ValidationError{Field: "body", Message: "invalid JSON payload"}
	}
	return a.validator.Validate(dst)
}
