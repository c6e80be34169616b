package repo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tidwall/gjson"

	"drisya/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job     domain.Job
		payload []byte
		status  string
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.TemplateID,
		&payload,
		&job.CoinCost,
		&job.TotalImages,
		&job.CompletedImages,
		&job.FailedImages,
		&status,
		&job.ClientIP,
		&job.ClientCountry,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	tpl, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	job.Template = tpl
	return &job, nil
}

func collectImages(rows pgx.Rows) ([]domain.Image, error) {
	var out []domain.Image
	for rows.Next() {
		var (
			img    domain.Image
			status string
			kind   string
		)
		if err := rows.Scan(
			&img.ID,
			&img.JobID,
			&img.Ordinal,
			&img.InputRef,
			&img.OutputRef,
			&status,
			&kind,
			&img.ErrorDetail,
			&img.AttemptCount,
			&img.TotalAttempts,
			&img.Round,
			&img.ReservationID,
			&img.UsedFallback,
			&img.StartedAt,
			&img.FinishedAt,
			&img.UpdatedAt,
		); err != nil {
			return nil, err
		}
		img.Status = domain.ImageStatus(status)
		img.ErrorKind = domain.ErrorKind(kind)
		out = append(out, img)
	}
	return out, rows.Err()
}

func scanLedgerEntry(row scanner) (*domain.LedgerEntry, error) {
	var (
		e    domain.LedgerEntry
		kind string
	)
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.JobID,
		&e.ImageID,
		&e.ReservationID,
		&kind,
		&e.Amount,
		&e.Coins,
		&e.Reason,
		&e.IdempotencyKey,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Kind = domain.EntryKind(kind)
	return &e, nil
}

func scanTemplate(row scanner) (*domain.Template, error) {
	var (
		tpl       domain.Template
		settings  []byte
		deletedAt *time.Time
	)
	if err := row.Scan(
		&tpl.ID,
		&tpl.Payload.Name,
		&tpl.Payload.Category,
		&tpl.Payload.BackgroundStyle,
		&tpl.Payload.LightingPreset,
		&settings,
		&tpl.CoinCost,
		&tpl.Active,
		&deletedAt,
		&tpl.CreatedAt,
	); err != nil {
		return nil, err
	}
	tpl.DeletedAt = deletedAt
	applySettings(&tpl.Payload, settings)
	return &tpl, nil
}

// applySettings copies the provider hints stored in the free-form template
// settings document.
func applySettings(p *domain.TemplatePayload, settings []byte) {
	if len(settings) == 0 || !gjson.ValidBytes(settings) {
		return
	}
	doc := gjson.ParseBytes(settings)
	for _, key := range []string{"diffusionPrompt", "diffusion_prompt", "prompt"} {
		if v := strings.TrimSpace(doc.Get(key).String()); v != "" {
			p.Prompt = v
			break
		}
	}
	if v := strings.TrimSpace(doc.Get("model").String()); v != "" {
		p.Model = v
	}
}

func decodePayload(raw []byte) (domain.TemplatePayload, error) {
	var p domain.TemplatePayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode template payload: %w", err)
	}
	return p, nil
}
