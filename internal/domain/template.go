package domain

import "time"

// TemplatePayload is the provider-facing style description captured on a job.
type TemplatePayload struct {
	Name            string `json:"name,omitempty"`
	Category        string `json:"category,omitempty"`
	BackgroundStyle string `json:"background_style,omitempty"`
	LightingPreset  string `json:"lighting_preset,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	Model           string `json:"model,omitempty"`
}

// Template is a named style with a per-image coin cost.
type Template struct {
	ID        string
	Payload   TemplatePayload
	CoinCost  int64
	Active    bool
	DeletedAt *time.Time
	CreatedAt time.Time
}

// Available reports whether new jobs may reference the template.
func (t *Template) Available() bool {
	return t != nil && t.Active && t.DeletedAt == nil
}
