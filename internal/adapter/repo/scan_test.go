package repo

import (
	"errors"
	"testing"
	"time"

	"drisya/internal/domain"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *int64:
			*p = r.values[i].(int64)
		case *bool:
			*p = r.values[i].(bool)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			v, _ := r.values[i].(*time.Time)
			*p = v
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanTemplateReadsSettings(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := fakeRow{values: []any{
		"tpl-1", "Marble", "jewelry", "marble_table", "soft_box",
		[]byte(`{"diffusionPrompt":"  gold ring on marble  ","model":"flux-kontext","strength":0.7}`),
		int64(3), true, (*time.Time)(nil), created,
	}}
	tpl, err := scanTemplate(row)
	if err != nil {
		t.Fatalf("scan template: %v", err)
	}
	if tpl.Payload.Prompt != "gold ring on marble" || tpl.Payload.Model != "flux-kontext" {
		t.Fatalf("settings not applied: %+v", tpl.Payload)
	}
	if !tpl.Available() || tpl.CoinCost != 3 {
		t.Fatalf("unexpected template: %+v", tpl)
	}
}

func TestScanTemplateIgnoresMalformedSettings(t *testing.T) {
	deleted := time.Now()
	row := fakeRow{values: []any{
		"tpl-2", "Plain", "", "", "", []byte(`{not json`), int64(0), true, &deleted, time.Now(),
	}}
	tpl, err := scanTemplate(row)
	if err != nil {
		t.Fatalf("scan template: %v", err)
	}
	if tpl.Payload.Prompt != "" {
		t.Fatalf("prompt should be empty, got %q", tpl.Payload.Prompt)
	}
	if tpl.Available() {
		t.Fatal("deleted template must not be available")
	}
}

func TestScanJobDecodesPayload(t *testing.T) {
	now := time.Now().UTC()
	row := fakeRow{values: []any{
		"job-1", "user-1", "tpl-1", []byte(`{"name":"Studio","prompt":"white sweep"}`),
		int64(2), 3, 1, 1, "processing", "203.0.113.9", "ID",
		now, &now, (*time.Time)(nil), now,
	}}
	job, err := scanJob(row)
	if err != nil {
		t.Fatalf("scan job: %v", err)
	}
	if job.Status != domain.JobStatusProcessing || job.Template.Prompt != "white sweep" || job.CompletedAt != nil {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	if _, err := decodePayload([]byte("nope")); err == nil {
		t.Fatal("expected error")
	}
	if p, err := decodePayload(nil); err != nil || p != (domain.TemplatePayload{}) {
		t.Fatalf("empty payload = %+v, %v", p, err)
	}
}
