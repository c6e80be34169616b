package image

import (
	"context"
	"errors"

	"drisya/internal/providers/local"
)

type localClient interface {
	Edit(ctx context.Context, imageURL, prompt string) ([]byte, string, error)
}

// LocalEditor calls the on-host enhancement service by image URL.
type LocalEditor struct {
	client localClient
}

// NewLocalEditor wraps a local service client.
func NewLocalEditor(client localClient) *LocalEditor {
	return &LocalEditor{client: client}
}

func (e *LocalEditor) Name() string {
	return "local"
}

// Edit fulfils the Editor interface.
func (e *LocalEditor) Edit(ctx context.Context, req Request) (*Artifact, error) {
	if e == nil || e.client == nil {
		return nil, Rejected("local", "local service not configured")
	}
	if req.Source.URL == "" {
		return nil, Rejected(e.Name(), "source url missing")
	}
	data, mime, err := e.client.Edit(ctx, req.Source.URL, req.Prompt)
	if err != nil {
		var statusErr *local.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return nil, Rejected(e.Name(), err.Error())
		}
		return nil, Transient(e.Name(), err.Error())
	}
	return &Artifact{Data: data, MIME: normalizeFormat(mime), Provider: e.Name()}, nil
}

var _ Editor = (*LocalEditor)(nil)
