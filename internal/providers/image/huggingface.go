package image

import (
	"context"
	"errors"
	"net/http"

	"drisya/internal/providers/huggingface"
)

type huggingFaceClient interface {
	Edit(context.Context, huggingface.EditRequest) (*huggingface.Result, error)
	HasCredentials() bool
	Model() string
}

// HuggingFaceEditor binds the hosted inference API to the Editor contract.
type HuggingFaceEditor struct {
	client huggingFaceClient
}

// NewHuggingFaceEditor wraps an inference client.
func NewHuggingFaceEditor(client huggingFaceClient) *HuggingFaceEditor {
	return &HuggingFaceEditor{client: client}
}

func (e *HuggingFaceEditor) Name() string {
	return "huggingface"
}

// Edit fulfils the Editor interface. The source bytes must already be loaded.
func (e *HuggingFaceEditor) Edit(ctx context.Context, req Request) (*Artifact, error) {
	if e == nil || e.client == nil || !e.client.HasCredentials() {
		return nil, Rejected(e.Name(), "huggingface token not configured")
	}
	if len(req.Source.Data) == 0 {
		return nil, Rejected(e.Name(), "source image bytes missing")
	}
	result, err := e.client.Edit(ctx, huggingface.EditRequest{
		Image:  req.Source.Data,
		Prompt: req.Prompt,
		Model:  req.Model,
	})
	if err != nil {
		return nil, classifyHuggingFaceError(e.Name(), err)
	}
	return &Artifact{Data: result.Data, MIME: normalizeFormat(result.MIME), Provider: e.Name()}, nil
}

func classifyHuggingFaceError(provider string, err error) *Failure {
	if errors.Is(err, huggingface.ErrMissingToken) {
		return Rejected(provider, err.Error())
	}
	var apiErr *huggingface.APIError
	if !errors.As(err, &apiErr) {
		return Transient(provider, err.Error())
	}
	switch {
	case apiErr.Loading:
		return Warming(provider, apiErr.EstimatedTime, apiErr.Error())
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return RateLimited(provider, apiErr.RetryAfter, apiErr.Error())
	case apiErr.StatusCode == http.StatusBadRequest,
		apiErr.StatusCode == http.StatusUnauthorized,
		apiErr.StatusCode == http.StatusForbidden,
		apiErr.StatusCode == http.StatusNotFound,
		apiErr.StatusCode == http.StatusRequestEntityTooLarge,
		apiErr.StatusCode == http.StatusUnsupportedMediaType,
		apiErr.StatusCode == http.StatusUnprocessableEntity:
		return Rejected(provider, apiErr.Error())
	default:
		return Transient(provider, apiErr.Error())
	}
}

var _ Editor = (*HuggingFaceEditor)(nil)
