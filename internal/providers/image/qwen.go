package image

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"drisya/internal/providers/qwen"
)

const qwenDefaultRetryAfter = 30 * time.Second

type qwenImageClient interface {
	EditImage(context.Context, qwen.EditRequest) (*qwen.ImageAsset, error)
	HasCredentials() bool
	Model() string
}

// QwenEditor binds DashScope's Qwen image-edit model to the Editor contract.
type QwenEditor struct {
	client qwenImageClient
}

// NewQwenEditor wraps a Qwen client.
func NewQwenEditor(client qwenImageClient) *QwenEditor {
	return &QwenEditor{client: client}
}

func (e *QwenEditor) Name() string {
	if e == nil || e.client == nil {
		return "qwen"
	}
	return "qwen:" + e.client.Model()
}

// Edit fulfils the Editor interface.
func (e *QwenEditor) Edit(ctx context.Context, req Request) (*Artifact, error) {
	if e == nil || e.client == nil || !e.client.HasCredentials() {
		return nil, Rejected(e.Name(), "qwen credentials not configured")
	}
	asset, err := e.client.EditImage(ctx, qwen.EditRequest{
		Prompt:         req.Prompt,
		NegativePrompt: DefaultNegativePrompt,
		Source:         qwen.SourceImage{URL: req.Source.URL, Data: req.Source.Data, MIME: req.Source.MIME},
		RequestID:      req.ImageID,
	})
	if err != nil {
		return nil, classifyQwenError(e.Name(), err)
	}
	return &Artifact{Data: asset.Data, MIME: normalizeFormat(asset.Format), Provider: e.Name()}, nil
}

func classifyQwenError(provider string, err error) *Failure {
	var apiErr *qwen.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, qwen.ErrMissingAPIKey) {
			return Rejected(provider, err.Error())
		}
		return Transient(provider, err.Error())
	}
	code := strings.ToLower(apiErr.Code)
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests || strings.HasPrefix(code, "throttling"):
		return RateLimited(provider, retryAfterSeconds(apiErr.RetryAfter, qwenDefaultRetryAfter), apiErr.Error())
	case strings.Contains(code, "invalidparameter"), strings.Contains(code, "datainspection"),
		strings.Contains(code, "invalidapikey"), strings.Contains(code, "accessdenied"):
		return Rejected(provider, apiErr.Error())
	case apiErr.StatusCode >= 500:
		return Transient(provider, apiErr.Error())
	case apiErr.StatusCode >= 400:
		return Rejected(provider, apiErr.Error())
	default:
		return Transient(provider, apiErr.Error())
	}
}

func retryAfterSeconds(value string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func normalizeFormat(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "image/jpeg", "image/jpg":
		return "image/jpeg"
	case "image/png":
		return "image/png"
	default:
		if strings.HasPrefix(mime, "image/") {
			return mime
		}
		return "image/png"
	}
}

var _ Editor = (*QwenEditor)(nil)
