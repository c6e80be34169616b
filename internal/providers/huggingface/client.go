package huggingface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"drisya/internal/infra"
)

// ErrMissingToken indicates that the client was configured without an API token.
var ErrMissingToken = errors.New("huggingface: api token is required")

const (
	defaultBaseURL       = "https://api-inference.huggingface.co/models"
	defaultRetryAfter    = 60 * time.Second
	defaultEstimatedTime = 20 * time.Second
)

// Model keys accepted from templates and configuration.
const (
	ModelAuto        = "auto"
	ModelQwen2509    = "qwen-2509"
	ModelFluxKontext = "flux-kontext"
)

var models = map[string]string{
	ModelQwen2509:    "Qwen/Qwen-Image-Edit-2509",
	ModelFluxKontext: "black-forest-labs/FLUX.1-Kontext-dev",
}

// ResolveModel maps a model key to a hosted repository id. Unknown keys that
// already look like repository ids pass through; anything else resolves to the
// default edit model.
func ResolveModel(key string) string {
	key = strings.TrimSpace(key)
	if repo, ok := models[strings.ToLower(key)]; ok {
		return repo
	}
	if strings.Contains(key, "/") {
		return key
	}
	return models[ModelQwen2509]
}

// Options configures the inference client.
type Options struct {
	Token          string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs image-edit calls against the hosted inference API.
type Client struct {
	token      string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// EditRequest carries the source image and instruction for one edit.
type EditRequest struct {
	Image  []byte
	Prompt string
	Model  string
}

// Result is the edited image returned by the API.
type Result struct {
	Data  []byte
	MIME  string
	Model string
}

// APIError describes a non-success response. Loading is set when the model is
// still being provisioned.
type APIError struct {
	StatusCode    int
	Message       string
	RetryAfter    time.Duration
	Loading       bool
	EstimatedTime time.Duration
}

func (e *APIError) Error() string {
	switch {
	case e.Loading:
		return fmt.Sprintf("huggingface: model loading (%s)", e.EstimatedTime)
	case e.StatusCode == http.StatusTooManyRequests:
		return fmt.Sprintf("huggingface: rate limited, retry after %s", e.RetryAfter)
	case e.Message != "":
		return fmt.Sprintf("huggingface: status %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("huggingface: status %d", e.StatusCode)
	}
}

type editPayload struct {
	Inputs editInputs `json:"inputs"`
}

type editInputs struct {
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &Client{
		token:      strings.TrimSpace(opts.Token),
		baseURL:    baseURL,
		model:      ResolveModel(opts.Model),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Model returns the default repository id.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.token != ""
}

// Edit sends one image-edit request. Non-success responses are returned as *APIError.
func (c *Client) Edit(ctx context.Context, req EditRequest) (*Result, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingToken
	}
	if len(req.Image) == 0 {
		return nil, errors.New("huggingface: source image is required")
	}
	model := c.model
	if strings.TrimSpace(req.Model) != "" && !strings.EqualFold(req.Model, ModelAuto) {
		model = ResolveModel(req.Model)
	}
	body, err := json.Marshal(editPayload{Inputs: editInputs{
		Image:  base64.StdEncoding.EncodeToString(req.Image),
		Prompt: strings.TrimSpace(req.Prompt),
	}})
	if err != nil {
		return nil, fmt.Errorf("huggingface: encode request: %w", err)
	}
	endpoint := c.baseURL + "/" + model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("huggingface: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}
	if strings.Contains(contentType, "application/json") {
		return c.decodeJSONResult(model, raw)
	}
	if len(raw) == 0 {
		return nil, errors.New("huggingface: empty image response")
	}
	mime := contentType
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(raw)
	}
	c.logger.Debug().Str("model", model).Int("bytes", len(raw)).Msg("huggingface: edit completed")
	return &Result{Data: raw, MIME: mime, Model: model}, nil
}

func (c *Client) decodeJSONResult(model string, raw []byte) (*Result, error) {
	if msg := gjson.GetBytes(raw, "error"); msg.Exists() {
		return nil, decodeError(http.StatusOK, "", raw)
	}
	encoded := gjson.GetBytes(raw, "image").String()
	if encoded == "" {
		encoded = gjson.GetBytes(raw, "0.image").String()
	}
	if idx := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && idx > 0 {
		encoded = encoded[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("huggingface: response carried no image")
	}
	return &Result{Data: data, MIME: http.DetectContentType(data), Model: model}, nil
}

func decodeError(status int, retryAfter string, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	apiErr.Message = strings.TrimSpace(gjson.GetBytes(raw, "error").String())
	if apiErr.Message == "" && !gjson.ValidBytes(raw) {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if strings.Contains(strings.ToLower(apiErr.Message), "loading") {
		apiErr.Loading = true
		apiErr.EstimatedTime = defaultEstimatedTime
		if est := gjson.GetBytes(raw, "estimated_time"); est.Exists() && est.Float() > 0 {
			apiErr.EstimatedTime = time.Duration(est.Float() * float64(time.Second))
		}
	}
	if status == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(retryAfter, defaultRetryAfter)
	}
	return apiErr
}

func parseRetryAfter(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
