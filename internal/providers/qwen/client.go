package qwen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"drisya/internal/infra"
)

const (
	defaultEndpoint = "https://dashscope-intl.aliyuncs.com/api/v1"
	defaultModel    = "qwen-image-edit"
	generationPath  = "/services/aigc/multimodal-generation/generation"

	// DashScope answers a few hundred bytes of JSON; anything larger is junk.
	maxResponseBytes = 1 << 20
	maxImageBytes    = 32 << 20
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("qwen: api key is required")

// Options configures the DashScope client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client talks to the DashScope multimodal generation endpoint.
type Client struct {
	apiKey    string
	endpoint  string
	model     string
	watermark bool
	http      *http.Client
	log       zerolog.Logger
}

// SourceImage is the image being edited. Inline data wins over URL.
type SourceImage struct {
	URL  string
	Data []byte
	MIME string
}

type EditRequest struct {
	Prompt         string
	NegativePrompt string
	Source         SourceImage
	RequestID      string
}

// ImageAsset is the edited image after it has been downloaded.
type ImageAsset struct {
	URL    string
	Data   []byte
	Format string
}

// APIError is a non-success answer from DashScope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("qwen: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("qwen: %s (%s)", e.Message, e.Code)
}

type contentPart struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type editBody struct {
	Model string `json:"model"`
	Input struct {
		Messages []message `json:"messages"`
	} `json:"input"`
	Parameters struct {
		NegativePrompt string `json:"negative_prompt,omitempty"`
		Watermark      bool   `json:"watermark"`
	} `json:"parameters"`
}

// NewClient applies defaults to opts. A missing API key is allowed so the
// editor can report it as a rejection instead of failing startup.
func NewClient(opts Options) (*Client, error) {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		apiKey:    strings.TrimSpace(opts.APIKey),
		endpoint:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:     strings.TrimSpace(opts.Model),
		watermark: opts.Watermark,
		http:      hc,
		log:       zerolog.Nop(),
	}
	if c.endpoint == "" {
		c.endpoint = defaultEndpoint
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("provider", "qwen").Logger()
	}
	if _, err := url.Parse(c.endpoint); err != nil {
		return nil, fmt.Errorf("qwen: invalid base url: %w", err)
	}
	return c, nil
}

func (c *Client) Model() string { return c.model }

// HasCredentials reports whether remote calls are possible.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// EditImage submits one synchronous edit and downloads the first image the
// model returns.
func (c *Client) EditImage(ctx context.Context, req EditRequest) (*ImageAsset, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, body)
	if err != nil {
		return nil, err
	}

	imageURL := ""
	result.Get("output.choices.#.message.content.#.image").ForEach(func(_, images gjson.Result) bool {
		images.ForEach(func(_, v gjson.Result) bool {
			imageURL = strings.TrimSpace(v.String())
			return imageURL == ""
		})
		return imageURL == ""
	})
	if imageURL == "" {
		return nil, errors.New("qwen: response carried no image")
	}

	data, format, err := c.fetch(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("model", c.model).
		Str("request_id", result.Get("request_id").String()).
		Str("image_id", req.RequestID).
		Int("bytes", len(data)).
		Msg("qwen: edit finished")
	return &ImageAsset{URL: imageURL, Data: data, Format: format}, nil
}

func (c *Client) buildBody(req EditRequest) ([]byte, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("qwen: prompt is required")
	}
	image := encodeImageContent(req.Source)
	if image == "" {
		return nil, errors.New("qwen: source image is required")
	}

	var body editBody
	body.Model = c.model
	body.Input.Messages = []message{{Role: "user", Content: []contentPart{{Image: image}, {Text: prompt}}}}
	body.Parameters.NegativePrompt = strings.TrimSpace(req.NegativePrompt)
	body.Parameters.Watermark = c.watermark

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("qwen: encode request: %w", err)
	}
	return raw, nil
}

// call posts body and returns the parsed JSON answer. Both HTTP errors and
// 200 answers carrying an error code come back as *APIError.
func (c *Client) call(ctx context.Context, body []byte) (gjson.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+generationPath, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("qwen: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("qwen: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("qwen: read response: %w", err)
	}

	parsed := gjson.ParseBytes(raw)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
			Code:       parsed.Get("code").String(),
			Message:    parsed.Get("message").String(),
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return gjson.Result{}, apiErr
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, errors.New("qwen: decode response: invalid json")
	}
	if code := parsed.Get("code").String(); code != "" {
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, Code: code, Message: parsed.Get("message").String()}
	}
	return parsed, nil
}

// fetch downloads the generated image from DashScope's temporary OSS URL.
func (c *Client) fetch(ctx context.Context, imageURL string) ([]byte, string, error) {
	target, err := url.Parse(imageURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, "", fmt.Errorf("qwen: invalid image url %q", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("qwen: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("qwen: read image: %w", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = http.DetectContentType(data)
	}
	return data, format, nil
}

// encodeImageContent renders the source as a data URI when bytes are present,
// otherwise as its URL.
func encodeImageContent(src SourceImage) string {
	if len(src.Data) == 0 {
		return strings.TrimSpace(src.URL)
	}
	mime := strings.TrimSpace(src.MIME)
	if mime == "" {
		mime = http.DetectContentType(src.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(src.Data)
}
