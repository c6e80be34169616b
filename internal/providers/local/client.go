// Package local talks to the on-host enhancement service used as a fallback
// when the hosted provider cannot serve a request.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is where the local service listens unless configured.
const DefaultBaseURL = "http://127.0.0.1:5001"

// Client calls POST {base}/ai-edit.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// StatusError is returned for non-success responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("local: status %d", e.StatusCode)
	}
	return fmt.Sprintf("local: status %d: %s", e.StatusCode, e.Body)
}

type editRequest struct {
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
}

// NewClient returns a client for baseURL. A nil httpClient gets a two minute timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Edit asks the local service to enhance the image at imageURL and returns the
// produced bytes with their detected content type.
func (c *Client) Edit(ctx context.Context, imageURL, prompt string) ([]byte, string, error) {
	body, err := json.Marshal(editRequest{ImageURL: imageURL, Prompt: prompt, Model: "local"})
	if err != nil {
		return nil, "", fmt.Errorf("local: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ai-edit", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("local: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("local: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("local: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("local: empty response")
	}
	mime := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(raw)
	}
	return raw, mime, nil
}
