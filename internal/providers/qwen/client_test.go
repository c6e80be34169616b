package qwen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type dashscopeStub struct {
	t        *testing.T
	status   int
	header   http.Header
	answer   string
	lastBody []byte
	calls    int
}

func (s *dashscopeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1"+generationPath:
		s.calls++
		assert.Equal(s.t, "Bearer test", r.Header.Get("Authorization"))
		s.lastBody, _ = io.ReadAll(r.Body)
		for k, v := range s.header {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		status := s.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, strings.ReplaceAll(s.answer, "{{host}}", "http://"+r.Host))
	case r.Method == http.MethodGet && r.URL.Path == "/oss/out.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	default:
		http.NotFound(w, r)
	}
}

func newStubClient(t *testing.T, stub *dashscopeStub) *Client {
	t.Helper()
	stub.t = t
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "test", BaseURL: srv.URL + "/api/v1/"})
	require.NoError(t, err)
	return client
}

const okAnswer = `{"request_id":"req-123","output":{"choices":[{"message":{"content":[{"text":"done"},{"image":"{{host}}/oss/out.png"}]}}]}}`

func TestEncodeImageContent(t *testing.T) {
	inline := encodeImageContent(SourceImage{Data: []byte{0xde, 0xad}, MIME: "image/png", URL: "https://cdn.example.com/a.png"})
	assert.True(t, strings.HasPrefix(inline, "data:image/png;base64,"), inline)

	byURL := encodeImageContent(SourceImage{URL: " https://cdn.example.com/assets/product.jpg "})
	assert.Equal(t, "https://cdn.example.com/assets/product.jpg", byURL)
}

func TestEditImageSendsSourceThenPrompt(t *testing.T) {
	stub := &dashscopeStub{answer: okAnswer}
	client := newStubClient(t, stub)

	asset, err := client.EditImage(context.Background(), EditRequest{
		Prompt:         "studio white background",
		NegativePrompt: " blurry ",
		Source:         SourceImage{Data: []byte{0x01, 0x02, 0x03}, MIME: "image/jpeg"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, asset.Data)
	assert.Equal(t, "image/png", asset.Format)
	assert.True(t, strings.HasSuffix(asset.URL, "/oss/out.png"))

	require.True(t, json.Valid(stub.lastBody))
	body := gjson.ParseBytes(stub.lastBody)
	assert.Equal(t, defaultModel, body.Get("model").String())
	assert.Equal(t, "user", body.Get("input.messages.0.role").String())
	assert.True(t, strings.HasPrefix(body.Get("input.messages.0.content.0.image").String(), "data:image/jpeg;base64,"))
	assert.Equal(t, "studio white background", body.Get("input.messages.0.content.1.text").String())
	assert.Equal(t, "blurry", body.Get("parameters.negative_prompt").String())
	assert.False(t, body.Get("parameters.watermark").Bool())
}

func TestEditImageHTTPError(t *testing.T) {
	stub := &dashscopeStub{
		status: http.StatusTooManyRequests,
		header: http.Header{"Retry-After": []string{"7"}},
		answer: `{"code":"Throttling.RateQuota","message":"Requests rate limit exceeded"}`,
	}
	client := newStubClient(t, stub)

	_, err := client.EditImage(context.Background(), EditRequest{Prompt: "x", Source: SourceImage{URL: "https://cdn/x.png"}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "Throttling.RateQuota", apiErr.Code)
	assert.Equal(t, "7", apiErr.RetryAfter)
}

func TestEditImageErrorCodeInSuccessfulAnswer(t *testing.T) {
	stub := &dashscopeStub{answer: `{"code":"DataInspectionFailed","message":"input image flagged"}`}
	client := newStubClient(t, stub)

	_, err := client.EditImage(context.Background(), EditRequest{Prompt: "x", Source: SourceImage{URL: "https://cdn/x.png"}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "DataInspectionFailed", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "input image flagged")
}

func TestEditImageWithoutImageInAnswer(t *testing.T) {
	stub := &dashscopeStub{answer: `{"output":{"choices":[{"message":{"content":[{"text":"sorry"}]}}]}}`}
	client := newStubClient(t, stub)

	_, err := client.EditImage(context.Background(), EditRequest{Prompt: "x", Source: SourceImage{URL: "https://cdn/x.png"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no image")
}

func TestEditImageValidatesInputBeforeCalling(t *testing.T) {
	stub := &dashscopeStub{answer: okAnswer}
	client := newStubClient(t, stub)

	_, err := client.EditImage(context.Background(), EditRequest{Prompt: "  ", Source: SourceImage{URL: "https://cdn/x.png"}})
	require.Error(t, err)
	_, err = client.EditImage(context.Background(), EditRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Zero(t, stub.calls)
}

func TestEditImageRequiresCredentials(t *testing.T) {
	client, err := NewClient(Options{})
	require.NoError(t, err)
	assert.False(t, client.HasCredentials())
	_, err = client.EditImage(context.Background(), EditRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
