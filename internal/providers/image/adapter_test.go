package image

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drisya/internal/domain"
	"drisya/internal/providers/huggingface"
	"drisya/internal/providers/qwen"
)

type stubEditor struct {
	name  string
	calls int
	last  Request
	err   error
}

func (s *stubEditor) Name() string { return s.name }

func (s *stubEditor) Edit(ctx context.Context, req Request) (*Artifact, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &Artifact{Data: []byte("img-" + s.name), MIME: "image/png", Provider: s.name}, nil
}

type stubFetcher struct {
	urls []string
	err  error
}

func (f *stubFetcher) Fetch(ctx context.Context, sourceURL string) (*Source, error) {
	f.urls = append(f.urls, sourceURL)
	if f.err != nil {
		return nil, f.err
	}
	return &Source{URL: sourceURL, Data: []byte{1, 2, 3}, MIME: "image/jpeg"}, nil
}

func newAdapter(t *testing.T, primary, fallback Editor, fetcher Fetcher) *Adapter {
	t.Helper()
	a, err := NewAdapter(AdapterOptions{
		Primary:  primary,
		Fallback: fallback,
		Fetcher:  fetcher,
		BaseURL:  "https://cdn.example.com/static/",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestEnhancePrimarySuccess(t *testing.T) {
	primary := &stubEditor{name: "hf"}
	fallback := &stubEditor{name: "local"}
	fetcher := &stubFetcher{}
	a := newAdapter(t, primary, fallback, fetcher)

	art, err := a.Enhance(context.Background(), Input{
		ImageID:  "img-1",
		InputRef: "/uploads/shoe.jpg",
		Template: domain.TemplatePayload{Prompt: "white background", Model: "flux-kontext"},
	})
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if art.Provider != "hf" || art.Fallback {
		t.Fatalf("unexpected artifact: %+v", art)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not be called")
	}
	if fetcher.urls[0] != "https://cdn.example.com/static/uploads/shoe.jpg" {
		t.Fatalf("resolved url = %q", fetcher.urls[0])
	}
	if primary.last.Prompt != "white background" || primary.last.Model != "flux-kontext" {
		t.Fatalf("unexpected request: %+v", primary.last)
	}
}

func TestEnhanceFallbackSuccess(t *testing.T) {
	primary := &stubEditor{name: "hf", err: RateLimited("hf", 5*time.Second, "429")}
	fallback := &stubEditor{name: "local"}
	a := newAdapter(t, primary, fallback, &stubFetcher{})

	art, err := a.Enhance(context.Background(), Input{ImageID: "img-1", InputRef: "https://x.test/a.png"})
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if !art.Fallback || art.Provider != "local" {
		t.Fatalf("expected fallback artifact, got %+v", art)
	}
	if fallback.last.Source.URL != "https://x.test/a.png" {
		t.Fatalf("fallback should receive source url, got %q", fallback.last.Source.URL)
	}
}

func TestEnhanceFallbackFailureKeepsPrimaryKind(t *testing.T) {
	primary := &stubEditor{name: "hf", err: Warming("hf", 20*time.Second, "loading")}
	fallback := &stubEditor{name: "local", err: Transient("local", "connection refused")}
	a := newAdapter(t, primary, fallback, &stubFetcher{})

	_, err := a.Enhance(context.Background(), Input{ImageID: "img-1", InputRef: "https://x.test/a.png"})
	f := AsFailure(err)
	if f.Kind != domain.ErrorKindProviderWarming || f.RetryAfter != 20*time.Second {
		t.Fatalf("unexpected failure: %+v", f)
	}
	if !strings.Contains(f.Detail, "connection refused") {
		t.Fatalf("detail should mention fallback error: %q", f.Detail)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d, want 1 each", primary.calls, fallback.calls)
	}
}

func TestEnhanceWithoutFallback(t *testing.T) {
	primary := &stubEditor{name: "hf", err: Rejected("hf", "bad image")}
	a := newAdapter(t, primary, nil, &stubFetcher{})

	_, err := a.Enhance(context.Background(), Input{InputRef: "https://x.test/a.png"})
	if f := AsFailure(err); f.Kind != domain.ErrorKindProviderError {
		t.Fatalf("kind = %s, want provider_error", f.Kind)
	}
}

func TestEnhanceUnclassifiedErrorIsTransient(t *testing.T) {
	primary := &stubEditor{name: "hf", err: errors.New("boom")}
	a := newAdapter(t, primary, nil, &stubFetcher{})

	_, err := a.Enhance(context.Background(), Input{InputRef: "https://x.test/a.png"})
	f := AsFailure(err)
	if f.Kind != domain.ErrorKindTransient || f.Provider != "hf" {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func TestEnhanceFetchFailureSkipsProviders(t *testing.T) {
	primary := &stubEditor{name: "hf"}
	fallback := &stubEditor{name: "local"}
	a := newAdapter(t, primary, fallback, &stubFetcher{err: Rejected("input", "status 404")})

	_, err := a.Enhance(context.Background(), Input{InputRef: "https://x.test/missing.png"})
	if f := AsFailure(err); f.Kind != domain.ErrorKindProviderError {
		t.Fatalf("kind = %s, want provider_error", f.Kind)
	}
	if primary.calls != 0 || fallback.calls != 0 {
		t.Fatalf("providers should not be called")
	}
}

func TestEnhanceProviderHint(t *testing.T) {
	primary := &stubEditor{name: "hf"}
	alt := &stubEditor{name: "qwen"}
	a, err := NewAdapter(AdapterOptions{
		Primary: primary,
		Editors: map[string]Editor{"Qwen": alt},
		Fetcher: &stubFetcher{},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if _, err := a.Enhance(context.Background(), Input{InputRef: "https://x.test/a.png", ProviderHint: "qwen"}); err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if alt.calls != 1 || primary.calls != 0 {
		t.Fatalf("hint not honoured: alt=%d primary=%d", alt.calls, primary.calls)
	}
	if _, err := a.Enhance(context.Background(), Input{InputRef: "https://x.test/a.png", ProviderHint: "unknown"}); err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("unknown hint should use primary")
	}
}

func TestEnhanceRejectsDisallowedHost(t *testing.T) {
	primary := &stubEditor{name: "hf"}
	fetcher := &stubFetcher{}
	a, err := NewAdapter(AdapterOptions{Primary: primary, Fetcher: fetcher, AllowedHosts: []string{"CDN.example.com"}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	_, err = a.Enhance(context.Background(), Input{InputRef: "http://169.254.169.254/latest/meta-data"})
	if f := AsFailure(err); f.Kind != domain.ErrorKindProviderError {
		t.Fatalf("kind = %s, want provider_error", f.Kind)
	}
	if len(fetcher.urls) != 0 {
		t.Fatal("disallowed host must not be fetched")
	}
	if _, err := a.Enhance(context.Background(), Input{InputRef: "https://cdn.example.com/a.png"}); err != nil {
		t.Fatalf("allowed host rejected: %v", err)
	}
}

func TestCheckInput(t *testing.T) {
	restricted, err := NewAdapter(AdapterOptions{
		Primary:      &stubEditor{name: "hf"},
		Fetcher:      &stubFetcher{},
		BaseURL:      "http://localhost:8080/static",
		AllowedHosts: []string{"localhost", "cdn.example.com"},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	unrestricted, err := NewAdapter(AdapterOptions{Primary: &stubEditor{name: "hf"}, Fetcher: &stubFetcher{}})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	tests := []struct {
		name    string
		adapter *Adapter
		ref     string
		wantErr string
	}{
		{name: "relative ref on storage host", adapter: restricted, ref: "uploads/a.png"},
		{name: "allowed cdn", adapter: restricted, ref: "https://cdn.example.com/a.png"},
		{name: "foreign host", adapter: restricted, ref: "https://other.example.com/a.png", wantErr: `input host "other.example.com" is not allowed`},
		{name: "any host without allowlist", adapter: unrestricted, ref: "https://other.example.com/a.png"},
		{name: "relative without base", adapter: unrestricted, ref: "uploads/a.png", wantErr: "without base url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.adapter.CheckInput(tc.ref)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckInput(%q) = %v", tc.ref, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("CheckInput(%q) = %v, want %q", tc.ref, err, tc.wantErr)
			}
		})
	}
}

func TestResolveRef(t *testing.T) {
	tests := []struct {
		ref, base, want string
		wantErr         bool
	}{
		{ref: "https://a.test/x.png", base: "", want: "https://a.test/x.png"},
		{ref: "uploads/x.png", base: "http://localhost:8080/static/", want: "http://localhost:8080/static/uploads/x.png"},
		{ref: "/uploads/x.png", base: "http://localhost:8080/static", want: "http://localhost:8080/static/uploads/x.png"},
		{ref: "uploads/x.png", base: "", wantErr: true},
		{ref: "  ", base: "http://h", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ResolveRef(tc.ref, tc.base)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ResolveRef(%q, %q) expected error", tc.ref, tc.base)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ResolveRef(%q, %q) = %q, %v; want %q", tc.ref, tc.base, got, err, tc.want)
		}
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case "/broken.png":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.Client())
	src, err := fetcher.Fetch(context.Background(), srv.URL+"/ok.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(src.Data) != "png-bytes" || src.MIME != "image/png" {
		t.Fatalf("unexpected source: %+v", src)
	}
	if _, err := fetcher.Fetch(context.Background(), srv.URL+"/missing.png"); AsFailure(err).Kind != domain.ErrorKindProviderError {
		t.Fatalf("missing input should be rejected, got %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), srv.URL+"/broken.png"); AsFailure(err).Kind != domain.ErrorKindTransient {
		t.Fatalf("gateway error should be transient, got %v", err)
	}
}

func TestClassifyHuggingFaceError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  domain.ErrorKind
		after time.Duration
	}{
		{name: "rate limited", err: &huggingface.APIError{StatusCode: 429, RetryAfter: 5 * time.Second}, kind: domain.ErrorKindRateLimited, after: 5 * time.Second},
		{name: "loading", err: &huggingface.APIError{StatusCode: 503, Loading: true, EstimatedTime: 20 * time.Second}, kind: domain.ErrorKindProviderWarming, after: 20 * time.Second},
		{name: "bad input", err: &huggingface.APIError{StatusCode: 422}, kind: domain.ErrorKindProviderError},
		{name: "unauthorized", err: &huggingface.APIError{StatusCode: 401}, kind: domain.ErrorKindProviderError},
		{name: "server error", err: &huggingface.APIError{StatusCode: 500}, kind: domain.ErrorKindTransient},
		{name: "network", err: errors.New("dial tcp: timeout"), kind: domain.ErrorKindTransient},
		{name: "missing token", err: huggingface.ErrMissingToken, kind: domain.ErrorKindProviderError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := classifyHuggingFaceError("huggingface", tc.err)
			if f.Kind != tc.kind || f.RetryAfter != tc.after {
				t.Fatalf("got %s/%s, want %s/%s", f.Kind, f.RetryAfter, tc.kind, tc.after)
			}
		})
	}
}

func TestClassifyQwenError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{name: "throttled", err: &qwen.APIError{StatusCode: 429, Code: "Throttling.RateQuota"}, kind: domain.ErrorKindRateLimited},
		{name: "inspection", err: &qwen.APIError{StatusCode: 400, Code: "DataInspectionFailed"}, kind: domain.ErrorKindProviderError},
		{name: "internal", err: &qwen.APIError{StatusCode: 500, Code: "InternalError"}, kind: domain.ErrorKindTransient},
		{name: "network", err: errors.New("connection reset"), kind: domain.ErrorKindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyQwenError("qwen", tc.err).Kind; got != tc.kind {
				t.Fatalf("kind = %s, want %s", got, tc.kind)
			}
		})
	}
	if after := classifyQwenError("qwen", &qwen.APIError{StatusCode: 429, RetryAfter: "9"}).RetryAfter; after != 9*time.Second {
		t.Fatalf("retry after = %s, want 9s", after)
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt(domain.TemplatePayload{Prompt: "  custom diffusion prompt "}); got != "custom diffusion prompt" {
		t.Fatalf("explicit prompt should win, got %q", got)
	}
	got := BuildPrompt(domain.TemplatePayload{Category: "Jewelry", BackgroundStyle: "marble_table", LightingPreset: "soft-box"})
	for _, want := range []string{"jewelry product photograph", "Marble Table setting", "Soft Box lighting"} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt %q missing %q", got, want)
		}
	}
}
