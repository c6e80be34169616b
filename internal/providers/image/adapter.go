package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"drisya/internal/domain"
	"drisya/internal/metrics"
)

const maxSourceBytes = 25 << 20

// Fetcher loads the input image for providers that need raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*Source, error)
}

// HTTPFetcher downloads sources over HTTP.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher; a nil client gets a 30 second timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads sourceURL. Missing or forbidden inputs are rejections, other
// failures are transient.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, Rejected("input", fmt.Sprintf("invalid input url: %v", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, Transient("input", fmt.Sprintf("download input: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, Rejected("input", fmt.Sprintf("input not retrievable: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return nil, Transient("input", fmt.Sprintf("input download status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, Transient("input", fmt.Sprintf("read input: %v", err))
	}
	if len(data) > maxSourceBytes {
		return nil, Rejected("input", "input image exceeds size limit")
	}
	if len(data) == 0 {
		return nil, Rejected("input", "input image is empty")
	}
	mime := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return &Source{URL: sourceURL, Data: data, MIME: mime}, nil
}

// AdapterOptions wires the providers behind an Adapter.
type AdapterOptions struct {
	Primary Editor
	// Editors are selectable by provider hint; unknown hints use Primary.
	Editors  map[string]Editor
	Fallback Editor
	Fetcher  Fetcher
	// BaseURL resolves relative input references.
	BaseURL string
	// AllowedHosts restricts where inputs may be fetched from; empty allows any.
	AllowedHosts  []string
	RatePerMinute int
	Logger        *zerolog.Logger
}

// Adapter makes exactly one primary provider call per invocation and, when
// that fails, at most one call to the fallback provider.
type Adapter struct {
	primary  Editor
	editors  map[string]Editor
	fallback Editor
	fetcher  Fetcher
	baseURL  string
	allowed  map[string]struct{}
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewAdapter validates the options and builds an Adapter.
func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	if opts.Primary == nil {
		return nil, errors.New("image: primary provider is required")
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil)
	}
	a := &Adapter{
		primary:  opts.Primary,
		editors:  map[string]Editor{},
		fallback: opts.Fallback,
		fetcher:  fetcher,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		logger:   logger,
	}
	if len(opts.AllowedHosts) > 0 {
		a.allowed = make(map[string]struct{}, len(opts.AllowedHosts))
		for _, host := range opts.AllowedHosts {
			a.allowed[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
		}
	}
	for name, editor := range opts.Editors {
		if editor != nil {
			a.editors[strings.ToLower(name)] = editor
		}
	}
	if opts.RatePerMinute > 0 {
		burst := opts.RatePerMinute / 12
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), burst)
	}
	return a, nil
}

// Input is one image to enhance with a template.
type Input struct {
	ImageID      string
	InputRef     string
	Template     domain.TemplatePayload
	ProviderHint string
}

// Enhance runs one enhancement. Failures are always *Failure.
func (a *Adapter) Enhance(ctx context.Context, in Input) (*Artifact, error) {
	sourceURL, err := ResolveRef(in.InputRef, a.baseURL)
	if err != nil {
		return nil, Rejected("input", err.Error())
	}
	if err := a.checkHost(sourceURL); err != nil {
		return nil, err
	}
	source, err := a.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, AsFailure(err)
	}
	source.URL = sourceURL
	req := Request{
		ImageID: in.ImageID,
		Source:  *source,
		Prompt:  BuildPrompt(in.Template),
		Model:   in.Template.Model,
	}

	primary := a.selectEditor(in.ProviderHint)
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, Transient(primary.Name(), fmt.Sprintf("rate limiter: %v", err))
		}
	}
	artifact, err := a.call(ctx, primary, req)
	if err == nil {
		return artifact, nil
	}
	failure := AsFailure(err)
	if a.fallback == nil || a.fallback == primary {
		return nil, failure
	}

	a.logger.Warn().
		Str("image_id", in.ImageID).
		Str("provider", primary.Name()).
		Str("kind", string(failure.Kind)).
		Msg("image: primary provider failed, trying fallback")
	artifact, fbErr := a.call(ctx, a.fallback, req)
	if fbErr == nil {
		artifact.Fallback = true
		return artifact, nil
	}
	return nil, &Failure{
		Kind:       failure.Kind,
		RetryAfter: failure.RetryAfter,
		Provider:   failure.Provider,
		Detail:     fmt.Sprintf("%s; fallback %s: %s", failure.Detail, a.fallback.Name(), AsFailure(fbErr).Detail),
	}
}

func (a *Adapter) call(ctx context.Context, editor Editor, req Request) (*Artifact, error) {
	start := time.Now()
	artifact, err := editor.Edit(ctx, req)
	outcome := "ok"
	switch {
	case err != nil:
		f := AsFailure(err)
		if f.Provider == "" {
			f.Provider = editor.Name()
		}
		outcome = string(f.Kind)
		err = f
	case artifact == nil || len(artifact.Data) == 0:
		outcome = string(domain.ErrorKindTransient)
		artifact, err = nil, Transient(editor.Name(), "provider returned no image")
	}
	metrics.ObserveProviderCall(editor.Name(), outcome, time.Since(start))
	return artifact, err
}

// CheckInput reports whether ref resolves to a fetchable URL on an allowed
// host. Job submission uses it to reject inputs before coins are reserved.
func (a *Adapter) CheckInput(ref string) error {
	sourceURL, err := ResolveRef(ref, a.baseURL)
	if err != nil {
		return err
	}
	if err := a.checkHost(sourceURL); err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return errors.New(f.Detail)
		}
		return err
	}
	return nil
}

func (a *Adapter) checkHost(sourceURL string) error {
	if a.allowed == nil {
		return nil
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return Rejected("input", fmt.Sprintf("invalid input url: %v", err))
	}
	if _, ok := a.allowed[strings.ToLower(u.Hostname())]; !ok {
		return Rejected("input", fmt.Sprintf("input host %q is not allowed", u.Hostname()))
	}
	return nil
}

func (a *Adapter) selectEditor(hint string) Editor {
	if editor, ok := a.editors[strings.ToLower(strings.TrimSpace(hint))]; ok {
		return editor
	}
	return a.primary
}

// ResolveRef turns an input reference into an absolute URL, joining relative
// references onto base.
func ResolveRef(ref, base string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("input reference is empty")
	}
	if parsed, err := url.Parse(ref); err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "" {
		return ref, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative input reference %q without base url", ref)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/"), nil
}
