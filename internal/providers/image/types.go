package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drisya/internal/domain"
)

// Failure is the closed set of provider outcomes other than success. Kind is
// one of the domain.ErrorKind values; RetryAfter is set for rate limiting and
// model warm-up.
type Failure struct {
	Kind       domain.ErrorKind
	RetryAfter time.Duration
	Detail     string
	Provider   string
}

func (f *Failure) Error() string {
	if f.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s): %s", f.Provider, f.Kind, f.RetryAfter, f.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", f.Provider, f.Kind, f.Detail)
}

// Retryable reports whether another attempt may succeed.
func (f *Failure) Retryable() bool {
	return f.Kind != domain.ErrorKindProviderError
}

// RateLimited builds a rate-limit failure.
func RateLimited(provider string, after time.Duration, detail string) *Failure {
	return &Failure{Kind: domain.ErrorKindRateLimited, RetryAfter: after, Detail: detail, Provider: provider}
}

// Warming builds a model warm-up failure.
func Warming(provider string, after time.Duration, detail string) *Failure {
	return &Failure{Kind: domain.ErrorKindProviderWarming, RetryAfter: after, Detail: detail, Provider: provider}
}

// Rejected builds a non-retryable provider rejection.
func Rejected(provider, detail string) *Failure {
	return &Failure{Kind: domain.ErrorKindProviderError, Detail: detail, Provider: provider}
}

// Transient builds a network or infrastructure failure.
func Transient(provider, detail string) *Failure {
	return &Failure{Kind: domain.ErrorKindTransient, Detail: detail, Provider: provider}
}

// AsFailure classifies any error. Errors that are not a *Failure are transient.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return Transient("", err.Error())
}

// Source is the image being enhanced.
type Source struct {
	URL  string
	Data []byte
	MIME string
}

// Request is a single provider call.
type Request struct {
	ImageID string
	Source  Source
	Prompt  string
	Model   string
}

// Artifact is the opaque provider output.
type Artifact struct {
	Data     []byte
	MIME     string
	Provider string
	Fallback bool
}

// Editor is implemented by every provider binding. Errors should be *Failure.
type Editor interface {
	Name() string
	Edit(ctx context.Context, req Request) (*Artifact, error)
}
