package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"drisya/internal/domain"
	"drisya/internal/providers/image"
)

type scriptedEnhancer struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedEnhancer) Enhance(ctx context.Context, in image.Input) (*image.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.results) && s.results[idx] != nil {
		return nil, s.results[idx]
	}
	return &image.Artifact{Data: []byte("out"), MIME: "image/png", Provider: "stub"}, nil
}

type memBlobs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *memBlobs) Write(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return key, nil
}

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func newTestExecutor(t *testing.T, enh Enhancer, blobs BlobWriter, sleeps *recordedSleeps) *Executor {
	t.Helper()
	e, err := New(Options{
		Enhancer:         enh,
		Blobs:            blobs,
		TransientBackoff: time.Second,
		MaxBackoff:       time.Minute,
		Sleep:            sleeps.sleep,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return e
}

var task = Task{ImageID: "img-1", JobID: "job-1", InputRef: "https://x.test/a.png", Round: 2}

func TestRunRateLimitedTwiceThenSucceeds(t *testing.T) {
	enh := &scriptedEnhancer{results: []error{
		image.RateLimited("hf", 5*time.Second, "429"),
		image.RateLimited("hf", 5*time.Second, "429"),
	}}
	blobs := &memBlobs{}
	sleeps := &recordedSleeps{}
	out := newTestExecutor(t, enh, blobs, sleeps).Run(context.Background(), task)

	if !out.Completed() || out.Attempts != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if want := []time.Duration{5 * time.Second, 10 * time.Second}; len(sleeps.waits) != 2 || sleeps.waits[0] != want[0] || sleeps.waits[1] != want[1] {
		t.Fatalf("waits = %v, want %v", sleeps.waits, want)
	}
	if out.OutputRef != "outputs/job-1/img-1-r2.png" || len(blobs.keys) != 1 {
		t.Fatalf("unexpected output ref %q (keys %v)", out.OutputRef, blobs.keys)
	}
}

func TestRunProviderErrorIsTerminal(t *testing.T) {
	enh := &scriptedEnhancer{results: []error{image.Rejected("hf", "unsupported image")}}
	sleeps := &recordedSleeps{}
	out := newTestExecutor(t, enh, &memBlobs{}, sleeps).Run(context.Background(), task)

	if out.Completed() || out.ErrorKind != domain.ErrorKindProviderError {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Attempts != 1 || enh.calls != 1 || len(sleeps.waits) != 0 {
		t.Fatalf("provider error retried: attempts=%d calls=%d sleeps=%v", out.Attempts, enh.calls, sleeps.waits)
	}
}

func TestRunExhaustedReportsLastKind(t *testing.T) {
	enh := &scriptedEnhancer{results: []error{
		image.RateLimited("hf", time.Second, "429"),
		image.Warming("hf", 20*time.Second, "loading"),
		errors.New("connection reset"),
	}}
	sleeps := &recordedSleeps{}
	out := newTestExecutor(t, enh, &memBlobs{}, sleeps).Run(context.Background(), task)

	if out.Status != domain.ImageStatusFailed || out.ErrorKind != domain.ErrorKindTransient || out.Attempts != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(sleeps.waits) != 2 || sleeps.waits[1] != 20*time.Second {
		t.Fatalf("warming should wait the indicated time, got %v", sleeps.waits)
	}
}

func TestRunStorageFailureCountsAsAttempt(t *testing.T) {
	enh := &scriptedEnhancer{}
	blobs := &memBlobs{err: errors.New("disk full")}
	out := newTestExecutor(t, enh, blobs, &recordedSleeps{}).Run(context.Background(), task)

	if out.Completed() || out.ErrorKind != domain.ErrorKindTransient || out.Attempts != DefaultMaxAttempts {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(out.Detail, "disk full") {
		t.Fatalf("detail = %q", out.Detail)
	}
}

func TestRunInterruptedBackoff(t *testing.T) {
	enh := &scriptedEnhancer{results: []error{image.Transient("hf", "timeout")}}
	e, err := New(Options{
		Enhancer: enh,
		Blobs:    &memBlobs{},
		Sleep:    func(ctx context.Context, d time.Duration) error { return context.Canceled },
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	out := e.Run(context.Background(), task)
	if out.Completed() || out.Attempts != 1 || out.ErrorKind != domain.ErrorKindTransient {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunTimeoutBoundsWholeRun(t *testing.T) {
	enh := &scriptedEnhancer{results: []error{
		image.Warming("hf", time.Minute, "loading"),
		image.Warming("hf", time.Minute, "loading"),
	}}
	e, err := New(Options{Enhancer: enh, Blobs: &memBlobs{}, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	start := time.Now()
	out := e.Run(context.Background(), task)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s, timeout not applied", elapsed)
	}
	if out.Status != domain.ImageStatusFailed || out.ErrorKind != domain.ErrorKindTransient {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Attempts != 1 || enh.calls != 1 {
		t.Fatalf("attempts=%d calls=%d", out.Attempts, enh.calls)
	}
}

func TestBackoffPolicy(t *testing.T) {
	e, err := New(Options{Enhancer: &scriptedEnhancer{}, Blobs: &memBlobs{}, TransientBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	tests := []struct {
		name string
		f    *image.Failure
		n    int
		want time.Duration
	}{
		{name: "first rate limit", f: image.RateLimited("p", 5*time.Second, ""), n: 1, want: 5 * time.Second},
		{name: "third rate limit", f: image.RateLimited("p", 5*time.Second, ""), n: 3, want: 20 * time.Second},
		{name: "capped", f: image.RateLimited("p", 5*time.Second, ""), n: 6, want: 30 * time.Second},
		{name: "rate limit without hint", f: image.RateLimited("p", 0, ""), n: 1, want: 2 * time.Second},
		{name: "warming", f: image.Warming("p", 20*time.Second, ""), want: 20 * time.Second},
		{name: "transient", f: image.Transient("p", ""), want: 2 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.backoff(tc.f, tc.n); got != tc.want {
				t.Fatalf("backoff = %s, want %s", got, tc.want)
			}
		})
	}
}
