package jobs_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drisya/internal/adapter/memstore"
	"drisya/internal/domain"
	"drisya/internal/events"
	"drisya/internal/executor"
	"drisya/internal/jobs"
	"drisya/internal/ledger"
)

const (
	userID     = "user-1"
	templateID = "tpl-studio"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *memstore.Store
	ledger *ledger.Ledger
	orch   *jobs.Orchestrator
	clock  *clock
	hub    *events.Hub
}

func newFixture(t *testing.T, balance int64, opts ...func(*jobs.Options)) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memstore.New().WithClock(clk.Now)
	store.PutTemplate(domain.Template{
		ID:       templateID,
		Payload:  domain.TemplatePayload{Name: "Studio", BackgroundStyle: "seamless_white"},
		CoinCost: 2,
		Active:   true,
	})
	l := ledger.New(ledger.Options{Now: clk.Now})
	hub := events.NewHub()
	o := jobs.Options{Store: store, Ledger: l, Events: hub, Now: clk.Now}
	for _, opt := range opts {
		opt(&o)
	}
	orch, err := jobs.New(o)
	require.NoError(t, err)
	f := &fixture{store: store, ledger: l, orch: orch, clock: clk, hub: hub}
	if balance > 0 {
		err := store.InTx(context.Background(), func(tx domain.Tx) error {
			_, err := l.Credit(context.Background(), tx, userID, balance, "", "")
			return err
		})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) submit(t *testing.T, n int) *domain.JobView {
	t.Helper()
	inputs := make([]string, n)
	for i := range inputs {
		inputs[i] = "https://cdn.test/in/" + string(rune('a'+i)) + ".jpg"
	}
	view, err := f.orch.Submit(context.Background(), jobs.SubmitRequest{UserID: userID, TemplateID: templateID, Inputs: inputs})
	require.NoError(t, err)
	return view
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), f.store, userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) view(t *testing.T, jobID string) *domain.JobView {
	t.Helper()
	v, err := f.orch.Get(context.Background(), userID, jobID)
	require.NoError(t, err)
	return v
}

// process claims every pending image and applies the outcome chosen by decide.
func (f *fixture) process(t *testing.T, decide func(item domain.DispatchItem, ordinal int) executor.Outcome) {
	t.Helper()
	ctx := context.Background()
	for {
		items, err := f.store.ClaimPending(ctx, 100, 0)
		require.NoError(t, err)
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			images, err := f.store.JobImages(ctx, item.JobID)
			require.NoError(t, err)
			ordinal := -1
			for _, img := range images {
				if img.ID == item.ImageID {
					ordinal = img.Ordinal
				}
			}
			applied, err := f.orch.Apply(ctx, decide(item, ordinal))
			require.NoError(t, err)
			require.True(t, applied)
		}
	}
}

func succeed(item domain.DispatchItem, _ int) executor.Outcome {
	return executor.Outcome{
		ImageID:   item.ImageID,
		JobID:     item.JobID,
		Round:     item.Round,
		Status:    domain.ImageStatusCompleted,
		OutputRef: "outputs/" + item.JobID + "/" + item.ImageID + ".png",
		Attempts:  1,
	}
}

func fail(kind domain.ErrorKind, attempts int) func(domain.DispatchItem, int) executor.Outcome {
	return func(item domain.DispatchItem, _ int) executor.Outcome {
		task := executor.TaskFromItem(item)
		return executor.Failed(task, kind, "provider said no", attempts)
	}
}

func TestSubmitAllSucceed(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 3)

	assert.Equal(t, domain.JobStatusQueued, view.Job.Status)
	assert.Equal(t, int64(6), view.Accounting.Reserved)
	assert.Equal(t, int64(4), f.balance(t))
	for i, img := range view.Images {
		assert.Equal(t, i, img.Ordinal)
		assert.Equal(t, domain.ImageStatusPending, img.Status)
	}

	f.process(t, succeed)

	got := f.view(t, view.Job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Job.Status)
	assert.Equal(t, 3, got.Job.CompletedImages)
	assert.Equal(t, 0, got.Job.FailedImages)
	require.NotNil(t, got.Job.CompletedAt)
	assert.Equal(t, domain.Accounting{Reserved: 6, Charged: 6, Refunded: 0, Outstanding: 0}, got.Accounting)
	assert.Equal(t, int64(4), f.balance(t))
	for _, img := range got.Images {
		assert.NotEmpty(t, img.OutputRef)
		assert.Equal(t, 1, img.AttemptCount)
	}
}

func TestSubmitProviderErrorPartiallyCompletes(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 3)

	f.process(t, func(item domain.DispatchItem, ordinal int) executor.Outcome {
		if ordinal == 1 {
			return fail(domain.ErrorKindProviderError, 1)(item, ordinal)
		}
		return succeed(item, ordinal)
	})

	got := f.view(t, view.Job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, got.Job.Status)
	assert.Equal(t, 2, got.Job.CompletedImages)
	assert.Equal(t, 1, got.Job.FailedImages)
	assert.Equal(t, domain.Accounting{Reserved: 6, Charged: 4, Refunded: 2}, got.Accounting)
	assert.Equal(t, int64(6), f.balance(t))

	failed := got.Images[1]
	assert.Equal(t, domain.ImageStatusFailed, failed.Status)
	assert.Equal(t, domain.ErrorKindProviderError, failed.ErrorKind)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Empty(t, failed.OutputRef)
}

func TestSubmitAllFail(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 2)
	f.process(t, fail(domain.ErrorKindTransient, 3))

	got := f.view(t, view.Job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Job.Status)
	assert.Equal(t, domain.Accounting{Reserved: 4, Refunded: 4}, got.Accounting)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.orch.Submit(context.Background(), jobs.SubmitRequest{
		UserID:     userID,
		TemplateID: templateID,
		Inputs:     []string{"a.jpg", "b.jpg"},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	list, err := f.orch.List(context.Background(), userID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, int64(3), f.balance(t))
}

func TestSubmitTemplateUnavailable(t *testing.T) {
	f := newFixture(t, 10)
	deleted := time.Now()
	f.store.PutTemplate(domain.Template{ID: "inactive", CoinCost: 1, Active: false})
	f.store.PutTemplate(domain.Template{ID: "deleted", CoinCost: 1, Active: true, DeletedAt: &deleted})

	for _, id := range []string{"inactive", "deleted", "missing"} {
		_, err := f.orch.Submit(context.Background(), jobs.SubmitRequest{UserID: userID, TemplateID: id, Inputs: []string{"a.jpg"}})
		assert.ErrorIs(t, err, domain.ErrTemplateUnavailable, id)
	}
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, 10, func(o *jobs.Options) { o.MaxBatchSize = 2 })
	tests := []struct {
		name string
		req  jobs.SubmitRequest
		err  error
	}{
		{name: "no user", req: jobs.SubmitRequest{TemplateID: templateID, Inputs: []string{"a"}}, err: domain.ErrUnauthorized},
		{name: "no template", req: jobs.SubmitRequest{UserID: userID, Inputs: []string{"a"}}, err: domain.ErrInvalidInput},
		{name: "empty batch", req: jobs.SubmitRequest{UserID: userID, TemplateID: templateID}, err: domain.ErrInvalidInput},
		{name: "too many", req: jobs.SubmitRequest{UserID: userID, TemplateID: templateID, Inputs: []string{"a", "b", "c"}}, err: domain.ErrInvalidInput},
		{name: "blank input", req: jobs.SubmitRequest{UserID: userID, TemplateID: templateID, Inputs: []string{"a", " "}}, err: domain.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Submit(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSubmitRejectsInputBeforeReserving(t *testing.T) {
	var checked []string
	f := newFixture(t, 10, func(o *jobs.Options) {
		o.InputCheck = func(ref string) error {
			checked = append(checked, ref)
			if strings.Contains(ref, "blocked.test") {
				return errors.New(`input host "blocked.test" is not allowed`)
			}
			return nil
		}
	})

	_, err := f.orch.Submit(context.Background(), jobs.SubmitRequest{
		UserID:     userID,
		TemplateID: templateID,
		Inputs:     []string{"https://cdn.test/a.jpg", "https://blocked.test/b.jpg"},
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "images[1]", verr.Field)
	assert.Equal(t, []string{"https://cdn.test/a.jpg", "https://blocked.test/b.jpg"}, checked)

	assert.Equal(t, int64(10), f.balance(t), "nothing reserved")
	list, err := f.orch.List(context.Background(), userID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCostIsCapturedAtCreation(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 2)
	f.store.PutTemplate(domain.Template{ID: templateID, CoinCost: 5, Active: true})

	f.process(t, succeed)
	got := f.view(t, view.Job.ID)
	assert.Equal(t, int64(2), got.Job.CoinCost)
	assert.Equal(t, int64(4), got.Accounting.Charged)
	assert.Equal(t, int64(6), f.balance(t))
}

func TestGetForbiddenForOtherUser(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 1)
	_, err := f.orch.Get(context.Background(), "someone-else", view.Job.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.orch.Get(context.Background(), userID, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetryWithoutFailedImagesIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 2)
	f.process(t, succeed)
	before := f.view(t, view.Job.ID)

	res, err := f.orch.Retry(context.Background(), userID, view.Job.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.NothingToRetry)
	assert.Empty(t, res.Retried)

	after := f.view(t, view.Job.ID)
	assert.Equal(t, before.Accounting, after.Accounting)
	assert.Equal(t, domain.JobStatusCompleted, after.Job.Status)
	assert.Equal(t, before.Job.CompletedAt, after.Job.CompletedAt)
}

func TestRetryFailedImages(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 3)
	f.process(t, func(item domain.DispatchItem, ordinal int) executor.Outcome {
		if ordinal == 0 {
			return succeed(item, ordinal)
		}
		return fail(domain.ErrorKindRateLimited, 3)(item, ordinal)
	})
	first := f.view(t, view.Job.ID)
	require.Equal(t, domain.JobStatusPartiallyCompleted, first.Job.Status)
	require.Equal(t, int64(8), f.balance(t))

	res, err := f.orch.Retry(context.Background(), userID, view.Job.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.NothingToRetry)
	assert.Len(t, res.Retried, 2)
	assert.Equal(t, int64(4), f.balance(t), "two units of 2 reserved again")

	retried := res.View
	assert.Equal(t, domain.JobStatusProcessing, retried.Job.Status)
	assert.Equal(t, 1, retried.Job.CompletedImages)
	assert.Equal(t, 0, retried.Job.FailedImages)
	for _, img := range retried.Images[1:] {
		assert.Equal(t, domain.ImageStatusPending, img.Status)
		assert.Equal(t, 2, img.Round)
		assert.Equal(t, 0, img.AttemptCount)
		assert.Equal(t, 3, img.TotalAttempts)
		assert.Empty(t, img.ErrorKind)
	}
	assert.Equal(t, 1, retried.Images[0].Round)

	again, err := f.orch.Retry(context.Background(), userID, view.Job.ID, nil)
	require.NoError(t, err)
	assert.True(t, again.NothingToRetry, "pending images are not retried twice")
	assert.Equal(t, int64(4), f.balance(t))

	f.process(t, succeed)
	done := f.view(t, view.Job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Job.Status)
	assert.Equal(t, 3, done.Job.CompletedImages)
	assert.Equal(t, first.Job.CompletedAt, done.Job.CompletedAt)
	assert.Equal(t, domain.Accounting{Reserved: 10, Charged: 6, Refunded: 4}, done.Accounting)
	assert.Equal(t, int64(4), f.balance(t))
}

func TestRetrySubset(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 3)
	f.process(t, fail(domain.ErrorKindTransient, 1))
	failed := f.view(t, view.Job.ID)

	res, err := f.orch.Retry(context.Background(), userID, view.Job.ID, []string{failed.Images[2].ID, failed.Images[2].ID})
	require.NoError(t, err)
	assert.Equal(t, []string{failed.Images[2].ID}, res.Retried)
	assert.Equal(t, domain.ImageStatusFailed, res.View.Images[0].Status)
	assert.Equal(t, domain.ImageStatusPending, res.View.Images[2].Status)
	assert.Equal(t, 2, res.View.Job.FailedImages)
	assert.Equal(t, int64(8), f.balance(t))

	_, err = f.orch.Retry(context.Background(), userID, view.Job.ID, []string{"not-in-job"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRetryInsufficientBalanceWritesNothing(t *testing.T) {
	f := newFixture(t, 4)
	view := f.submit(t, 2)
	f.process(t, func(item domain.DispatchItem, ordinal int) executor.Outcome {
		if ordinal == 0 {
			return succeed(item, ordinal)
		}
		return fail(domain.ErrorKindProviderError, 1)(item, ordinal)
	})
	// balance is 2 after the refund; spend it elsewhere
	other := f.submit(t, 1)
	require.Equal(t, int64(0), f.balance(t))

	before := f.view(t, view.Job.ID)
	_, err := f.orch.Retry(context.Background(), userID, view.Job.ID, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	after := f.view(t, view.Job.ID)
	assert.Equal(t, before.Job.Status, after.Job.Status)
	assert.Equal(t, before.Images, after.Images)
	assert.Equal(t, before.Accounting, after.Accounting)
	assert.NotEmpty(t, other.Job.ID)
}

func TestRetryLimitReached(t *testing.T) {
	f := newFixture(t, 10, func(o *jobs.Options) { o.MaxTotalAttempts = 3 })
	view := f.submit(t, 1)
	f.process(t, fail(domain.ErrorKindTransient, 3))

	_, err := f.orch.Retry(context.Background(), userID, view.Job.ID, nil)
	require.ErrorIs(t, err, domain.ErrRetryLimitReached)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestRetryForbidden(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 1)
	f.process(t, fail(domain.ErrorKindProviderError, 1))
	_, err := f.orch.Retry(context.Background(), "intruder", view.Job.ID, nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 2)
	ctx := context.Background()

	items, err := f.store.ClaimPending(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	out := succeed(items[0], 0)

	applied, err := f.orch.Apply(ctx, out)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = f.orch.Apply(ctx, out)
	require.NoError(t, err)
	assert.False(t, applied)

	failed := out
	failed.Status = domain.ImageStatusFailed
	failed.ErrorKind = domain.ErrorKindTransient
	applied, err = f.orch.Apply(ctx, failed)
	require.NoError(t, err)
	assert.False(t, applied, "a completed image never flips to failed")

	got := f.view(t, view.Job.ID)
	assert.Equal(t, domain.Accounting{Reserved: 4, Charged: 2, Outstanding: 2}, got.Accounting)
	assert.Equal(t, domain.JobStatusProcessing, got.Job.Status)
	assert.Nil(t, got.Job.CompletedAt)
}

func TestApplyDiscardsStaleRound(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 1)
	ctx := context.Background()

	items, err := f.store.ClaimPending(ctx, 1, 0)
	require.NoError(t, err)
	stale := succeed(items[0], 0)
	stale.Round = items[0].Round + 1

	applied, err := f.orch.Apply(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.ImageStatusProcessing, f.view(t, view.Job.ID).Images[0].Status)

	_, err = f.orch.Apply(ctx, executor.Outcome{JobID: view.Job.ID, ImageID: "ghost", Round: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyPublishesEvents(t *testing.T) {
	f := newFixture(t, 10)
	view := f.submit(t, 1)
	_, ch, unsubscribe := f.hub.Subscribe(view.Job.ID, 8)
	defer unsubscribe()

	f.process(t, succeed)

	var types []string
	for len(ch) > 0 {
		evt := <-ch
		types = append(types, evt.Type)
		if evt.Type == events.TypeJob {
			assert.Equal(t, domain.JobStatusCompleted, evt.JobStatus)
			assert.Equal(t, 1, evt.CompletedImages)
		}
	}
	assert.Equal(t, []string{events.TypeImage, events.TypeJob}, types)
}

func TestConcurrentAppliesKeepCountsConsistent(t *testing.T) {
	f := newFixture(t, 100)
	view := f.submit(t, 20)
	ctx := context.Background()

	items, err := f.store.ClaimPending(ctx, 20, 0)
	require.NoError(t, err)
	require.Len(t, items, 20)

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item domain.DispatchItem) {
			defer wg.Done()
			out := succeed(item, i)
			if i%4 == 0 {
				out = fail(domain.ErrorKindProviderError, 1)(item, i)
			}
			_, err := f.orch.Apply(ctx, out)
			assert.NoError(t, err)
		}(i, item)
	}
	wg.Wait()

	got := f.view(t, view.Job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, got.Job.Status)
	assert.Equal(t, 15, got.Job.CompletedImages)
	assert.Equal(t, 5, got.Job.FailedImages)
	assert.Equal(t, domain.Accounting{Reserved: 40, Charged: 30, Refunded: 10}, got.Accounting)
	assert.Equal(t, int64(70), f.balance(t))
}
