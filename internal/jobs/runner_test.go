package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klerk-framework/klerk-sub000/internal/logging"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

type statusLog struct {
	mu   sync.Mutex
	list []string
}

func (s *statusLog) add(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, v)
}

func (s *statusLog) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.list...)
}

func newTestRunner(cfg Config, status *statusLog) (*Runner, *[]time.Duration) {
	var delays []time.Duration
	r := New(cfg, WithLogger(logging.Discard()), WithStatusHook(status.add))
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return r, &delays
}

func start(t *testing.T, r *Runner) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func spec(name string, attempts int) domain.JobSpec {
	return domain.JobSpec{ID: uuid.New(), Name: name, ModelID: 7, MaxAttempts: attempts}
}

func TestRunnerRetriesWithBackoff(t *testing.T) {
	status := &statusLog{}
	r, delays := newTestRunner(Config{Workers: 1, RetryBackoff: 10 * time.Millisecond, RetryMaxDelay: 25 * time.Millisecond}, status)
	start(t, r)

	calls := 0
	require.NoError(t, r.Submit(context.Background(), spec("flaky", 4), func(context.Context, domain.JobSpec) error {
		calls++
		if calls < 4 {
			return errors.New("not yet")
		}
		return nil
	}))
	r.Wait()

	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, *delays)
	assert.Equal(t, []string{StatusRetrying, StatusRetrying, StatusRetrying, StatusSucceeded}, status.get())
}

func TestRunnerGivesUpAfterMaxAttempts(t *testing.T) {
	status := &statusLog{}
	r, _ := newTestRunner(Config{Workers: 1, MaxAttempts: 2}, status)
	start(t, r)

	calls := 0
	require.NoError(t, r.Submit(context.Background(), spec("broken", 0), func(context.Context, domain.JobSpec) error {
		calls++
		panic("boom")
	}))
	r.Wait()

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{StatusRetrying, StatusFailed}, status.get())
}

func TestRunnerCancelsQueuedJobsOnShutdown(t *testing.T) {
	status := &statusLog{}
	r, _ := newTestRunner(Config{Workers: 1}, status)
	require.NoError(t, r.Submit(context.Background(), spec("queued", 1), func(context.Context, domain.JobSpec) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	r.Wait()

	got := status.get()
	require.Len(t, got, 1)
	assert.Contains(t, []string{StatusCanceled, StatusSucceeded}, got[0])
	assert.ErrorIs(t, r.Submit(context.Background(), spec("late", 1), func(context.Context, domain.JobSpec) error { return nil }), ErrClosed)
}

func TestRunnerCancelsDuringBackoff(t *testing.T) {
	status := &statusLog{}
	r := New(Config{Workers: 1, RetryBackoff: time.Hour}, WithLogger(logging.Discard()), WithStatusHook(status.add))
	cancel := start(t, r)

	failed := make(chan struct{})
	require.NoError(t, r.Submit(context.Background(), spec("slow", 3), func(context.Context, domain.JobSpec) error {
		close(failed)
		return errors.New("down")
	}))
	<-failed
	require.Eventually(t, func() bool { return len(status.get()) == 1 }, time.Second, time.Millisecond)
	cancel()
	r.Wait()
	assert.Equal(t, []string{StatusRetrying, StatusCanceled}, status.get())
}

func TestSubmitValidation(t *testing.T) {
	r := New(Config{QueueSize: 1}, WithLogger(logging.Discard()))
	require.ErrorContains(t, r.Submit(context.Background(), spec("nil", 1), nil), "nil body")

	noop := func(context.Context, domain.JobSpec) error { return nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Submit(ctx, spec("canceled", 1), noop), context.Canceled)
	require.NoError(t, r.Submit(context.Background(), spec("fills", 1), noop))
}

func TestSubmitDropsWhenQueueIsFull(t *testing.T) {
	status := &statusLog{}
	r, _ := newTestRunner(Config{Workers: 1, QueueSize: 1}, status)
	noop := func(context.Context, domain.JobSpec) error { return nil }

	require.NoError(t, r.Submit(context.Background(), spec("first", 1), noop))
	done := make(chan error, 1)
	go func() { done <- r.Submit(context.Background(), spec("second", 1), noop) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
	assert.Equal(t, []string{StatusDropped}, status.get())

	start(t, r)
	r.Wait()
	assert.Equal(t, []string{StatusDropped, StatusSucceeded}, status.get())
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.normalized()
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.RetryBackoff)
	assert.Equal(t, time.Minute, c.RetryMaxDelay)
	assert.Equal(t, 256, c.QueueSize)
}
