package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	p := NewPool(Config{Workers: 4, QueueSize: 10}, nil)
	defer p.Stop()

	var done atomic.Int32
	for range 20 {
		err := p.Submit(t.Context(), Work{Name: "count", Run: func(ctx context.Context) error {
			done.Add(1)
			return nil
		}})
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return done.Load() == 20 && p.Pending() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRetriesRetryableFailures(t *testing.T) {
	var failed atomic.Int32
	p := NewPool(Config{Workers: 1, QueueSize: 1, Retries: 3, RetryDelay: time.Millisecond}, func(w Work, err error) {
		failed.Add(1)
	})
	defer p.Stop()

	var attempts atomic.Int32
	err := p.Submit(t.Context(), Work{Name: "flaky", Run: func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return Retryable(errors.New("lock busy"))
		}
		return nil
	}})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(0), failed.Load())
}

func TestPoolReportsPermanentFailures(t *testing.T) {
	failures := make(chan error, 1)
	p := NewPool(Config{Workers: 1, Retries: 5, RetryDelay: time.Millisecond}, func(w Work, err error) {
		failures <- err
	})
	defer p.Stop()

	var attempts atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, p.Submit(t.Context(), Work{Name: "broken", Run: func(ctx context.Context) error {
		attempts.Add(1)
		return boom
	}}))

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("failure was not reported")
	}
	assert.Equal(t, int32(1), attempts.Load(), "permanent failures are not retried")
}

func TestPoolRecoversPanics(t *testing.T) {
	failures := make(chan error, 1)
	p := NewPool(Config{Workers: 1}, func(w Work, err error) {
		failures <- err
	})
	defer p.Stop()

	require.NoError(t, p.Submit(t.Context(), Work{Name: "panic", Run: func(ctx context.Context) error {
		panic("unexpected")
	}}))
	select {
	case err := <-failures:
		assert.ErrorContains(t, err, "unexpected")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestSubmitDoesNotBlockOnSaturatedPool(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 0}, nil)
	defer p.Stop()

	release := make(chan struct{})
	require.NoError(t, p.Submit(t.Context(), Work{Name: "busy", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}))

	submitted := make(chan struct{})
	var done atomic.Int32
	go func() {
		defer close(submitted)
		for range 10 {
			_ = p.Submit(t.Context(), Work{Name: "waiting", Run: func(ctx context.Context) error {
				done.Add(1)
				return nil
			}})
		}
	}()
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a saturated pool")
	}
	assert.EqualValues(t, 11, p.Pending())

	close(release)
	assert.Eventually(t, func() bool {
		return done.Load() == 10 && p.Pending() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorkSubmitsFollowUpWork(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 0}, nil)
	defer p.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}
	followUp := func(name string) Work {
		return Work{Name: name, Run: func(ctx context.Context) error {
			record(name)
			return nil
		}}
	}
	require.NoError(t, p.Submit(t.Context(), Work{Name: "parent", Run: func(ctx context.Context) error {
		for _, name := range []string{"first", "second", "third"} {
			if err := p.Submit(ctx, followUp(name)); err != nil {
				return err
			}
		}
		record("parent")
		return nil
	}}))

	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"parent", "first", "second", "third"}, order)
}

func TestPoolRejectsWorkAfterStop(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil)
	require.NoError(t, p.Stop())
	err := p.Submit(t.Context(), Work{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRetryable(t *testing.T) {
	assert.Nil(t, Retryable(nil))
	base := errors.New("base")
	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetryable(base))
}
