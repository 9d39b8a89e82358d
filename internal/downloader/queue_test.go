package downloader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/metrics"
	"github.com/technosupport/protect-downloader/internal/nvr"
)

func endedEvent(camera string) nvr.MotionEvent {
	return nvr.MotionEvent{Camera: camera, Start: 1000, End: 5000, Type: nvr.MotionBasic}
}

func startQueue(t *testing.T, dl Downloader, cfg QueueConfig) *Queue {
	t.Helper()
	q := NewQueue(dl, cfg, logging.Discard())
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func TestQueue_RetriesUntilBudgetIsSpent(t *testing.T) {
	var attempts atomic.Int32
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		attempts.Add(1)
		return errors.New("console unavailable")
	})

	q := startQueue(t, dl, QueueConfig{MaxRetries: 3, RetryInterval: 10 * time.Millisecond})
	require.True(t, q.Enqueue(endedEvent("cam-1")))

	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())

	st := q.Status()
	assert.Empty(t, st.Pending)
	assert.Nil(t, st.InFlight)
	assert.Zero(t, st.ScheduledRetries)
}

func TestQueue_LastFailureSchedulesNoRetry(t *testing.T) {
	retriesBefore := testutil.ToFloat64(metrics.DownloadRetriesTotal)
	droppedBefore := testutil.ToFloat64(metrics.DownloadsTotal.WithLabelValues("dropped"))

	var attempts atomic.Int32
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		attempts.Add(1)
		return errors.New("console unavailable")
	})
	q := startQueue(t, dl, QueueConfig{MaxRetries: 2, RetryInterval: time.Hour})
	require.True(t, q.Enqueue(endedEvent("cam-1")))

	require.Eventually(t, func() bool { return q.Status().ScheduledRetries == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DownloadRetriesTotal)-retriesBefore)

	q2 := startQueue(t, dl, QueueConfig{MaxRetries: 1, RetryInterval: time.Hour})
	require.True(t, q2.Enqueue(endedEvent("cam-2")))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DownloadsTotal.WithLabelValues("dropped"))-droppedBefore == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, q2.Status().ScheduledRetries)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DownloadRetriesTotal)-retriesBefore)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestQueue_RetryCarriesDecrementedBudget(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	var q *Queue
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		st := q.Status()
		mu.Lock()
		seen = append(seen, st.InFlight.RetriesRemaining)
		mu.Unlock()
		return errors.New("boom")
	})

	q = NewQueue(dl, QueueConfig{MaxRetries: 4, RetryInterval: 10 * time.Millisecond}, logging.Discard())
	require.True(t, q.Enqueue(endedEvent("cam-1")))
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4, 3, 2, 1}, seen)
}

func TestQueue_SucceedsAfterFailure(t *testing.T) {
	var attempts atomic.Int32
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		if attempts.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	q := startQueue(t, dl, QueueConfig{MaxRetries: 5, RetryInterval: 10 * time.Millisecond})
	q.Enqueue(endedEvent("cam-1"))

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Zero(t, q.Status().ScheduledRetries)
}

func TestQueue_ExhaustedBudgetIsDropped(t *testing.T) {
	q := NewQueue(DownloaderFunc(func(context.Context, nvr.MotionEvent) error { return nil }), QueueConfig{}, logging.Discard())

	assert.False(t, q.QueueDownload(endedEvent("cam-1"), 0))
	assert.False(t, q.QueueDownload(endedEvent("cam-1"), -1))
	assert.Empty(t, q.Status().Pending)
}

func TestQueue_RejectsEventWithoutEnd(t *testing.T) {
	q := NewQueue(DownloaderFunc(func(context.Context, nvr.MotionEvent) error { return nil }), QueueConfig{}, logging.Discard())

	assert.False(t, q.Enqueue(nvr.MotionEvent{Camera: "cam-1", Start: 1000}))
	assert.Empty(t, q.Status().Pending)
}

func TestQueue_RunsOneAtATimeInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		order  []string
		active atomic.Int32
		peak   atomic.Int32
	)
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, ev.Camera)
		mu.Unlock()
		active.Add(-1)
		return nil
	})

	q := NewQueue(dl, QueueConfig{}, logging.Discard())
	for _, cam := range []string{"a", "b", "c", "d"} {
		require.True(t, q.Enqueue(endedEvent(cam)))
	}
	assert.Len(t, q.Status().Pending, 4)

	q.Start(context.Background())
	t.Cleanup(q.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	assert.Equal(t, int32(1), peak.Load())
}

func TestQueue_StopCancelsScheduledRetries(t *testing.T) {
	var attempts atomic.Int32
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		attempts.Add(1)
		return errors.New("fail")
	})

	q := NewQueue(dl, QueueConfig{MaxRetries: 5, RetryInterval: 30 * time.Millisecond}, logging.Discard())
	q.Start(context.Background())
	q.Enqueue(endedEvent("cam-1"))

	require.Eventually(t, func() bool { return q.Status().ScheduledRetries == 1 }, time.Second, 2*time.Millisecond)
	q.Stop()

	assert.Zero(t, q.Status().ScheduledRetries)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	assert.False(t, q.Enqueue(endedEvent("cam-2")))
}

func TestQueue_StopInterruptsInFlightDownload(t *testing.T) {
	started := make(chan struct{})
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	q := NewQueue(dl, QueueConfig{RetryInterval: time.Hour}, logging.Discard())
	q.Start(context.Background())
	q.Enqueue(endedEvent("cam-1"))
	<-started

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Zero(t, q.Status().ScheduledRetries)
}

func TestQueue_PanicIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	dl := DownloaderFunc(func(ctx context.Context, ev nvr.MotionEvent) error {
		attempts.Add(1)
		panic("unexpected state")
	})

	q := startQueue(t, dl, QueueConfig{RetryInterval: 10 * time.Millisecond})
	q.Enqueue(endedEvent("cam-1"))
	q.Enqueue(endedEvent("cam-2"))

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Zero(t, q.Status().ScheduledRetries)
}

func TestDownloadError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&DownloadError{Event: endedEvent("cam-1"), RetriesRemaining: 2, Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "retries remaining 2")

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, "cam-1", dlErr.Event.Camera)
}
