package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/metrics"
	"github.com/technosupport/protect-downloader/internal/nvr"
)

const (
	MaxRetries    = 5
	RetryInterval = 60 * time.Second
)

// Downloader performs one download attempt for a completed motion interval.
type Downloader interface {
	Download(ctx context.Context, ev nvr.MotionEvent) error
}

type DownloaderFunc func(ctx context.Context, ev nvr.MotionEvent) error

func (f DownloaderFunc) Download(ctx context.Context, ev nvr.MotionEvent) error {
	return f(ctx, ev)
}

// QueuedDownload is a motion interval waiting for its next attempt.
type QueuedDownload struct {
	Event            nvr.MotionEvent `json:"event"`
	RetriesRemaining int             `json:"retries_remaining"`
	QueuedAt         time.Time       `json:"queued_at"`
}

type QueueConfig struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	Pending          []QueuedDownload `json:"pending"`
	InFlight         *QueuedDownload  `json:"in_flight,omitempty"`
	ScheduledRetries int              `json:"scheduled_retries"`
}

// Queue runs downloads one at a time in submission order. A failed attempt
// is submitted again after RetryInterval with one retry fewer until the
// budget runs out.
type Queue struct {
	dl  Downloader
	cfg QueueConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	items    []QueuedDownload
	inFlight *QueuedDownload
	timers   map[*time.Timer]struct{}
	stopped  bool

	wake     chan struct{}
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewQueue(dl Downloader, cfg QueueConfig, logger logrus.FieldLogger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = MaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = RetryInterval
	}
	return &Queue{
		dl:       dl,
		cfg:      cfg,
		log:      logging.Component(logger, "download_queue"),
		timers:   make(map[*time.Timer]struct{}),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Enqueue queues ev with the full retry budget.
func (q *Queue) Enqueue(ev nvr.MotionEvent) bool {
	return q.QueueDownload(ev, q.cfg.MaxRetries)
}

// QueueDownload appends ev to the queue. Nothing is queued when retries is
// exhausted, the event has no end, or the queue is stopped.
func (q *Queue) QueueDownload(ev nvr.MotionEvent, retries int) bool {
	entry := q.log.WithFields(logrus.Fields{"event": ev.String(), "retries": retries})
	if retries <= 0 {
		entry.Warn("Retries exhausted, dropping motion event")
		metrics.DownloadsTotal.WithLabelValues("dropped").Inc()
		return false
	}
	if !ev.Ended() {
		entry.Warn("Ignoring motion event without an end")
		return false
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, QueuedDownload{Event: ev, RetriesRemaining: retries, QueuedAt: time.Now()})
	metrics.DownloadQueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	entry.Info("Queueing motion event")
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop cancels pending retries and the in-flight attempt and waits for the
// worker to exit. Queued entries are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	close(q.stopChan)
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	metrics.DownloadQueueDepth.Set(0)
	if dropped > 0 {
		q.log.WithField("dropped", dropped).Warn("Download queue stopped with pending events")
	}
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		Pending:          append([]QueuedDownload{}, q.items...),
		ScheduledRetries: len(q.timers),
	}
	if q.inFlight != nil {
		cp := *q.inFlight
		st.InFlight = &cp
	}
	return st
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		item, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}

		err := q.process(ctx, item)

		q.mu.Lock()
		q.inFlight = nil
		q.mu.Unlock()

		if err != nil {
			q.handleFailure(err)
		}
	}
}

func (q *Queue) next() (QueuedDownload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.items) == 0 {
		return QueuedDownload{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.inFlight = &item
	metrics.DownloadQueueDepth.Set(float64(len(q.items)))
	return item, true
}

// process runs one attempt. Failures come back as *DownloadError; a panic
// in the downloader is reported as a plain error.
func (q *Queue) process(ctx context.Context, item QueuedDownload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("download task panicked: %v", r)
		}
	}()

	start := time.Now()
	if dlErr := q.dl.Download(ctx, item.Event); dlErr != nil {
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		return &DownloadError{Event: item.Event, RetriesRemaining: item.RetriesRemaining, Err: dlErr}
	}
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (q *Queue) handleFailure(err error) {
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		q.log.WithError(err).Error("Unrecognized download queue error, not retrying")
		return
	}

	entry := q.log.WithFields(logrus.Fields{
		"event":   dlErr.Event.String(),
		"retries": dlErr.RetriesRemaining,
	}).WithError(dlErr.Err)
	entry.Warn("Download attempt failed")

	remaining := dlErr.RetriesRemaining - 1
	if remaining <= 0 {
		q.QueueDownload(dlErr.Event, remaining)
		return
	}
	q.scheduleRetry(dlErr.Event, remaining)
}

func (q *Queue) scheduleRetry(ev nvr.MotionEvent, retries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(q.cfg.RetryInterval, func() {
		q.mu.Lock()
		_, live := q.timers[t]
		delete(q.timers, t)
		q.mu.Unlock()
		if live {
			q.QueueDownload(ev, retries)
		}
	})
	q.timers[t] = struct{}{}
	metrics.DownloadRetriesTotal.Inc()
}
