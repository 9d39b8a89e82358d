package nvr

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/metrics"
)

const (
	// DefaultSmartEventTTL bounds how long a smart detection start waits for
	// its end update.
	DefaultSmartEventTTL = 10 * time.Minute

	maxPendingSmartEvents = 1024
)

// smartAddPayload is the payload of an event "add" update.
type smartAddPayload struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Camera           string    `json:"camera"`
	Start            Timestamp `json:"start"`
	Score            int       `json:"score"`
	SmartDetectTypes []string  `json:"smartDetectTypes"`
}

// updatePayload covers the fields of camera and event "update" payloads we
// care about. Which ones are present depends on the referenced model.
type updatePayload struct {
	IsMotionDetected *bool     `json:"isMotionDetected"`
	LastMotion       Timestamp `json:"lastMotion"`
	End              Timestamp `json:"end"`
	Score            int       `json:"score"`
}

// Correlator pairs motion start and end notifications from the update feed.
// Frames must be fed from a single goroutine so starts and ends keep their
// order; Pending may be called from anywhere.
type Correlator struct {
	log logrus.FieldLogger

	// event id -> smart motion start
	smart *expirable.LRU[string, MotionEvent]

	mu sync.Mutex
	// camera id -> basic motion start
	basic map[string]Timestamp
}

type CorrelatorOption func(*correlatorOptions)

type correlatorOptions struct {
	smartTTL time.Duration
	logger   logrus.FieldLogger
}

// WithSmartEventTTL overrides how long pending smart starts are kept.
func WithSmartEventTTL(d time.Duration) CorrelatorOption {
	return func(o *correlatorOptions) { o.smartTTL = d }
}

func WithCorrelatorLogger(l logrus.FieldLogger) CorrelatorOption {
	return func(o *correlatorOptions) { o.logger = l }
}

// NewCorrelator builds a Correlator. The smart event cache runs an expiry
// goroutine for the life of the process, so create one per feed.
func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	o := correlatorOptions{smartTTL: DefaultSmartEventTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &Correlator{
		log:   logging.Component(o.logger, "correlator"),
		smart: expirable.NewLRU[string, MotionEvent](maxPendingSmartEvents, nil, o.smartTTL),
		basic: make(map[string]Timestamp),
	}
}

// ProcessMessage decodes a raw update message and correlates it. Messages
// that cannot be decoded are skipped.
func (c *Correlator) ProcessMessage(raw []byte) *MotionEvent {
	return c.ProcessFrame(c.Decode(raw))
}

// Decode decodes a raw update message and counts the outcome. It returns nil
// for messages that are not update frames.
func (c *Correlator) Decode(raw []byte) *Frame {
	frame, err := DecodeFrame(raw)
	if err != nil {
		stage := "unknown"
		var de *DecodeError
		if errors.As(err, &de) {
			stage = de.Stage
		}
		metrics.FramesTotal.WithLabelValues("decode_error").Inc()
		c.log.WithError(err).Debug("Skipping unrecognized message")
		c.log.WithField("stage", stage).Trace("Frame decode failed")
		return nil
	}
	metrics.FramesTotal.WithLabelValues("decoded").Inc()
	return frame
}

// ProcessFrame returns a start event, an end event, or nil when the frame
// has nothing to do with motion.
func (c *Correlator) ProcessFrame(f *Frame) *MotionEvent {
	if f == nil {
		return nil
	}
	action := f.Action

	// Smart detections arrive as an event "add" with the start time and a
	// later event "update" carrying the end.
	if action.ModelKey == ModelEvent && action.Action == ActionAdd {
		var p smartAddPayload
		if err := f.Bind(&p); err == nil && p.Type == smartDetectZone && len(p.SmartDetectTypes) > 0 {
			ev := MotionEvent{Camera: p.Camera, Start: p.Start, Type: MotionSmart}
			c.smart.Add(p.ID, ev)
			c.log.WithFields(logrus.Fields{
				"camera": p.Camera,
				"start":  p.Start,
				"types":  p.SmartDetectTypes,
			}).Info("Queuing smart motion start")
			return c.emit(ev)
		}
	}

	if action.ModelKey == ModelEvent && action.Action == ActionUpdate {
		var p updatePayload
		if err := f.Bind(&p); err == nil && p.End > 0 {
			if start, ok := c.smart.Get(action.ID); ok {
				c.smart.Remove(action.ID)
				ev := MotionEvent{Camera: start.Camera, Start: start.Start, End: p.End, Type: MotionSmart}
				c.log.WithFields(logrus.Fields{
					"camera": ev.Camera,
					"score":  p.Score,
				}).Info("Processing smart motion end")
				return c.emit(ev)
			}
		}
	}

	if action.ModelKey == ModelCamera && action.Action == ActionUpdate {
		var p updatePayload
		if err := f.Bind(&p); err != nil || p.LastMotion <= 0 || p.IsMotionDetected == nil {
			return nil
		}
		camera := action.ID

		c.mu.Lock()
		defer c.mu.Unlock()

		if *p.IsMotionDetected {
			// A repeated start overwrites the pending one.
			c.basic[camera] = p.LastMotion
			c.log.WithField("camera", camera).Info("Processing basic motion start")
			return c.emit(MotionEvent{Camera: camera, Start: p.LastMotion, Type: MotionBasic})
		}

		if start, ok := c.basic[camera]; ok {
			delete(c.basic, camera)
			c.log.WithField("camera", camera).Info("Processing basic motion end")
			return c.emit(MotionEvent{Camera: camera, Start: start, End: p.LastMotion, Type: MotionBasic})
		}
	}

	return nil
}

// Pending reports how many smart and basic starts are awaiting their end.
func (c *Correlator) Pending() (smart, basic int) {
	c.mu.Lock()
	basic = len(c.basic)
	c.mu.Unlock()
	return len(c.smart.Keys()), basic
}

func (c *Correlator) emit(ev MotionEvent) *MotionEvent {
	phase := "start"
	if ev.Ended() {
		phase = "end"
	}
	metrics.MotionEventsTotal.WithLabelValues(string(ev.Type), phase).Inc()
	return &ev
}
