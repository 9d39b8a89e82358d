package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/nvr"
	"github.com/technosupport/protect-downloader/internal/nvr/protect"
)

const (
	publishTimeout = 5 * time.Second
	dedupWindow    = 30 * time.Minute
	dedupKeys      = 4096
)

var ErrNoCameras = errors.New("unable to find cameras")

// BootstrapSource provides the console's camera directory.
type BootstrapSource interface {
	Bootstrap(ctx context.Context) (*protect.Bootstrap, error)
}

type Stream interface {
	AddSubscriber(fn nvr.Subscriber)
	SetLastUpdateID(id string)
}

type DownloadQueue interface {
	Enqueue(ev nvr.MotionEvent) bool
}

type Options struct {
	Cameras           []string
	PreferSmartMotion bool
	Publisher         nvr.Publisher
	Logger            logrus.FieldLogger
}

// Controller decides what happens to every motion event coming off the
// update feed: which ones are downloaded and which are announced.
type Controller struct {
	source     BootstrapSource
	queue      DownloadQueue
	correlator *nvr.Correlator
	dedup      *nvr.EventDedup
	publisher  nvr.Publisher
	log        logrus.FieldLogger

	stream Stream

	mu          sync.RWMutex
	all         []protect.Camera
	names       []string
	preferSmart bool
	targets     map[string]protect.Camera
}

func New(source BootstrapSource, queue DownloadQueue, opts Options) *Controller {
	log := logging.Component(opts.Logger, "controller")
	return &Controller{
		source:      source,
		queue:       queue,
		correlator:  nvr.NewCorrelator(nvr.WithCorrelatorLogger(opts.Logger)),
		dedup:       nvr.NewEventDedup(dedupKeys, dedupWindow),
		publisher:   opts.Publisher,
		log:         log,
		names:       opts.Cameras,
		preferSmart: opts.PreferSmartMotion,
		targets:     map[string]protect.Camera{},
	}
}

// Initialize loads the camera directory and resolves the configured camera
// names against it.
func (c *Controller) Initialize(ctx context.Context) error {
	b, err := c.source.Bootstrap(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = b.Cameras
	targets := protect.FilterCameras(c.all, c.names)
	if len(targets) == 0 {
		return ErrNoCameras
	}
	c.setTargets(targets)
	return nil
}

// ApplyFilter swaps the camera selection and motion preference at runtime.
// A selection that matches no camera is rejected and the old one kept.
func (c *Controller) ApplyFilter(names []string, preferSmart bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets := protect.FilterCameras(c.all, names)
	if len(targets) == 0 {
		return ErrNoCameras
	}
	c.names = names
	c.preferSmart = preferSmart
	c.setTargets(targets)
	return nil
}

func (c *Controller) setTargets(targets []protect.Camera) {
	c.targets = make(map[string]protect.Camera, len(targets))
	names := make([]string, 0, len(targets))
	for _, cam := range targets {
		c.targets[cam.ID] = cam
		names = append(names, cam.Name)
	}
	c.log.WithFields(logrus.Fields{
		"cameras":      names,
		"prefer_smart": c.preferSmart,
	}).Info("Target cameras")
}

// Targets returns the selected cameras ordered by name.
func (c *Controller) Targets() []protect.Camera {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protect.Camera, 0, len(c.targets))
	for _, cam := range c.targets {
		out = append(out, cam)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PendingMotion reports motion starts still waiting for their end.
func (c *Controller) PendingMotion() (smart, basic int) {
	return c.correlator.Pending()
}

// Subscribe starts consuming the update feed.
func (c *Controller) Subscribe(s Stream) {
	c.stream = s
	s.AddSubscriber(c.OnMessage)
}

// OnMessage handles one raw message from the update feed. It runs on the
// reader goroutine of the live connection, concurrently with the status API.
func (c *Controller) OnMessage(raw []byte) {
	frame := c.correlator.Decode(raw)
	if frame == nil {
		return
	}

	if id := frame.Action.NewUpdateID; id != "" && c.stream != nil {
		c.stream.SetLastUpdateID(id)
	}

	ev := c.correlator.ProcessFrame(frame)
	if ev == nil {
		return
	}
	c.handle(*ev)
}

func (c *Controller) handle(ev nvr.MotionEvent) {
	c.mu.RLock()
	cam, ok := c.targets[ev.Camera]
	preferSmart := c.preferSmart
	c.mu.RUnlock()
	if !ok {
		return
	}

	if c.dedup.IsDuplicate(nvr.BuildDedupKey(ev)) {
		c.log.WithField("event", ev.String()).Debug("Ignoring replayed motion event")
		return
	}

	if ev.Ended() && shouldDownload(cam, ev, preferSmart) {
		c.queue.Enqueue(ev)
	}
	c.publish(ev, cam)
}

// shouldDownload picks one of the two motion sources per camera. Cameras
// without smart detection only ever report basic motion.
func shouldDownload(cam protect.Camera, ev nvr.MotionEvent, preferSmart bool) bool {
	if !cam.FeatureFlags.HasSmartDetect {
		return true
	}
	if preferSmart {
		return ev.Type == nvr.MotionSmart
	}
	return ev.Type == nvr.MotionBasic
}

func (c *Controller) publish(ev nvr.MotionEvent, cam protect.Camera) {
	if c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	n := nvr.NewNotification(ev, nvr.CameraRef{ID: cam.ID, Name: cam.Name})
	if err := c.publisher.Publish(ctx, n); err != nil {
		c.log.WithError(err).WithField("camera", cam.Name).Warn("Failed to publish motion event")
	}
}
