package nvr

import (
	"fmt"
	"time"
)

// Timestamp is a Protect timestamp: milliseconds since the Unix epoch.
type Timestamp int64

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

type MotionType string

const (
	MotionSmart MotionType = "smart"
	MotionBasic MotionType = "basic"
)

// Action values and model keys found in the update feed.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionRemove = "remove"

	ModelEvent  = "event"
	ModelCamera = "camera"
)

// smartDetectZone is the event type Protect uses for smart detections.
const smartDetectZone = "smartDetectZone"

// MotionEvent describes a motion interval on one camera. A start event has a
// zero End; an end event carries both timestamps.
type MotionEvent struct {
	Camera string     `json:"camera"`
	Start  Timestamp  `json:"start"`
	End    Timestamp  `json:"end,omitempty"`
	Type   MotionType `json:"type,omitempty"`
}

// Ended reports whether this is a completed motion interval.
func (e MotionEvent) Ended() bool {
	return e.End > 0
}

// Duration is zero for start events.
func (e MotionEvent) Duration() time.Duration {
	if !e.Ended() {
		return 0
	}
	return time.Duration(e.End-e.Start) * time.Millisecond
}

func (e MotionEvent) String() string {
	if e.Ended() {
		return fmt.Sprintf("%s motion on %s [%d-%d]", e.Type, e.Camera, e.Start, e.End)
	}
	return fmt.Sprintf("%s motion on %s [%d-]", e.Type, e.Camera, e.Start)
}
