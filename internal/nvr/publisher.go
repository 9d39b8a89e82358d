package nvr

import (
	"context"
	"encoding/json"
	"errors"
)

// CameraRef names the camera a notification is about.
type CameraRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Notification is the message published for every motion start and end.
type Notification struct {
	Start  Timestamp  `json:"start"`
	End    Timestamp  `json:"end,omitempty"`
	Type   MotionType `json:"type,omitempty"`
	Camera CameraRef  `json:"camera"`
}

func NewNotification(ev MotionEvent, camera CameraRef) Notification {
	return Notification{Start: ev.Start, End: ev.End, Type: ev.Type, Camera: camera}
}

func (n Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// Publisher delivers motion notifications to a message bus.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// MultiPublisher fans a notification out to every configured bus. A failing
// bus does not stop delivery to the others.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
