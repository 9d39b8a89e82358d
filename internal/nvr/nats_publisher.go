package nvr

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/protect-downloader/internal/metrics"
)

// natsConn is the part of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subj string, data []byte) error
}

type NATSPublisher struct {
	conn       natsConn
	nc         *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, subject string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		nc:         conn,
		subject:    subject,
		maxRetries: maxRetries,
	}
}

// Subject returns <subject>.<camera id>.motion.
func (p *NATSPublisher) Subject(cameraID string) string {
	return fmt.Sprintf("%s.%s.motion", p.subject, cameraID)
}

func (p *NATSPublisher) Publish(ctx context.Context, n Notification) error {
	data, err := n.Marshal()
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subj := p.Subject(n.Camera.ID)
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subj, data)
		if err == nil {
			metrics.PublishTotal.WithLabelValues("nats", "ok").Inc()
			return nil
		}

		// Backoff
		select {
		case <-ctx.Done():
			metrics.PublishTotal.WithLabelValues("nats", "timeout").Inc()
			return ctx.Err()
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}

	metrics.PublishTotal.WithLabelValues("nats", "error").Inc()
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
