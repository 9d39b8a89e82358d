package nvr

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/metrics"
)

const (
	mqttQoS            = 1
	mqttRetryInterval  = 30 * time.Second
	mqttDisconnectWait = 250 // ms

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

type MQTTConfig struct {
	Broker   string
	Prefix   string
	ClientID string
}

// MQTTPublisher publishes retained motion notifications under
// <prefix>/<camera id>/motion and keeps <prefix>/availability current
// through a last will.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	log    logrus.FieldLogger
}

// NewMQTTPublisher starts connecting in the background; the client keeps
// retrying until the broker is reachable.
func NewMQTTPublisher(cfg MQTTConfig, logger logrus.FieldLogger) *MQTTPublisher {
	p := &MQTTPublisher{
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		log:    logging.Component(logger, "mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	opts.SetWill(p.availabilityTopic(), availabilityOffline, mqttQoS, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(mqttRetryInterval)
	opts.SetMaxReconnectInterval(mqttRetryInterval)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.WithError(err).Warn("MQTT connection lost, will reconnect after a delay")
	})

	p.client = mqtt.NewClient(opts)
	p.log.WithField("broker", cfg.Broker).Info("Connecting to MQTT broker")
	p.client.Connect()
	return p
}

func newMQTTPublisherWithClient(client mqtt.Client, prefix string, logger logrus.FieldLogger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    logging.Component(logger, "mqtt"),
	}
}

func brokerURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "tcp://" + host
}

func (p *MQTTPublisher) availabilityTopic() string {
	return p.prefix + "/availability"
}

func (p *MQTTPublisher) motionTopic(cameraID string) string {
	return fmt.Sprintf("%s/%s/motion", p.prefix, cameraID)
}

func (p *MQTTPublisher) onConnect(c mqtt.Client) {
	p.log.Info("Connected to MQTT broker")
	token := c.Publish(p.availabilityTopic(), mqttQoS, true, availabilityOnline)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			p.log.WithError(token.Error()).Warn("Failed to publish availability")
		}
	}()
}

func (p *MQTTPublisher) Publish(ctx context.Context, n Notification) error {
	payload, err := n.Marshal()
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	topic := p.motionTopic(n.Camera.ID)
	token := p.client.Publish(topic, mqttQoS, true, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		metrics.PublishTotal.WithLabelValues("mqtt", "timeout").Inc()
		return fmt.Errorf("mqtt publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		metrics.PublishTotal.WithLabelValues("mqtt", "error").Inc()
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	metrics.PublishTotal.WithLabelValues("mqtt", "ok").Inc()
	p.log.WithFields(logrus.Fields{"topic": topic, "size": len(payload)}).Debug("Motion notification published")
	return nil
}

// Close marks the service offline and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Publish(p.availabilityTopic(), mqttQoS, true, availabilityOffline).WaitTimeout(time.Second)
	}
	p.client.Disconnect(mqttDisconnectWait)
	p.log.Info("MQTT disconnected")
	return nil
}
