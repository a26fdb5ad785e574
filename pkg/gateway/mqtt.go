package gateway

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/deskpal/deskpal/pkg/mqtt"
)

// MQTTConfig configures the MQTT transport. Frames travel as message
// payloads on a topic pair.
type MQTTConfig struct {
	// URL is the broker address, e.g. "tcp://host:1883".
	URL string

	// ClientID identifies the MQTT session.
	ClientID string

	// Username and Password are optional broker credentials.
	Username string
	Password string

	// PublishTopic carries client-to-gateway frames.
	PublishTopic string

	// SubscribeTopic carries gateway-to-client frames.
	SubscribeTopic string

	// KeepAlive is the MQTT keepalive interval. Defaults to 30 s.
	KeepAlive time.Duration

	// TLSConfig applies to tls and wss broker schemes.
	TLSConfig *tls.Config
}

// MQTTTransport carries frames over an MQTT topic pair. Readiness is
// CONNACK and SUBACK driven: the dial does not return until the
// subscription is acknowledged, so no frame can be missed.
type MQTTTransport struct {
	client *mqtt.Client
	topic  string
}

var _ Transport = (*MQTTTransport)(nil)

// MQTTDial returns a DialFunc connecting through an MQTT broker.
func MQTTDial(cfg MQTTConfig) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		keepAlive := cfg.KeepAlive
		if keepAlive <= 0 {
			keepAlive = 30 * time.Second
		}
		client, err := mqtt.Connect(ctx, mqtt.Config{
			URL:       cfg.URL,
			ClientID:  cfg.ClientID,
			Username:  cfg.Username,
			Password:  cfg.Password,
			KeepAlive: keepAlive,
			TLSConfig: cfg.TLSConfig,
		})
		if err != nil {
			return nil, err
		}
		if err := client.Subscribe(ctx, cfg.SubscribeTopic); err != nil {
			client.Close()
			return nil, err
		}
		return &MQTTTransport{client: client, topic: cfg.PublishTopic}, nil
	}
}

func (t *MQTTTransport) Send(_ context.Context, data []byte) error {
	return t.client.Publish(t.topic, data)
}

func (t *MQTTTransport) Recv() ([]byte, error) {
	msg, err := t.client.Recv(context.Background())
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func (t *MQTTTransport) Close() error {
	return t.client.Close()
}
