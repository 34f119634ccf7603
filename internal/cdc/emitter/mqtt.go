package emitter

import (
	"context"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/janovincze/tsbridge/internal/cdc"
)

func init() {
	Register("mqtt", func(cfg Config) (Emitter, error) {
		if cfg.MQTTBroker == "" {
			return nil, fmt.Errorf("%w: mqtt emitter requires mqtt_broker", cdc.ErrConfig)
		}
		clientID := cfg.MQTTClientID
		if clientID == "" {
			clientID = "tsbridge"
		}
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTTBroker).
			SetClientID(clientID).
			SetCleanSession(false).
			SetAutoReconnect(true)

		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("connect to %s: %w", cfg.MQTTBroker, token.Error())
		}
		return NewMQTT(client, MQTTConfig{
			Topic:       cfg.Topic,
			TopicPrefix: cfg.TopicPrefix,
			QoS:         cfg.MQTTQoS,
			Codec:       cfg.Codec,
		})
	})
}

// MQTTConfig configures the MQTT emitter.
type MQTTConfig struct {
	Topic       string
	TopicPrefix string
	QoS         byte
	Codec       Codec
}

// MQTT publishes records to an MQTT broker. MQTT 3.1.1 has no headers, so
// only the routing target survives, as the topic.
type MQTT struct {
	client mqtt.Client
	config MQTTConfig
}

// NewMQTT creates an MQTT emitter on a connected client.
func NewMQTT(client mqtt.Client, cfg MQTTConfig) (*MQTT, error) {
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos must be 0, 1 or 2, got %d", cdc.ErrConfig, cfg.QoS)
	}
	return &MQTT{client: client, config: cfg}, nil
}

// Emit publishes rec and waits for the broker to acknowledge it.
func (m *MQTT) Emit(ctx context.Context, rec cdc.OutputRecord) error {
	payload, err := Encode(rec, m.config.Codec)
	if err != nil {
		return Permanent(err)
	}
	topic := mqttTopic(TopicFor(rec, m.config.Topic, m.config.TopicPrefix))

	token := m.client.Publish(topic, m.config.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return classifyMQTT(fmt.Errorf("publish to %s: %w", topic, err))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

// mqttTopic turns a dotted routing path into an MQTT topic.
func mqttTopic(path string) string {
	return strings.ReplaceAll(path, ".", "/")
}
