// Package emitter hands output records to the downstream event pipeline.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// DefaultTopic is used for records that carry no routing target.
const DefaultTopic = "tsbridge.rows"

// Emitter publishes output records.
type Emitter interface {
	// Emit publishes one record. It returns once the record is accepted
	// downstream or failed.
	Emit(ctx context.Context, rec cdc.OutputRecord) error

	// Close releases the emitter's resources.
	Close() error
}

// Codec selects how structured payloads are serialized.
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// Config configures an emitter built through the registry. Only the fields
// of the selected type are used.
type Config struct {
	// Type names the registered emitter.
	Type string `yaml:"type"`

	// Topic, when set, receives every record. Otherwise the topic is
	// TopicPrefix followed by the record's routing target.
	Topic       string `yaml:"topic"`
	TopicPrefix string `yaml:"topic_prefix"`

	// Codec serializes structured payloads.
	Codec Codec `yaml:"codec"`

	// Timeout bounds a single publish.
	Timeout time.Duration `yaml:"timeout"`

	// Kafka.
	Brokers   []string `yaml:"brokers"`
	BatchSize int      `yaml:"batch_size"`

	// NATS.
	NatsURL   string `yaml:"nats_url"`
	JetStream bool   `yaml:"jetstream"`

	// Redis streams.
	RedisAddr   string `yaml:"redis_addr"`
	RedisMaxLen int64  `yaml:"redis_max_len"`

	// MQTT.
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	MQTTQoS      byte   `yaml:"mqtt_qos"`

	// RateLimit caps records per second when positive.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// Factory builds an emitter from its configuration.
type Factory func(cfg Config) (Emitter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an emitter type available to New.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Types returns the registered emitter names in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the emitter named by cfg.Type, wrapped in a rate limiter when
// cfg.RateLimit is set.
func New(cfg Config) (Emitter, error) {
	if cfg.Codec == "" {
		cfg.Codec = CodecJSON
	}
	if cfg.Codec != CodecJSON && cfg.Codec != CodecMsgpack {
		return nil, fmt.Errorf("%w: unsupported codec %q", cdc.ErrConfig, cfg.Codec)
	}

	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown emitter type %q (available: %s)",
			cdc.ErrConfig, cfg.Type, strings.Join(Types(), ", "))
	}

	e, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s emitter: %w", cfg.Type, err)
	}
	if cfg.RateLimit > 0 {
		e = RateLimited(e, cfg.RateLimit, cfg.RateBurst)
	}
	return e, nil
}

// TopicFor resolves the destination of rec.
func TopicFor(rec cdc.OutputRecord, fixed, prefix string) string {
	if fixed != "" {
		return fixed
	}
	target := rec.Target()
	if target == "" {
		return DefaultTopic
	}
	return prefix + target
}

// Encode returns the message body of rec.
func Encode(rec cdc.OutputRecord, codec Codec) ([]byte, error) {
	if !rec.Structured() {
		return rec.Payload, nil
	}
	switch codec {
	case CodecMsgpack:
		return msgpack.Marshal(rec.Value)
	case CodecJSON, "":
		return json.Marshal(rec.Value)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// partitionKey keeps the records of one table together.
func partitionKey(rec cdc.OutputRecord) string {
	if t := rec.Target(); t != "" {
		return t
	}
	id, _ := rec.Metadata.Get(cdc.MetaSubscription)
	return id
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
