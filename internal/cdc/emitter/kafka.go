package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/janovincze/tsbridge/internal/cdc"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20
	DefaultKafkaBatchTimeout = 5 * time.Millisecond
)

func init() {
	Register("kafka", func(cfg Config) (Emitter, error) {
		kc := DefaultKafkaConfig(cfg.Brokers)
		if cfg.BatchSize > 0 {
			kc.BatchSize = cfg.BatchSize
		}
		kc.Topic = cfg.Topic
		kc.TopicPrefix = cfg.TopicPrefix
		kc.Codec = cfg.Codec
		return NewKafka(kc)
	})
}

// KafkaConfig configures the Kafka emitter.
type KafkaConfig struct {
	Brokers          []string
	Topic            string
	TopicPrefix      string
	Codec            Codec
	BatchSize        int
	BatchBytes       int64
	BatchTimeout     time.Duration
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig returns a KafkaConfig with durable defaults.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		Codec:            CodecJSON,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// Kafka publishes records to Kafka. Writes are synchronous and partitioned
// by routing target, so rows of one table stay in order.
type Kafka struct {
	writer *kafka.Writer
	config KafkaConfig
}

// NewKafka creates a Kafka emitter.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka emitter requires at least one broker address", cdc.ErrConfig)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultKafkaBatchSize
	}
	if cfg.BatchBytes == 0 {
		cfg.BatchBytes = DefaultKafkaBatchBytes
	}
	// A synchronous write of one message still waits out the batch timeout.
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = DefaultKafkaBatchTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchBytes:             cfg.BatchBytes,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           cfg.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
	}
	return &Kafka{writer: writer, config: cfg}, nil
}

// Emit writes rec with its metadata as message headers.
func (k *Kafka) Emit(ctx context.Context, rec cdc.OutputRecord) error {
	msg, err := k.message(rec)
	if err != nil {
		return Permanent(err)
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return classifyKafka(fmt.Errorf("write to %s: %w", msg.Topic, err))
	}
	return nil
}

func (k *Kafka) message(rec cdc.OutputRecord) (kafka.Message, error) {
	value, err := Encode(rec, k.config.Codec)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := make([]kafka.Header, 0, len(rec.Metadata))
	for _, p := range rec.Metadata {
		headers = append(headers, kafka.Header{Key: p.Key, Value: []byte(p.Value)})
	}
	return kafka.Message{
		Topic:   TopicFor(rec, k.config.Topic, k.config.TopicPrefix),
		Key:     []byte(partitionKey(rec)),
		Value:   value,
		Headers: headers,
	}, nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
