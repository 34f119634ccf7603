package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// PayloadField is the stream entry field holding the message body.
const PayloadField = "payload"

func init() {
	Register("redis", func(cfg Config) (Emitter, error) {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("%w: redis emitter requires redis_addr", cdc.ErrConfig)
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}

		return NewRedis(client, RedisConfig{
			Stream:      cfg.Topic,
			TopicPrefix: cfg.TopicPrefix,
			MaxLen:      cfg.RedisMaxLen,
			Codec:       cfg.Codec,
		}), nil
	})
}

// RedisConfig configures the Redis streams emitter.
type RedisConfig struct {
	Stream      string
	TopicPrefix string
	Codec       Codec

	// MaxLen approximately caps each stream when positive.
	MaxLen int64
}

// Redis appends records to Redis streams. Each metadata pair becomes a field
// of the stream entry next to the payload.
type Redis struct {
	client *redis.Client
	config RedisConfig
}

// NewRedis creates a Redis emitter on an existing client.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{client: client, config: cfg}
}

// Emit appends rec to its stream.
func (r *Redis) Emit(ctx context.Context, rec cdc.OutputRecord) error {
	args, err := redisArgs(rec, r.config)
	if err != nil {
		return Permanent(err)
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return classifyRedis(fmt.Errorf("xadd %s: %w", args.Stream, err))
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func redisArgs(rec cdc.OutputRecord, cfg RedisConfig) (*redis.XAddArgs, error) {
	data, err := Encode(rec, cfg.Codec)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, 2*len(rec.Metadata)+2)
	for _, p := range rec.Metadata {
		values = append(values, p.Key, p.Value)
	}
	values = append(values, PayloadField, data)

	args := &redis.XAddArgs{
		Stream: TopicFor(rec, cfg.Stream, cfg.TopicPrefix),
		Values: values,
	}
	if cfg.MaxLen > 0 {
		args.MaxLen = cfg.MaxLen
		args.Approx = true
	}
	return args, nil
}
