package emitter

import (
	"errors"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// PublishError is an emit failure the emitter could classify. Unclassified
// failures are returned as is and treated as retryable.
type PublishError struct {
	Err       error
	Temporary bool
}

func (e *PublishError) Error() string {
	return e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether publishing the same record again may succeed.
func (e *PublishError) IsRetryable() bool {
	return e.Temporary
}

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Err: err}
}

// Temporary marks err as a failure that may clear on retry.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Err: err, Temporary: true}
}

// classifyKafka uses the broker error code. A single-message write reports
// its failure as the only entry of kafka.WriteErrors.
func classifyKafka(err error) error {
	cause := err
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil {
				cause = e
				break
			}
		}
	}
	var kerr kafka.Error
	if errors.As(cause, &kerr) {
		return &PublishError{Err: err, Temporary: kerr.Temporary()}
	}
	return err
}

func classifyNats(err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrConnectionClosed):
		return Permanent(err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionReconnecting):
		return Temporary(err)
	}
	return err
}

// redisTransient lists server replies that clear on their own.
var redisTransient = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"}

func classifyRedis(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return Permanent(err)
	}
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return err
	}
	for _, prefix := range redisTransient {
		if redis.HasErrorPrefix(err, prefix) {
			return Temporary(err)
		}
	}
	return Permanent(err)
}

func classifyMQTT(err error) error {
	if errors.Is(err, mqtt.ErrNotConnected) {
		return Temporary(err)
	}
	return err
}
