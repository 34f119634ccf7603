package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/janovincze/tsbridge/internal/metrics"
)

// RetryPolicy bounds how often one record is offered to the emitter.
type RetryPolicy struct {
	// MaxAttempts counts the first try.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Jitter spreads each wait by up to 25% either way.
	Jitter bool
}

// DefaultRetryPolicy returns the emit policy: a single attempt, so a failed
// record is skipped right away.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Normalize fills in zero fields so the policy can always be executed.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// RetryError is the final failure of an emit after its attempts ran out.
type RetryError struct {
	Err      error
	Attempts int
	LastWait time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retryable is implemented by errors that know whether a retry can help.
// emitter.PublishError is the main implementation.
type Retryable interface {
	IsRetryable() bool
}

// Retryer runs an emit until it succeeds, fails permanently or runs out
// of attempts.
type Retryer struct {
	policy     RetryPolicy
	logger     *slog.Logger
	sourceName string
	stop       <-chan struct{}
}

// NewRetryer creates a new Retryer with the given policy.
func NewRetryer(policy RetryPolicy, logger *slog.Logger) *Retryer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retryer{
		policy: policy.Normalize(),
		logger: logger.With("component", "retryer"),
	}
}

// SetSourceName sets the subscription id used as metric label.
func (r *Retryer) SetSourceName(name string) {
	r.sourceName = name
}

// SetStop makes a closed stop channel end any backoff wait. The attempt in
// flight is never interrupted.
func (r *Retryer) SetStop(stop <-chan struct{}) {
	r.stop = stop
}

// Execute runs operation with ctx. An attempt that fails on its own
// deadline is retried as long as ctx itself is live.
func (r *Retryer) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastWait time.Duration

	for attempt := 1; ; attempt++ {
		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("emit succeeded after retry", "attempt", attempt, "total_wait", lastWait)
			}
			return nil
		}

		if attempt >= r.policy.MaxAttempts || !r.isRetryable(ctx, err) {
			return &RetryError{Err: err, Attempts: attempt, LastWait: lastWait}
		}

		if r.sourceName != "" {
			metrics.EmitRetriesTotal.WithLabelValues(r.sourceName).Inc()
		}
		wait := r.calculateBackoff(attempt)
		lastWait += wait
		r.logger.Debug("retrying emit", "attempt", attempt, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Err: ctx.Err(), Attempts: attempt, LastWait: lastWait}
		case <-r.stop:
			timer.Stop()
			return &RetryError{Err: err, Attempts: attempt, LastWait: lastWait}
		case <-timer.C:
		}
	}
}

func (r *Retryer) isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return !errors.Is(err, context.Canceled)
}

// calculateBackoff calculates the backoff duration for the given attempt.
func (r *Retryer) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.policy.InitialInterval) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if backoff > float64(r.policy.MaxInterval) {
		backoff = float64(r.policy.MaxInterval)
	}

	duration := time.Duration(backoff)

	// ±25%
	if r.policy.Jitter && duration >= 4 {
		jitter := duration / 4
		duration = duration - jitter + time.Duration(rand.Int64N(int64(jitter*2)))
	}

	return duration
}
