package emitter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// Limited throttles an emitter to a fixed record rate.
type Limited struct {
	next    Emitter
	limiter *rate.Limiter
}

// RateLimited wraps e so that at most perSecond records are emitted per
// second, with bursts of up to burst records.
func RateLimited(e Emitter, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: e, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Emit waits for the limiter, then forwards rec.
func (l *Limited) Emit(ctx context.Context, rec cdc.OutputRecord) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.Emit(ctx, rec)
}

// Close closes the wrapped emitter.
func (l *Limited) Close() error {
	return l.next.Close()
}
