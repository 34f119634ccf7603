package health

import (
	"context"
	"fmt"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc/pipeline"
	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
	"github.com/janovincze/tsbridge/internal/metrics"
)

// Controller is the view of a pipeline controller the checker needs.
type Controller interface {
	State() pipeline.State
	SubscriptionID() string
	Err() error
}

// ControllerChecker maps the run state of a controller to a health status.
type ControllerChecker struct {
	name       string
	controller Controller
}

// NewControllerChecker creates a checker for c.
func NewControllerChecker(name string, c Controller) *ControllerChecker {
	return &ControllerChecker{name: name, controller: c}
}

// Name returns the component name.
func (c *ControllerChecker) Name() string {
	return c.name
}

// Check reports Running as healthy, Starting and Stopping as degraded and
// anything else as unhealthy.
func (c *ControllerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.controller.State()
	result := CheckResult{
		Name:      c.name,
		LastCheck: start,
		Message:   fmt.Sprintf("subscription %q is %s", c.controller.SubscriptionID(), state),
	}

	switch state {
	case pipeline.StateRunning:
		result.Status = StatusHealthy
	case pipeline.StateStarting, pipeline.StateStopping:
		result.Status = StatusDegraded
	default:
		result.Status = StatusUnhealthy
		if err := c.controller.Err(); err != nil {
			result.Error = err.Error()
		}
	}
	result.Duration = time.Since(start)
	return result
}

// Pinger is a pool that can be pinged and reports its usage.
type Pinger interface {
	Ping(ctx context.Context) error
	Stats() pool.Stats
}

// PoolChecker pings the source pool and publishes its usage as metrics.
type PoolChecker struct {
	name string
	pool Pinger
}

// NewPoolChecker creates a checker for p.
func NewPoolChecker(name string, p Pinger) *PoolChecker {
	return &PoolChecker{name: name, pool: p}
}

// Name returns the component name.
func (c *PoolChecker) Name() string {
	return c.name
}

// Check pings the pool.
func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, LastCheck: start}

	err := c.pool.Ping(ctx)
	result.Duration = time.Since(start)

	stats := c.pool.Stats()
	metrics.PoolConnections.WithLabelValues("acquired").Set(float64(stats.Acquired))
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	metrics.PoolConnections.WithLabelValues("total").Set(float64(stats.Total))
	metrics.PoolConnections.WithLabelValues("max").Set(float64(stats.Max))

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "source database unreachable"
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d/%d connections in use", stats.Acquired, stats.Max)
	return result
}

// FuncChecker adapts a function to the Checker interface.
type FuncChecker struct {
	name  string
	check func(ctx context.Context) (Status, string, error)
}

// NewFuncChecker creates a checker backed by check.
func NewFuncChecker(name string, check func(ctx context.Context) (Status, string, error)) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the component name.
func (c *FuncChecker) Name() string {
	return c.name
}

// Check calls the wrapped function.
func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, msg, err := c.check(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   msg,
		LastCheck: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

var (
	_ Checker = (*ControllerChecker)(nil)
	_ Checker = (*PoolChecker)(nil)
	_ Checker = (*FuncChecker)(nil)
	_ Pinger  = (*pool.PgxPool)(nil)
)
