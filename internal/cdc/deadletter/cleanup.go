package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs cleanup at the top of every hour.
const DefaultCleanupSchedule = "0 * * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule checks a five-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Cleaner runs Manager.Cleanup on a cron schedule.
type Cleaner struct {
	cron    *cron.Cron
	manager Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewCleaner creates a cleaner for m. It does nothing until Start.
func NewCleaner(m Manager, schedule string, timeout time.Duration, logger *slog.Logger) (*Cleaner, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cleaner{
		cron:    cron.New(cron.WithParser(cronParser)),
		manager: m,
		timeout: timeout,
		logger:  logger.With("component", "dead-letter-cleaner"),
	}
	if _, err := c.cron.AddFunc(schedule, c.run); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return c, nil
}

// Start starts the schedule.
func (c *Cleaner) Start() {
	c.cron.Start()
}

// Stop stops the schedule and waits for a running cleanup to finish or ctx
// to expire.
func (c *Cleaner) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cleaner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.manager.Cleanup(ctx)
	if err != nil {
		c.logger.Error("dead letter cleanup failed", "error", err)
		return
	}
	c.logger.Debug("dead letter cleanup finished", "removed", n)
}
