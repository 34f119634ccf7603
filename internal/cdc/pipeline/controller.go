package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
	"github.com/janovincze/tsbridge/internal/cdc/deadletter"
	"github.com/janovincze/tsbridge/internal/cdc/emitter"
	"github.com/janovincze/tsbridge/internal/cdc/source"
	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
	"github.com/janovincze/tsbridge/internal/cdc/subscription"
	"github.com/janovincze/tsbridge/internal/cdc/transcode"
	"github.com/janovincze/tsbridge/internal/metrics"
)

// Namer derives subscription identifiers.
type Namer interface {
	Next() (string, error)
}

// TranscoderFactory builds the row transcoder for a subscription.
type TranscoderFactory func(cfg source.Config) (transcode.Transcoder, error)

// Dependencies are the collaborators of a Controller.
type Dependencies struct {
	Pool    pool.Pool
	Namer   Namer
	Opener  subscription.Opener
	Emitter emitter.Emitter

	// NewTranscoder is optional; the default selects the transcoder from
	// the subscription's mode and target.
	NewTranscoder TranscoderFactory

	// DeadLetter is optional; skipped rows are only logged without it.
	DeadLetter deadletter.Manager
}

// Config holds controller configuration.
type Config struct {
	// Name labels the controller's metrics and logs.
	Name string

	// Retry is applied to each emit.
	Retry RetryPolicy

	// EmitTimeout bounds a single emit attempt. Zero means no bound.
	EmitTimeout time.Duration

	// CloseTimeout bounds closing the subscription during cleanup.
	CloseTimeout time.Duration

	// DeadLetterRetention is how long skipped rows are kept.
	DeadLetterRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:                "default",
		Retry:               DefaultRetryPolicy(),
		EmitTimeout:         10 * time.Second,
		CloseTimeout:        5 * time.Second,
		DeadLetterRetention: 7 * 24 * time.Hour,
	}
}

// Stats holds run statistics.
type Stats struct {
	Polls             int64
	EmptyPolls        int64
	RowsPolled        int64
	RecordsEmitted    int64
	TranscodeFailures int64
	EmitFailures      int64
	DeadLettered      int64
	LastPollAt        time.Time
}

// Controller runs one subscription. It owns exactly one pooled connection
// and one subscription handle for the lifetime of a run, and guarantees
// both are released exactly once however the run ends. A controller runs
// once; a new instance is needed to start again.
type Controller struct {
	deps    Dependencies
	config  Config
	logger  *slog.Logger
	state   *StateMachine
	retryer *Retryer

	// lifecycle serializes Start and Stop. It is a channel so waiting for
	// it can be abandoned when the caller's context ends.
	lifecycle chan struct{}

	mu             sync.RWMutex
	subscriptionID string
	sourceConfig   source.Config
	transcoder     transcode.Transcoder
	conn           pool.Conn
	handle         subscription.Handle
	err            error
	stats          Stats

	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	cleanupOnce sync.Once
	runCancel   context.CancelFunc

	// seq is only touched by the loop goroutine.
	seq int64
}

// New creates a controller in StateIdle.
func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Controller, error) {
	switch {
	case deps.Pool == nil:
		return nil, fmt.Errorf("%w: pipeline: pool is required", cdc.ErrConfig)
	case deps.Namer == nil:
		return nil, fmt.Errorf("%w: pipeline: namer is required", cdc.ErrConfig)
	case deps.Opener == nil:
		return nil, fmt.Errorf("%w: pipeline: opener is required", cdc.ErrConfig)
	case deps.Emitter == nil:
		return nil, fmt.Errorf("%w: pipeline: emitter is required", cdc.ErrConfig)
	}
	if deps.NewTranscoder == nil {
		deps.NewTranscoder = func(cfg source.Config) (transcode.Transcoder, error) {
			return transcode.New(cfg.Mode, cfg.Target())
		}
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline", "source", cfg.Name)

	retryer := NewRetryer(cfg.Retry, logger)
	retryer.SetSourceName(cfg.Name)

	c := &Controller{
		deps:      deps,
		config:    cfg,
		logger:    logger,
		state:     NewStateMachine(),
		retryer:   retryer,
		lifecycle: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.retryer.SetStop(c.stop)

	c.state.AddListener(func(from, to State) {
		metrics.State.WithLabelValues(cfg.Name).Set(float64(to))
		c.logger.Debug("state changed", "from", from, "to", to)
	})
	metrics.State.WithLabelValues(cfg.Name).Set(float64(StateIdle))

	return c, nil
}

// Start acquires a connection, opens the subscription and starts the
// polling loop. On any failure every acquired resource is released, the
// controller ends in StateStopped and the error is returned. Starting a
// controller that is not idle fails with cdc.ErrInvalidTransition.
func (c *Controller) Start(ctx context.Context, cfg source.Config) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	if err := c.state.Transition(StateStarting); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return c.abortStart(err)
	}
	tc, err := c.deps.NewTranscoder(cfg)
	if err != nil {
		return c.abortStart(err)
	}

	conn, err := c.deps.Pool.Acquire(ctx)
	if err != nil {
		return c.abortStart(fmt.Errorf("%w: %w", cdc.ErrConnectionAcquisition, err))
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	id, err := c.deps.Namer.Next()
	if err != nil {
		return c.abortStart(err)
	}

	h, err := c.deps.Opener.Open(ctx, conn, subscription.Spec{
		ID:              id,
		SQL:             cfg.SQL,
		Restart:         cfg.Restart,
		TimestampColumn: cfg.TimestampColumn,
		FetchSize:       cfg.FetchSize,
	})
	if err != nil {
		if !errors.Is(err, cdc.ErrSubscriptionOpen) {
			err = fmt.Errorf("%w: %w", cdc.ErrSubscriptionOpen, err)
		}
		return c.abortStart(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.subscriptionID = id
	c.sourceConfig = cfg
	c.transcoder = tc
	c.handle = h
	c.runCancel = cancel
	c.mu.Unlock()

	if err := c.state.Transition(StateRunning); err != nil {
		cancel()
		return c.abortStart(err)
	}

	c.logger.Info("subscription started",
		"subscription", id,
		"config", cfg,
	)

	go c.run(runCtx, h)
	return nil
}

// Stop asks the loop to exit at its next iteration boundary, waits for it
// and releases the connection and subscription. Stop on an idle or stopped
// controller is a no-op. If ctx ends first Stop returns ctx.Err() and the
// loop still cleans up on its own.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	switch c.state.State() {
	case StateIdle, StateStopped:
		return nil
	case StateRunning:
		// The loop may move to Stopping on its own when it fails.
		_ = c.state.Transition(StateStopping)
	}

	c.logger.Info("stopping subscription", "subscription", c.SubscriptionID())
	c.stopOnce.Do(func() { close(c.stop) })

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.cleanup()
	return nil
}

// Done is closed once the loop has exited and every resource is released.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal outcome of the run: nil while running or after a
// clean stop, otherwise the error that ended it.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// State returns the current run state.
func (c *Controller) State() State {
	return c.state.State()
}

// SubscriptionID returns the id of the current subscription, if any.
func (c *Controller) SubscriptionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptionID
}

// Stats returns the current run statistics.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Controller) lock(ctx context.Context) error {
	select {
	case c.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) unlock() {
	<-c.lifecycle
}

// abortStart ends a failed Start: it releases whatever was acquired, moves
// to StateStopped and closes Done.
func (c *Controller) abortStart(err error) error {
	c.logger.Error("failed to start subscription", "error", err)
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.cleanup()
	close(c.done)
	return err
}

// cleanup is the single release path of a run. It closes the subscription
// without draining, returns the connection and moves to StateStopped. Only
// the first call has any effect.
func (c *Controller) cleanup() {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		h, conn := c.handle, c.conn
		c.handle, c.conn = nil, nil
		c.mu.Unlock()

		if h != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.CloseTimeout)
			if _, err := h.Close(ctx, false); err != nil {
				c.logger.Warn("failed to close subscription", "subscription", h.ID(), "error", err)
			}
			cancel()
		}
		if conn != nil {
			c.deps.Pool.Release(conn)
		}

		if err := c.state.Transition(StateStopped); err != nil {
			c.logger.Warn("unexpected state at cleanup", "error", err)
		}
	})
}

func (c *Controller) run(ctx context.Context, h subscription.Handle) {
	err := c.loop(ctx, h)
	if err != nil {
		c.logger.Error("subscription loop failed", "subscription", h.ID(), "error", err)
		_ = c.state.Transition(StateStopping)
		c.drain(ctx, h)
	}

	c.mu.Lock()
	c.err = err
	cancel := c.runCancel
	c.mu.Unlock()

	c.cleanup()
	cancel()
	close(c.done)

	c.logger.Info("subscription stopped", "subscription", h.ID(), "stats", c.Stats())
}

func (c *Controller) loop(ctx context.Context, h subscription.Handle) error {
	c.mu.RLock()
	timeout := c.sourceConfig.PollTimeout
	c.mu.RUnlock()

	for {
		select {
		case <-c.stop:
			return nil
		default:
		}

		start := time.Now()
		batch, err := h.Poll(ctx, timeout)
		metrics.PollDuration.WithLabelValues(c.config.Name).Observe(time.Since(start).Seconds())

		c.mu.Lock()
		c.stats.Polls++
		c.stats.LastPollAt = start
		if err == nil && batch.Empty() {
			c.stats.EmptyPolls++
		}
		c.stats.RowsPolled += int64(len(batch))
		c.mu.Unlock()

		if err != nil {
			metrics.PollsTotal.WithLabelValues(c.config.Name, metrics.PollResultError).Inc()
			return fmt.Errorf("%w: %w", cdc.ErrPoll, err)
		}
		if batch.Empty() {
			metrics.PollsTotal.WithLabelValues(c.config.Name, metrics.PollResultEmpty).Inc()
			continue
		}
		metrics.PollsTotal.WithLabelValues(c.config.Name, metrics.PollResultRows).Inc()
		metrics.RowsTotal.WithLabelValues(c.config.Name).Add(float64(len(batch)))

		c.process(ctx, h.ID(), batch)
	}
}

// drain delivers the rows the handle still holds after a fatal poll error.
func (c *Controller) drain(ctx context.Context, h subscription.Handle) {
	closeCtx, cancel := context.WithTimeout(ctx, c.config.CloseTimeout)
	defer cancel()

	rows, err := h.Close(closeCtx, true)
	if err != nil {
		c.logger.Warn("failed to drain subscription", "subscription", h.ID(), "error", err)
	}
	if len(rows) > 0 {
		c.logger.Info("delivering drained rows", "subscription", h.ID(), "rows", len(rows))
		c.process(ctx, h.ID(), rows)
	}
}

// process transcodes and emits a batch strictly in order. Failures are
// contained to the row or record they occur on.
func (c *Controller) process(ctx context.Context, id string, batch cdc.RowBatch) {
	c.mu.RLock()
	tc := c.transcoder
	c.mu.RUnlock()

	for _, row := range batch {
		c.seq++
		seq := c.seq

		records, err := tc.Transcode(row)
		if err != nil {
			c.skip(ctx, id, seq, row, wrapIfNot(err, cdc.ErrTranscode), deadletter.ErrorTypeTranscode)
			continue
		}

		for _, rec := range records {
			rec = rec.WithMetadata(cdc.MetaSubscription, id).
				WithMetadata(cdc.MetaSequence, strconv.FormatInt(seq, 10))

			if err := c.emit(ctx, rec); err != nil {
				c.skip(ctx, id, seq, row, wrapIfNot(err, cdc.ErrEmit), deadletter.ErrorTypeEmit)
				continue
			}

			c.mu.Lock()
			c.stats.RecordsEmitted++
			c.mu.Unlock()
			metrics.RecordsEmittedTotal.WithLabelValues(c.config.Name, rec.Target()).Inc()
		}
	}
}

func (c *Controller) emit(ctx context.Context, rec cdc.OutputRecord) error {
	return c.retryer.Execute(ctx, func(ctx context.Context) error {
		if c.config.EmitTimeout <= 0 {
			return c.deps.Emitter.Emit(ctx, rec)
		}
		emitCtx, cancel := context.WithTimeout(ctx, c.config.EmitTimeout)
		defer cancel()
		return c.deps.Emitter.Emit(emitCtx, rec)
	})
}

func (c *Controller) skip(ctx context.Context, id string, seq int64, row cdc.Row, err error, errType deadletter.ErrorType) {
	c.logger.Warn("skipping row",
		"subscription", id,
		"sequence", seq,
		"error_type", errType,
		"error", err,
	)

	c.mu.Lock()
	if errType == deadletter.ErrorTypeTranscode {
		c.stats.TranscodeFailures++
	} else {
		c.stats.EmitFailures++
	}
	target := c.sourceConfig.Target().Path()
	c.mu.Unlock()
	metrics.RowErrorsTotal.WithLabelValues(c.config.Name, string(errType)).Inc()

	if c.deps.DeadLetter == nil {
		return
	}

	failed, ferr := deadletter.FromRow(id, target, seq, row, err, errType, c.config.DeadLetterRetention)
	if ferr != nil {
		c.logger.Error("failed to encode dead letter row", "sequence", seq, "error", ferr)
		return
	}
	if werr := c.deps.DeadLetter.Write(ctx, failed); werr != nil {
		c.logger.Error("failed to write dead letter row", "sequence", seq, "error", werr)
		return
	}

	c.mu.Lock()
	c.stats.DeadLettered++
	c.mu.Unlock()
	metrics.DeadLetterTotal.WithLabelValues(c.config.Name).Inc()
}

func wrapIfNot(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
