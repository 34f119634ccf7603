package cdc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfig is returned when required settings are missing or invalid.
	ErrConfig = errors.New("tsbridge: invalid configuration")

	// ErrResourceExhausted is returned when no pooled connection became
	// available within the bounded wait.
	ErrResourceExhausted = errors.New("tsbridge: connection pool exhausted")

	// ErrConnectionAcquisition is returned by Start when a connection could
	// not be obtained.
	ErrConnectionAcquisition = errors.New("tsbridge: connection acquisition failed")

	// ErrSubscriptionOpen is returned when the server-side cursor could not
	// be established.
	ErrSubscriptionOpen = errors.New("tsbridge: subscription open failed")

	// ErrClockSkew is returned when the id generator sees the clock move
	// backward.
	ErrClockSkew = errors.New("tsbridge: clock moved backwards")

	// ErrPoll is returned when a poll fails at the transport level.
	ErrPoll = errors.New("tsbridge: subscription poll failed")

	// ErrTranscode is returned when a row cannot be transcoded.
	ErrTranscode = errors.New("tsbridge: row transcode failed")

	// ErrEmit is returned when a record cannot be handed downstream.
	ErrEmit = errors.New("tsbridge: emit failed")

	// ErrInvalidTransition is returned for a run state change that is not
	// allowed.
	ErrInvalidTransition = errors.New("tsbridge: invalid state transition")
)

// ClockSkewError reports a clock regression seen by the id generator.
type ClockSkewError struct {
	// LastMillis is the last millisecond an id was issued for.
	LastMillis int64

	// NowMillis is the millisecond the clock reported.
	NowMillis int64
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("clock moved backwards by %s, refusing to generate id",
		time.Duration(e.LastMillis-e.NowMillis)*time.Millisecond)
}

// Is reports ErrClockSkew as the sentinel of this error.
func (e *ClockSkewError) Is(target error) bool {
	return target == ErrClockSkew
}
