// Package simerr defines the error taxonomy shared by the simulation core.
//
// Errors fall into two classes: fatal errors that invalidate the timeline
// (out-of-order data, clock regression) and abort the run, and rejections
// that are reported back to the strategy while the run continues.
package simerr

import (
	"errors"
	"fmt"
)

// Standard error functions, re-exported for call sites that already import
// this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Sentinel rejections. These never abort a run; they are surfaced to the
// strategy as order rejections.
var (
	// ErrInsufficientBalance indicates an order action that would violate
	// the configured balance constraints.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPolicyRejection indicates an order rejected by the configured
	// trading rules, e.g. a crossing order under strict limit-only mode.
	ErrPolicyRejection = errors.New("order rejected by trading policy")

	// ErrOrderNotFound indicates a cancel or lookup for an unknown order id.
	ErrOrderNotFound = errors.New("order not found")
)

// OutOfOrderEventError is returned when a market event's
// (exchange timestamp, sequence) regresses relative to the last event
// applied for the same instrument. Timeline integrity cannot be trusted
// past this point, so the error is fatal.
type OutOfOrderEventError struct {
	Instrument string
	LastTS     int64
	LastSeq    uint64
	TS         int64
	Seq        uint64
}

func (e *OutOfOrderEventError) Error() string {
	return fmt.Sprintf("out-of-order event for %s: (%d,%d) after (%d,%d)",
		e.Instrument, e.TS, e.Seq, e.LastTS, e.LastSeq)
}

// ClockRegressionError is returned when the simulation clock would be moved
// backward. It indicates a scheduling bug or corrupt input and is fatal.
type ClockRegressionError struct {
	Current int64
	Target  int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("clock regression: current=%d target=%d", e.Current, e.Target)
}

// DataError wraps a malformed-input failure from the event stream source.
// It is fatal for the same reason as OutOfOrderEventError.
type DataError struct {
	Offset int64
	Err    error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("malformed market data at record %d: %v", e.Offset, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// IsFatal reports whether err invalidates the simulation timeline and must
// abort the run. Rejections and informational conditions are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var oo *OutOfOrderEventError
	var cr *ClockRegressionError
	var de *DataError
	return errors.As(err, &oo) || errors.As(err, &cr) || errors.As(err, &de)
}
