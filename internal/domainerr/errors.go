// Package domainerr defines the error taxonomy surfaced by quoting, relay building and
// balance aggregation.
package domainerr

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Sentinels matched by errors.Is against the typed errors below
var (
	ErrRemoteUnavailable   = errors.New("remote unavailable")
	ErrBoundaryViolation   = errors.New("amount outside bridge limits")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSimulationFailed    = errors.New("simulation failed")
	ErrStaleQuote          = errors.New("stale quote")
	ErrSuperseded          = errors.New("request superseded by a newer one")
)

// RemoteUnavailableError reports that one remote dependency could not be reached
type RemoteUnavailableError struct {
	Service string
	Timeout bool
	Err     error
}

func (e *RemoteUnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

func (e *RemoteUnavailableError) Is(target error) bool { return target == ErrRemoteUnavailable }

// Remote wraps err as a RemoteUnavailableError, flagging context deadlines as timeouts.
// A nil err returns nil.
func Remote(service string, err error) error {
	if err == nil {
		return nil
	}
	var existing *RemoteUnavailableError
	if errors.As(err, &existing) {
		return err
	}
	return &RemoteUnavailableError{
		Service: service,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// Bound names which side of the bridge limits was violated
type Bound string

const (
	BoundMin Bound = "min"
	BoundMax Bound = "max"
)

// BoundaryViolationError reports an amount outside [min, max]
type BoundaryViolationError struct {
	Bound  Bound
	Limit  *big.Int
	Amount *big.Int
	Token  string
}

func (e *BoundaryViolationError) Error() string {
	if e.Bound == BoundMin {
		return fmt.Sprintf("amount %s of %s is below bridge minimum %s", e.Amount, e.Token, e.Limit)
	}
	return fmt.Sprintf("amount %s of %s is above bridge maximum %s", e.Amount, e.Token, e.Limit)
}

func (e *BoundaryViolationError) Is(target error) bool { return target == ErrBoundaryViolation }

// BalanceKind distinguishes the transferred token from the gas-payment token
type BalanceKind string

const (
	BalanceTransfer BalanceKind = "transfer"
	BalanceGas      BalanceKind = "gas"
)

// InsufficientBalanceError reports a shortfall for a specific token
type InsufficientBalanceError struct {
	Kind      BalanceKind
	Token     string
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s token balance for %s: required %s, available %s",
		e.Kind, e.Token, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// SimulationFailedError carries a decoded revert
type SimulationFailedError struct {
	Name   string // decoded error name, empty when decoding failed
	Args   []interface{}
	Reason string
	Data   []byte
}

func (e *SimulationFailedError) Error() string {
	if e.Name == "" {
		return "simulation failed"
	}
	if e.Reason != "" {
		return fmt.Sprintf("simulation failed: %s: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("simulation failed: %s%v", e.Name, e.Args)
}

func (e *SimulationFailedError) Is(target error) bool { return target == ErrSimulationFailed }

// StaleQuoteError reports a relay payload whose deadline has elapsed
type StaleQuoteError struct {
	Deadline time.Time
}

func (e *StaleQuoteError) Error() string {
	return fmt.Sprintf("relay payload expired at %s", e.Deadline.UTC().Format(time.RFC3339))
}

func (e *StaleQuoteError) Is(target error) bool { return target == ErrStaleQuote }

// IsRetryable reports whether the caller may retry the operation unchanged
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteUnavailableError
	if errors.As(err, &remote) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
