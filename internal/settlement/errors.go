package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscription is fatal: the transfer feed is gone and the monitor stops.
	ErrSubscription = errors.New("transfer subscription failed")
	// ErrConfirmationTimeout ends a workflow in TimedOut. The tx may still be mined.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	// ErrRevertedOnChain means the tx was mined with a failed status.
	ErrRevertedOnChain = errors.New("transaction reverted on-chain")
	// ErrDuplicateOrder is returned by Journal.Begin when the order is already
	// journaled in a state that must not be restarted.
	ErrDuplicateOrder = errors.New("order already journaled")
)

// ReconciliationError stops a workflow before any settlement attempt.
type ReconciliationError struct {
	Step string // "allowance", "approve" or "confirm"
	Err  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("allowance reconciliation (%s): %v", e.Step, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// EstimationError means the settlement call would not succeed; nothing was submitted.
type EstimationError struct {
	Diagnosis *Diagnosis
}

func (e *EstimationError) Error() string {
	return "gas estimation failed: " + e.Diagnosis.String()
}

func (e *EstimationError) Unwrap() error { return e.Diagnosis.EstimateErr }

// SubmissionError is a broadcast-time rejection (nonce, fees, endpoint down).
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return "submit settlement: " + e.Err.Error() }

func (e *SubmissionError) Unwrap() error { return e.Err }
