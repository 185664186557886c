package settlement

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferEvent is one decoded ERC-20 Transfer log.
type TransferEvent struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	Removed     bool // log was dropped by a reorg
}

// SourceID identifies the on-chain occurrence of the event.
func (e TransferEvent) SourceID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Order is the argument set of processPayment(orderId, amount, metaData).
type Order struct {
	ID       *big.Int
	Amount   *big.Int
	MetaData string
}

// State of a settlement workflow.
type State string

const (
	StateReceived             State = "received"
	StateReconciling          State = "reconciling"
	StateEstimating           State = "estimating"
	StateSubmitting           State = "submitting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateTimedOut             State = "timed_out"
	StateRejected             State = "rejected"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateTimedOut || s == StateRejected
}

// Diagnosis is collected when gas estimation fails.
type Diagnosis struct {
	EstimateErr      error
	SimulationResult []byte // set when the simulated call did not revert
	RevertReason     string
	SimulationErr    error
	Allowance        *big.Int // payer allowance re-read after the failure, nil if the read failed
}

func (d *Diagnosis) String() string {
	if d == nil {
		return ""
	}
	s := fmt.Sprintf("estimate: %v", d.EstimateErr)
	switch {
	case d.RevertReason != "":
		s += "; revert: " + d.RevertReason
	case d.SimulationErr != nil:
		s += fmt.Sprintf("; simulation: %v", d.SimulationErr)
	default:
		s += fmt.Sprintf("; simulation returned 0x%x", d.SimulationResult)
	}
	if d.Allowance != nil {
		s += "; allowance=" + d.Allowance.String()
	}
	return s
}

// Outcome is the terminal report of one workflow.
type Outcome struct {
	WorkflowID string
	Event      TransferEvent
	Order      Order
	State      State
	Approved   bool // an approval tx was sent before settling
	TxHash     common.Hash
	GasLimit   uint64
	Receipt    *types.Receipt
	Diagnosis  *Diagnosis
	Err        error
	Duration   time.Duration
}

// Record is the journal row of a settlement.
type Record struct {
	OrderID   string
	SourceTx  common.Hash
	LogIndex  uint
	Payer     common.Address
	Amount    *big.Int
	MetaData  string
	State     State
	TxHash    common.Hash
	GasLimit  uint64
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event rebuilds the transfer that produced the record.
func (r Record) Event(receiver common.Address) TransferEvent {
	return TransferEvent{
		From:     r.Payer,
		To:       receiver,
		Amount:   new(big.Int).Set(r.Amount),
		TxHash:   r.SourceTx,
		LogIndex: r.LogIndex,
	}
}
