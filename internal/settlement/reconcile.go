package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ReconcileReport summarizes a journal pass.
type ReconcileReport struct {
	Confirmed int // timed-out or in-flight txs found mined successfully
	Reverted  int
	Pending   int // tx hash known but still not mined
	Stale     int // interrupted before a tx was broadcast; needs an operator
	Replayed  int
}

var unfinished = []State{
	StateReceived, StateReconciling, StateEstimating, StateSubmitting, StateAwaitingConfirmation, StateTimedOut,
}

// Reconcile revisits journal rows a previous run left open. Rows with a tx hash
// get their receipt checked; rows without one are reported as stale. When
// replay is set, rejected rows are run through h again with the same order id.
func Reconcile(ctx context.Context, l Ledger, j Journal, h Handler, receiver common.Address, replay bool, log *zap.Logger) (ReconcileReport, error) {
	var rep ReconcileReport
	slog := log.Sugar()

	open, err := j.List(ctx, Filter{States: unfinished})
	if err != nil {
		return rep, fmt.Errorf("list unfinished: %w", err)
	}
	for _, r := range open {
		if r.TxHash == (common.Hash{}) {
			rep.Stale++
			slog.Warnf("[reconcile] order %s (%s) stopped in %s before broadcast; needs manual review", r.OrderID, r.SourceTx.Hex(), r.State)
			continue
		}
		rcpt, err := l.TransactionReceipt(ctx, r.TxHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			rep.Pending++
			slog.Infof("[reconcile] order %s tx %s still pending", r.OrderID, r.TxHash.Hex())
			continue
		case err != nil:
			return rep, fmt.Errorf("receipt %s: %w", r.TxHash.Hex(), err)
		}
		out := Outcome{TxHash: r.TxHash, GasLimit: r.GasLimit, Receipt: rcpt, State: StateConfirmed}
		if rcpt.Status != types.ReceiptStatusSuccessful {
			out.State = StateRejected
			out.Err = ErrRevertedOnChain
			rep.Reverted++
		} else {
			rep.Confirmed++
		}
		if err := j.Finish(ctx, r.OrderID, out); err != nil {
			return rep, fmt.Errorf("finish %s: %w", r.OrderID, err)
		}
		slog.Infof("[reconcile] order %s tx %s -> %s", r.OrderID, r.TxHash.Hex(), out.State)
	}

	if !replay {
		return rep, nil
	}
	rejected, err := j.List(ctx, Filter{States: []State{StateRejected}})
	if err != nil {
		return rep, fmt.Errorf("list rejected: %w", err)
	}
	for _, r := range rejected {
		if r.SourceTx == (common.Hash{}) {
			slog.Warnf("[reconcile] order %s has no source tx, not replayable", r.OrderID)
			continue
		}
		if r.TxHash != (common.Hash{}) {
			// mined and reverted: the order id may already be consumed
			continue
		}
		out := h.Handle(ctx, r.Event(receiver))
		rep.Replayed++
		slog.Infof("[reconcile] replayed order %s -> %s", r.OrderID, out.State)
	}
	return rep, nil
}
