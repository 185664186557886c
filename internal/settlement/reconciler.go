package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/metrics"
)

// Reconciler makes sure the settlement contract may pull the payment amount.
type Reconciler struct {
	ledger         Ledger
	callTimeout    time.Duration
	confirmTimeout time.Duration
}

func NewReconciler(l Ledger, callTimeout, confirmTimeout time.Duration) *Reconciler {
	return &Reconciler{ledger: l, callTimeout: callTimeout, confirmTimeout: confirmTimeout}
}

// Ensure reads allowance(owner, spender) and, when it is below required, approves
// exactly required and waits for the approval receipt. approved reports whether a
// transaction was sent. Nothing guards against the allowance being spent by
// someone else after the check; that surfaces later as a settlement failure.
func (r *Reconciler) Ensure(ctx context.Context, log *zap.SugaredLogger, owner, spender common.Address, required *big.Int) (approved bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	current, err := r.ledger.ReadAllowance(cctx, owner, spender)
	cancel()
	if err != nil {
		return false, &ReconciliationError{Step: "allowance", Err: err}
	}
	if current.Cmp(required) >= 0 {
		log.Debugf("[allowance] owner=%s spender=%s current=%s >= required=%s", owner.Hex(), spender.Hex(), current, required)
		return false, nil
	}

	log.Infof("[allowance] insufficient: current=%s required=%s, approving", current, required)
	cctx, cancel = context.WithTimeout(ctx, r.callTimeout)
	tx, err := r.ledger.SubmitApprove(cctx, spender, required)
	cancel()
	if err != nil {
		return false, &ReconciliationError{Step: "approve", Err: err}
	}
	metrics.ApprovalsSubmitted.Inc()
	log.Infof("[allowance] approve sent: %s", tx.Hash().Hex())

	wctx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()
	rcpt, err := r.ledger.AwaitConfirmation(wctx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrConfirmationTimeout
		}
		return true, &ReconciliationError{Step: "confirm", Err: err}
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return true, &ReconciliationError{Step: "confirm", Err: ErrRevertedOnChain}
	}
	log.Infof("[allowance] approved %s in block %s", required, rcpt.BlockNumber)
	return true, nil
}
