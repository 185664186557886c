package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Submitter drives one order through
// Estimating -> Submitting -> AwaitingConfirmation -> {Confirmed, TimedOut, Rejected}.
type Submitter struct {
	ledger         Ledger
	estimator      *Estimator
	journal        Journal
	callTimeout    time.Duration
	confirmTimeout time.Duration
}

func NewSubmitter(l Ledger, est *Estimator, j Journal, callTimeout, confirmTimeout time.Duration) *Submitter {
	return &Submitter{
		ledger:         l,
		estimator:      est,
		journal:        j,
		callTimeout:    callTimeout,
		confirmTimeout: confirmTimeout,
	}
}

// attempt is the state of one submission; transitions are logged.
type attempt struct {
	out *Outcome
	log *zap.SugaredLogger
}

func (a *attempt) to(s State) {
	a.log.Debugf("[state] %s -> %s", a.out.State, s)
	a.out.State = s
}

func (a *attempt) reject(err error) {
	a.to(StateRejected)
	a.out.Err = err
}

// Settle runs the state machine for o and fills the settlement part of out.
// payer/spender are only used for diagnosis when estimation fails.
func (s *Submitter) Settle(ctx context.Context, log *zap.SugaredLogger, out *Outcome, payer, spender common.Address) {
	a := &attempt{out: out, log: log}
	o := out.Order

	a.to(StateEstimating)
	gas, err := s.estimator.Estimate(ctx, log, o, payer, spender)
	if err != nil {
		var ee *EstimationError
		if errors.As(err, &ee) {
			out.Diagnosis = ee.Diagnosis
		}
		a.reject(err)
		return
	}
	out.GasLimit = gas

	a.to(StateSubmitting)
	log.Infof("[settle] processPayment orderId=%s amount=%s metaData=%q gas=%d", o.ID, o.Amount, o.MetaData, gas)
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	tx, err := s.ledger.SubmitSettlement(cctx, o, gas)
	cancel()
	if err != nil {
		a.reject(&SubmissionError{Err: err})
		return
	}
	out.TxHash = tx.Hash()
	log.Infof("[settle] transaction sent: %s", tx.Hash().Hex())

	a.to(StateAwaitingConfirmation)
	if s.journal != nil {
		if err := s.journal.Advance(ctx, o.ID.String(), StateAwaitingConfirmation, tx.Hash()); err != nil {
			log.Warnf("[journal] advance: %v", err)
		}
	}

	wctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	rcpt, err := s.ledger.AwaitConfirmation(wctx, tx)
	switch {
	case err == nil && rcpt.Status == types.ReceiptStatusSuccessful:
		out.Receipt = rcpt
		a.to(StateConfirmed)
	case err == nil:
		out.Receipt = rcpt
		a.reject(ErrRevertedOnChain)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// the tx stays in the mempool; it is not tracked any further here
		a.to(StateTimedOut)
		out.Err = ErrConfirmationTimeout
	default:
		a.reject(err)
	}
}
