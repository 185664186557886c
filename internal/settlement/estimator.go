package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/metrics"
)

// Estimator sizes the gas limit for processPayment and explains failures.
type Estimator struct {
	ledger      Ledger
	bufferPct   int64
	callTimeout time.Duration
}

func NewEstimator(l Ledger, bufferPct int64, callTimeout time.Duration) *Estimator {
	if bufferPct < 0 {
		bufferPct = 0
	}
	return &Estimator{ledger: l, bufferPct: bufferPct, callTimeout: callTimeout}
}

// WithBuffer returns ceil(est * (100+pct) / 100).
func WithBuffer(est uint64, pct int64) uint64 {
	m := uint64(100 + pct)
	return (est*m + 99) / 100
}

// Estimate returns the buffered gas limit. When the node cannot estimate, the same
// call is simulated to extract the revert reason and the payer allowance is re-read;
// the returned *EstimationError carries both and the caller must not submit.
func (e *Estimator) Estimate(ctx context.Context, log *zap.SugaredLogger, o Order, payer, spender common.Address) (uint64, error) {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	est, err := e.ledger.EstimateSettlement(cctx, o)
	cancel()
	if err == nil {
		gas := WithBuffer(est, e.bufferPct)
		log.Infof("[gas] estimate=%d bufferPct=%d limit=%d", est, e.bufferPct, gas)
		return gas, nil
	}

	metrics.EstimationFailures.Inc()
	log.Errorf("[gas] estimate failed: %v", err)
	d := e.diagnose(ctx, log, o, payer, spender, err)
	return 0, &EstimationError{Diagnosis: d}
}

func (e *Estimator) diagnose(ctx context.Context, log *zap.SugaredLogger, o Order, payer, spender common.Address, estErr error) *Diagnosis {
	d := &Diagnosis{EstimateErr: estErr}

	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	res, err := e.ledger.SimulateSettlement(cctx, o)
	cancel()
	if err != nil {
		d.SimulationErr = err
		var rr RevertReasoner
		if errors.As(err, &rr) {
			d.RevertReason = rr.RevertReason()
		}
		log.Errorf("[diagnose] static call error: %v", err)
		if d.RevertReason != "" {
			log.Errorf("[diagnose] revert reason: %s", d.RevertReason)
		}
	} else {
		d.SimulationResult = res
		log.Warnf("[diagnose] static call succeeded (0x%x) although estimation failed", res)
	}

	cctx, cancel = context.WithTimeout(ctx, e.callTimeout)
	allowance, err := e.ledger.ReadAllowance(cctx, payer, spender)
	cancel()
	if err != nil {
		log.Warnf("[diagnose] allowance re-read failed: %v", err)
	} else {
		d.Allowance = allowance
		log.Infof("[diagnose] allowance(%s -> %s) = %s", payer.Hex(), spender.Hex(), allowance)
	}
	return d
}
