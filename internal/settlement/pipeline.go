package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/metrics"
	"github.com/ligun0805/usdc-settler/internal/units"
)

// Config holds the pipeline parameters resolved at startup.
type Config struct {
	Settlement     common.Address // processPayment target and allowance spender
	TokenDecimals  int
	TokenSymbol    string
	SignerPays     bool // check the signer's allowance instead of the payer's
	GasBufferPct   int64
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration

	// OnFinished runs after every terminal outcome, e.g. to log contract state.
	OnFinished func(ctx context.Context, o Outcome)
}

// Pipeline settles one transfer at a time per call; calls are safe to run concurrently.
type Pipeline struct {
	ledger     Ledger
	journal    Journal
	cfg        Config
	ids        *OrderIDs
	reconciler *Reconciler
	submitter  *Submitter
	log        *zap.SugaredLogger
}

func NewPipeline(l Ledger, j Journal, cfg Config, log *zap.Logger) *Pipeline {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "USDC"
	}
	est := NewEstimator(l, cfg.GasBufferPct, cfg.CallTimeout)
	return &Pipeline{
		ledger:     l,
		journal:    j,
		cfg:        cfg,
		ids:        NewOrderIDs(),
		reconciler: NewReconciler(l, cfg.CallTimeout, cfg.ConfirmTimeout),
		submitter:  NewSubmitter(l, est, j, cfg.CallTimeout, cfg.ConfirmTimeout),
		log:        log.Sugar(),
	}
}

// Handle runs the whole workflow for ev and returns its terminal outcome.
// Failures never escape the workflow; they are logged, counted and journaled.
// An event whose order is already journaled past the point of a restart is
// skipped: the outcome stays Received with ErrDuplicateOrder.
func (p *Pipeline) Handle(ctx context.Context, ev TransferEvent) Outcome {
	start := time.Now()
	metrics.SettlementsInFlight.Inc()
	defer metrics.SettlementsInFlight.Dec()

	out := Outcome{
		WorkflowID: uuid.NewString(),
		Event:      ev,
		State:      StateReceived,
	}
	log := p.log.With("workflow", out.WorkflowID, "source", ev.SourceID())
	amount := units.Format(ev.Amount, p.cfg.TokenDecimals)
	log.Infof("[payment] received %s %s from %s", amount, p.cfg.TokenSymbol, ev.From.Hex())

	out.Order = Order{
		ID:       p.ids.Next(ev),
		Amount:   new(big.Int).Set(ev.Amount),
		MetaData: fmt.Sprintf("Automated payment processing for %s %s", amount, p.cfg.TokenSymbol),
	}
	if err := p.begin(ctx, log, out); errors.Is(err, ErrDuplicateOrder) {
		log.Warnf("[payment] order %s already journaled, skipping redelivered transfer", out.Order.ID)
		metrics.SettlementOutcomes.WithLabelValues("duplicate").Inc()
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}
	p.logReceiverBalance(ctx, log)

	owner := ev.From
	if p.cfg.SignerPays {
		owner = p.ledger.SignerAddress()
	}

	out.State = StateReconciling
	approved, err := p.reconciler.Ensure(ctx, log, owner, p.cfg.Settlement, ev.Amount)
	out.Approved = approved
	if err != nil {
		out.State = StateRejected
		out.Err = err
	} else {
		p.submitter.Settle(ctx, log, &out, owner, p.cfg.Settlement)
	}

	out.Duration = time.Since(start)
	p.finish(ctx, log, out)
	return out
}

func (p *Pipeline) begin(ctx context.Context, log *zap.SugaredLogger, out Outcome) error {
	if p.journal == nil {
		return nil
	}
	err := p.journal.Begin(ctx, Record{
		OrderID:  out.Order.ID.String(),
		SourceTx: out.Event.TxHash,
		LogIndex: out.Event.LogIndex,
		Payer:    out.Event.From,
		Amount:   out.Order.Amount,
		MetaData: out.Order.MetaData,
		State:    StateReceived,
	})
	if err != nil && !errors.Is(err, ErrDuplicateOrder) {
		log.Warnf("[journal] begin: %v", err)
	}
	return err
}

func (p *Pipeline) logReceiverBalance(ctx context.Context, log *zap.SugaredLogger) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	bal, err := p.ledger.ReadBalance(cctx, p.cfg.Settlement)
	if err != nil {
		log.Warnf("[payment] balance read failed: %v", err)
		return
	}
	log.Infof("[payment] contract %s balance: %s", p.cfg.TokenSymbol, units.Format(bal, p.cfg.TokenDecimals))
}

func (p *Pipeline) finish(ctx context.Context, log *zap.SugaredLogger, out Outcome) {
	metrics.SettlementOutcomes.WithLabelValues(string(out.State)).Inc()
	metrics.WorkflowDuration.WithLabelValues(string(out.State)).Observe(out.Duration.Seconds())

	switch out.State {
	case StateConfirmed:
		log.Infof("[result] payment processed: tx=%s block=%s gasUsed=%d (%s)",
			out.TxHash.Hex(), out.Receipt.BlockNumber, out.Receipt.GasUsed, out.Duration.Round(time.Millisecond))
	case StateTimedOut:
		log.Warnf("[result] no confirmation for %s within %s; tx may still be mined", out.TxHash.Hex(), p.cfg.ConfirmTimeout)
	default:
		log.Errorf("[result] %s: %v", out.State, out.Err)
	}

	if p.journal != nil {
		if err := p.journal.Finish(ctx, out.Order.ID.String(), out); err != nil {
			log.Warnf("[journal] finish: %v", err)
		}
	}
	if p.cfg.OnFinished != nil {
		p.cfg.OnFinished(ctx, out)
	}
}
