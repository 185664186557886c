package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/metrics"
)

// Handler settles a single qualifying transfer.
type Handler interface {
	Handle(ctx context.Context, ev TransferEvent) Outcome
}

// Monitor subscribes to token transfers and starts one workflow per payment
// addressed to the receiving address. There is no queue bound: payments are
// expected to arrive far slower than they settle.
type Monitor struct {
	ledger   Ledger
	receiver common.Address
	handler  Handler
	log      *zap.SugaredLogger

	wg       sync.WaitGroup
	loopDone chan struct{} // closed once no more workflows can be started
	errc     chan error
}

func NewMonitor(l Ledger, receiver common.Address, h Handler, log *zap.Logger) *Monitor {
	return &Monitor{
		ledger:   l,
		receiver: receiver,
		handler:  h,
		log:      log.Sugar(),
		loopDone: make(chan struct{}),
		errc:     make(chan error, 1),
	}
}

// Start subscribes and returns; delivery happens on a background goroutine until
// ctx is canceled or the subscription fails (reported once on Err).
func (m *Monitor) Start(ctx context.Context) error {
	events := make(chan TransferEvent, 64)
	sub, err := m.ledger.SubscribeTransfers(ctx, events)
	if err != nil {
		close(m.loopDone)
		return fmt.Errorf("%w: %w", ErrSubscription, err)
	}
	m.log.Infof("[monitor] watching transfers to %s", m.receiver.Hex())
	go m.loop(ctx, sub, events)
	return nil
}

// Err delivers the fatal subscription error, if any.
func (m *Monitor) Err() <-chan error { return m.errc }

// Wait blocks until the delivery loop has stopped and all started workflows
// are done, or ctx expires. Cancel the Start context first.
func (m *Monitor) Wait(ctx context.Context) error {
	select {
	case <-m.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loop(ctx context.Context, sub ethereum.Subscription, events <-chan TransferEvent) {
	defer close(m.loopDone)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			m.log.Infof("[monitor] stopped")
			return
		case err := <-sub.Err():
			if err == nil {
				return
			}
			m.log.Errorf("[monitor] subscription error: %v", err)
			m.errc <- fmt.Errorf("%w: %w", ErrSubscription, err)
			return
		case ev := <-events:
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, ev TransferEvent) {
	metrics.TransfersObserved.Inc()
	if ev.To != m.receiver {
		return
	}
	if ev.Removed {
		m.log.Warnf("[monitor] transfer %s removed by reorg, ignoring", ev.SourceID())
		return
	}
	metrics.PaymentsReceived.Inc()

	// workflows outlive shutdown of the subscription so a broadcast tx is still awaited
	wctx := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.handler.Handle(wctx, ev)
	}()
}
