package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

var errSequencerClosed = errors.New("sequencer closed")

type buildFunc func(nonce uint64) (*types.Transaction, error)

type seqRequest struct {
	ctx   context.Context
	build buildFunc
	reply chan seqResult
}

type seqResult struct {
	tx  *types.Transaction
	err error
}

// sequencer is the only goroutine that assigns nonces for the signer. It asks the
// node for the pending nonce once, then counts locally; any failed send drops the
// local counter so the next request resyncs.
type sequencer struct {
	pendingNonce func(ctx context.Context) (uint64, error)
	send         func(ctx context.Context, tx *types.Transaction) error

	reqs chan seqRequest
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newSequencer(pendingNonce func(context.Context) (uint64, error), send func(context.Context, *types.Transaction) error) *sequencer {
	s := &sequencer{
		pendingNonce: pendingNonce,
		send:         send,
		reqs:         make(chan seqRequest),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sequencer) run() {
	defer close(s.done)
	var (
		next   uint64
		synced bool
	)
	for {
		select {
		case <-s.quit:
			return
		case r := <-s.reqs:
			if !synced {
				n, err := s.pendingNonce(r.ctx)
				if err != nil {
					r.reply <- seqResult{err: err}
					continue
				}
				next, synced = n, true
			}
			tx, err := r.build(next)
			if err == nil {
				err = s.send(r.ctx, tx)
			}
			if err != nil {
				synced = false
				r.reply <- seqResult{err: err}
				continue
			}
			next++
			r.reply <- seqResult{tx: tx}
		}
	}
}

// submit signs and broadcasts the tx returned by build with the next nonce.
func (s *sequencer) submit(ctx context.Context, build buildFunc) (*types.Transaction, error) {
	r := seqRequest{ctx: ctx, build: build, reply: make(chan seqResult, 1)}
	select {
	case s.reqs <- r:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errSequencerClosed
	}
	res := <-r.reply
	return res.tx, res.err
}

func (s *sequencer) close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
