package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

type revertErr struct{ reason string }

func (e revertErr) Error() string        { return "execution reverted: " + e.reason }
func (e revertErr) RevertReason() string { return e.reason }

type submission struct {
	order Order
	gas   uint64
}

// fakeLedger is an in-memory Ledger. Every call is appended to calls so tests can
// assert ordering.
type fakeLedger struct {
	mu sync.Mutex

	signer    common.Address
	allowance map[[2]common.Address]*big.Int
	balance   *big.Int
	nonce     uint64
	approves  map[common.Hash]approval

	subscribeErr error
	feed         chan TransferEvent
	feedErr      chan error

	allowanceErr   error
	approveErr     error
	approveReverts bool
	estimate       uint64
	estimateErr    error
	simResult      []byte
	simErr         error
	submitErr      error
	settleReverts  bool
	blockConfirm   bool // settlement confirmations wait for ctx
	blockApprove   bool // approval confirmations wait for ctx
	receipts       map[common.Hash]*types.Receipt

	calls       []string
	approvals   []*big.Int
	estimates   []Order
	simulations []Order
	submissions []submission
	allowReads  int
}

type approval struct {
	spender common.Address
	amount  *big.Int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		signer:    common.HexToAddress("0x5151515151515151515151515151515151515151"),
		allowance: map[[2]common.Address]*big.Int{},
		balance:   big.NewInt(0),
		approves:  map[common.Hash]approval{},
		feed:      make(chan TransferEvent),
		feedErr:   make(chan error, 1),
		estimate:  52_341,
		receipts:  map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeLedger) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeLedger) setAllowance(owner, spender common.Address, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowance[[2]common.Address{owner, spender}] = big.NewInt(v)
}

func (f *fakeLedger) newTx() *types.Transaction {
	f.nonce++
	return types.NewTx(&types.DynamicFeeTx{Nonce: f.nonce, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1)})
}

func (f *fakeLedger) SubscribeTransfers(ctx context.Context, sink chan<- TransferEvent) (ethereum.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case ev := <-f.feed:
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-f.feedErr:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (f *fakeLedger) ReadBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("balance")
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) ReadAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("allowance")
	f.allowReads++
	if f.allowanceErr != nil {
		return nil, f.allowanceErr
	}
	if v, ok := f.allowance[[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) SubmitApprove(ctx context.Context, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("approve")
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approvals = append(f.approvals, new(big.Int).Set(amount))
	tx := f.newTx()
	f.approves[tx.Hash()] = approval{spender: spender, amount: new(big.Int).Set(amount)}
	return tx, nil
}

func (f *fakeLedger) EstimateSettlement(ctx context.Context, o Order) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("estimate")
	f.estimates = append(f.estimates, o)
	return f.estimate, f.estimateErr
}

func (f *fakeLedger) SimulateSettlement(ctx context.Context, o Order) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("simulate")
	f.simulations = append(f.simulations, o)
	return f.simResult, f.simErr
}

func (f *fakeLedger) SubmitSettlement(ctx context.Context, o Order, gasLimit uint64) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("submit")
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submissions = append(f.submissions, submission{order: o, gas: gasLimit})
	return f.newTx(), nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	f.record("await")
	a, isApprove := f.approves[tx.Hash()]
	block := (f.blockConfirm && !isApprove) || (f.blockApprove && isApprove)
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	switch {
	case isApprove && f.approveReverts, !isApprove && f.settleReverts:
		status = types.ReceiptStatusFailed
	case isApprove:
		f.allowance[[2]common.Address{f.signer, a.spender}] = a.amount
	}
	return &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(100), GasUsed: 48_000}, nil
}

func (f *fakeLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeLedger) SignerAddress() common.Address { return f.signer }

func (f *fakeLedger) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu      sync.Mutex
	rows    map[string]*Record
	order   []string
	failing error
}

func newMemJournal() *memJournal {
	return &memJournal{rows: map[string]*Record{}}
}

func (j *memJournal) Begin(ctx context.Context, r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing != nil {
		return j.failing
	}
	if prev, ok := j.rows[r.OrderID]; !ok {
		j.order = append(j.order, r.OrderID)
	} else if prev.State != StateRejected || prev.TxHash != (common.Hash{}) {
		return ErrDuplicateOrder
	}
	cp := r
	j.rows[r.OrderID] = &cp
	return nil
}

func (j *memJournal) Advance(ctx context.Context, orderID string, s State, txHash common.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.rows[orderID]
	if !ok {
		return errors.New("unknown order")
	}
	r.State = s
	r.TxHash = txHash
	return nil
}

func (j *memJournal) Finish(ctx context.Context, orderID string, o Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing != nil {
		return j.failing
	}
	r, ok := j.rows[orderID]
	if !ok {
		return errors.New("unknown order")
	}
	r.State = o.State
	if o.TxHash != (common.Hash{}) {
		r.TxHash = o.TxHash
	}
	r.GasLimit = o.GasLimit
	if o.Err != nil {
		r.Reason = o.Err.Error()
	}
	return nil
}

func (j *memJournal) List(ctx context.Context, f Filter) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Record
	for _, id := range j.order {
		r := j.rows[id]
		if len(f.States) > 0 && !hasState(f.States, r.State) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (j *memJournal) get(id string) Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return *j.rows[id]
}

func hasState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
