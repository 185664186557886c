package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger is everything the pipeline needs from the chain.
// Token calls target the configured token contract; settlement calls target
// the configured settlement contract and are signed by the process signer.
type Ledger interface {
	SubscribeTransfers(ctx context.Context, sink chan<- TransferEvent) (ethereum.Subscription, error)

	ReadBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	ReadAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)

	SubmitApprove(ctx context.Context, spender common.Address, amount *big.Int) (*types.Transaction, error)

	EstimateSettlement(ctx context.Context, o Order) (uint64, error)
	SimulateSettlement(ctx context.Context, o Order) ([]byte, error)
	SubmitSettlement(ctx context.Context, o Order, gasLimit uint64) (*types.Transaction, error)

	AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	SignerAddress() common.Address
}

// Journal persists workflow progress. A nil Journal disables persistence.
type Journal interface {
	Begin(ctx context.Context, r Record) error
	Advance(ctx context.Context, orderID string, s State, txHash common.Hash) error
	Finish(ctx context.Context, orderID string, o Outcome) error
	List(ctx context.Context, f Filter) ([]Record, error)
}

// Filter selects journal rows. Zero value => everything, newest first.
type Filter struct {
	States []State
	Limit  int
}

// RevertReasoner is implemented by simulation errors that carry a decoded reason.
type RevertReasoner interface {
	RevertReason() string
}
