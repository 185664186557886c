package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"

	"github.com/ligun0805/usdc-settler/internal/units"
)

var (
	funcOwner         = w3.MustNewFunc("owner()", "address")
	funcMerchant      = w3.MustNewFunc("merchant()", "address")
	funcFeePercentage = w3.MustNewFunc("feePercentage()", "uint256")
	funcUSDCToken     = w3.MustNewFunc("usdcToken()", "address")
	funcBalanceOf     = w3.MustNewFunc("balanceOf(address)", "uint256")
)

// ContractState is the public view of the settlement contract.
type ContractState struct {
	Owner            string `json:"owner"`
	Merchant         string `json:"merchant"`
	FeePercentage    string `json:"feePercentage"`
	USDCTokenAddress string `json:"usdcTokenAddress"`
	USDCBalance      string `json:"usdcBalance"`
}

// StateReader fetches ContractState in a single batch request.
type StateReader struct {
	client     *w3.Client
	settlement common.Address
	token      common.Address
	decimals   int
}

func NewStateReader(rc *rpc.Client, settlement, token common.Address, decimals int) *StateReader {
	return &StateReader{
		client:     w3.NewClient(rc),
		settlement: settlement,
		token:      token,
		decimals:   decimals,
	}
}

func (r *StateReader) Read(ctx context.Context) (ContractState, error) {
	var (
		owner, merchant, usdc common.Address
		fee, balance          big.Int
	)
	err := r.client.CallCtx(ctx,
		eth.CallFunc(r.settlement, funcOwner).Returns(&owner),
		eth.CallFunc(r.settlement, funcMerchant).Returns(&merchant),
		eth.CallFunc(r.settlement, funcFeePercentage).Returns(&fee),
		eth.CallFunc(r.settlement, funcUSDCToken).Returns(&usdc),
		eth.CallFunc(r.token, funcBalanceOf, r.settlement).Returns(&balance),
	)
	if err != nil {
		return ContractState{}, fmt.Errorf("contract state: %w", err)
	}
	return ContractState{
		Owner:            owner.Hex(),
		Merchant:         merchant.Hex(),
		FeePercentage:    fee.String(),
		USDCTokenAddress: usdc.Hex(),
		USDCBalance:      units.Format(&balance, r.decimals),
	}, nil
}
