package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

type revertRPCError struct{ data []byte }

func (e *revertRPCError) Error() string          { return "execution reverted" }
func (e *revertRPCError) ErrorCode() int         { return 3 }
func (e *revertRPCError) ErrorData() interface{} { return hexutil.Encode(e.data) }

// fakeEth serves the handful of eth_ methods the client uses.
type fakeEth struct {
	mu sync.Mutex

	chainID   *big.Int
	baseFee   *big.Int
	tip       *big.Int
	nonce     uint64
	allowance *big.Int
	balance   *big.Int
	estimate  uint64

	estimateErr error
	revertData  []byte
	sendErr     error

	owner, merchant, usdc common.Address
	fee                   *big.Int

	nonceQueries int
	sent         []*types.Transaction
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		chainID:   big.NewInt(11155111),
		baseFee:   big.NewInt(10_000_000_000),
		tip:       big.NewInt(1_500_000_000),
		nonce:     7,
		allowance: big.NewInt(0),
		balance:   big.NewInt(0),
		estimate:  52_341,
		fee:       big.NewInt(0),
	}
}

func word(b []byte) []byte { return common.LeftPadBytes(b, 32) }

func (f *fakeEth) ChainId() (*hexutil.Big, error) {
	return (*hexutil.Big)(f.chainID), nil
}

func (f *fakeEth) GetBlockByNumber(number string, full bool) (*types.Header, error) {
	return &types.Header{
		Number:     big.NewInt(100),
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		BaseFee:    f.baseFee,
	}, nil
}

func (f *fakeEth) MaxPriorityFeePerGas() (*hexutil.Big, error) {
	return (*hexutil.Big)(f.tip), nil
}

func (f *fakeEth) GetTransactionCount(addr common.Address, block string) (hexutil.Uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceQueries++
	return hexutil.Uint64(f.nonce), nil
}

func (f *fakeEth) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return common.Hash{}, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	if tx.Nonce() != f.nonce {
		return common.Hash{}, errors.New("nonce too low")
	}
	f.nonce++
	f.sent = append(f.sent, tx)
	return tx.Hash(), nil
}

func (f *fakeEth) EstimateGas(args callArgs, block *string) (hexutil.Uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return hexutil.Uint64(f.estimate), nil
}

func (f *fakeEth) Call(args callArgs, block *string, overrides *map[string]any) (hexutil.Bytes, error) {
	data := args.payload()
	if len(data) < 4 {
		return nil, errors.New("short calldata")
	}
	sel := data[:4]
	switch {
	case bytes.Equal(sel, tokenABI.Methods["allowance"].ID):
		return word(f.allowance.Bytes()), nil
	case bytes.Equal(sel, tokenABI.Methods["balanceOf"].ID):
		return word(f.balance.Bytes()), nil
	case bytes.Equal(sel, settlementABI.Methods["processPayment"].ID):
		if f.revertData != nil {
			return nil, &revertRPCError{data: f.revertData}
		}
		return hexutil.Bytes{}, nil
	case bytes.Equal(sel, funcOwner.Selector[:]):
		return word(f.owner.Bytes()), nil
	case bytes.Equal(sel, funcMerchant.Selector[:]):
		return word(f.merchant.Bytes()), nil
	case bytes.Equal(sel, funcFeePercentage.Selector[:]):
		return word(f.fee.Bytes()), nil
	case bytes.Equal(sel, funcUSDCToken.Selector[:]):
		return word(f.usdc.Bytes()), nil
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeEth) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func dialFake(t *testing.T, f *fakeEth) *rpc.Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", f))
	rc := rpc.DialInProc(srv)
	t.Cleanup(func() {
		rc.Close()
		srv.Stop()
	})
	return rc
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ParseKey("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	return k
}
