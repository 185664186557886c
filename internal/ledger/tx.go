package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ParseKey parses a hex ECDSA private key (with / without 0x).
func ParseKey(s string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(h) == 0 {
		return nil, errors.New("empty private key")
	}
	return gethcrypto.HexToECDSA(h)
}

// Build EIP-1559 transaction.
func buildDynamicTx(chain *big.Int, nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, tip, feeCap *big.Int, data []byte) *types.Transaction {
	df := &types.DynamicFeeTx{
		ChainID:   chain,
		Nonce:     nonce,
		Gas:       gasLimit,
		GasTipCap: new(big.Int).Set(tip),
		GasFeeCap: new(big.Int).Set(feeCap),
		To:        to,
		Value:     new(big.Int).Set(value),
		Data:      data,
	}
	return types.NewTx(df)
}

// Sign transaction with latest signer for given chain ID.
func signTx(tx *types.Transaction, chain *big.Int, prv *ecdsa.PrivateKey) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chain)
	return types.SignTx(tx, signer, prv)
}

func gweiToWei(g int64) *big.Int {
	x := new(big.Int).SetInt64(g)
	return x.Mul(x, big.NewInt(1_000_000_000))
}

type fees struct {
	baseFee *big.Int
	tip     *big.Int
	feeCap  *big.Int
}

// feeCap = baseFee*mul + tip
func computeFees(baseFee, tip *big.Int, mul int64) fees {
	capv := new(big.Int).Mul(baseFee, big.NewInt(mul))
	capv.Add(capv, tip)
	return fees{baseFee: new(big.Int).Set(baseFee), tip: new(big.Int).Set(tip), feeCap: capv}
}

// Latest base fee from the head header.
func (c *Client) latestBaseFee(ctx context.Context) (*big.Int, error) {
	h, err := retry(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.ec.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, err
	}
	if h.BaseFee == nil {
		return nil, errors.New("no baseFee (pre-1559?)")
	}
	return new(big.Int).Set(h.BaseFee), nil
}

// suggestFees uses TIP_GWEI when set, else eth_maxPriorityFeePerGas.
func (c *Client) suggestFees(ctx context.Context) (fees, error) {
	base, err := c.latestBaseFee(ctx)
	if err != nil {
		return fees{}, err
	}
	var tip *big.Int
	if c.opts.TipGwei > 0 {
		tip = gweiToWei(c.opts.TipGwei)
	} else {
		tip, err = retry(ctx, c, "eth_maxPriorityFeePerGas", c.ec.SuggestGasTipCap)
		if err != nil {
			return fees{}, err
		}
	}
	return computeFees(base, tip, c.opts.BaseFeeMul), nil
}
