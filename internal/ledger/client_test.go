package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ligun0805/usdc-settler/internal/settlement"
)

var (
	tokenAddr      = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	settlementAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func newTestClient(t *testing.T, f *fakeEth, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Key:          mustKey(t),
		Token:        tokenAddr,
		Settlement:   settlementAddr,
		GasBufferPct: 20,
		BaseFeeMul:   2,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewClient(context.Background(), dialFake(t, f), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testOrder() settlement.Order {
	return settlement.Order{
		ID:       big.NewInt(1_700_000_000_000),
		Amount:   big.NewInt(5_000_000),
		MetaData: "Automated payment processing for 5.0 USDC",
	}
}

func TestNewClientResolvesChainID(t *testing.T) {
	c := newTestClient(t, newFakeEth())
	assert.Equal(t, big.NewInt(11155111), c.ChainID())
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), c.SignerAddress())
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), dialFake(t, newFakeEth()), Options{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestReadAllowanceAndBalance(t *testing.T) {
	f := newFakeEth()
	f.allowance = big.NewInt(2_500_000)
	f.balance = big.NewInt(123_456_789)
	c := newTestClient(t, f)

	got, err := c.ReadAllowance(context.Background(), common.HexToAddress("0x01"), settlementAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), got.Int64())

	bal, err := c.ReadBalance(context.Background(), settlementAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(123_456_789), bal.Int64())
}

func TestSimulateSettlementDecodesRevert(t *testing.T) {
	f := newFakeEth()
	stringT, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	enc, err := abi.Arguments{{Type: stringT}}.Pack("ERC20: insufficient allowance")
	require.NoError(t, err)
	f.revertData = append(crypto.Keccak256([]byte("Error(string)"))[:4], enc...)
	c := newTestClient(t, f)

	_, err = c.SimulateSettlement(context.Background(), testOrder())
	require.Error(t, err)

	var re *RevertError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "ERC20: insufficient allowance", re.Reason)
	assert.Equal(t, f.revertData, re.Data)

	var rr settlement.RevertReasoner
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, "ERC20: insufficient allowance", rr.RevertReason())
	assert.Equal(t, ClassRevert, Classify(err))
}

func TestEstimateSettlement(t *testing.T) {
	f := newFakeEth()
	c := newTestClient(t, f)

	gas, err := c.EstimateSettlement(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, uint64(52_341), gas)

	f.estimateErr = errors.New("execution reverted")
	_, err = c.EstimateSettlement(context.Background(), testOrder())
	require.Error(t, err)
}

func TestSubmitSettlementSequencesNonces(t *testing.T) {
	f := newFakeEth()
	c := newTestClient(t, f)
	ctx := context.Background()

	tx1, err := c.SubmitSettlement(ctx, testOrder(), 62_810)
	require.NoError(t, err)
	tx2, err := c.SubmitSettlement(ctx, testOrder(), 62_810)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), tx1.Nonce())
	assert.Equal(t, uint64(8), tx2.Nonce())
	assert.Equal(t, 1, f.nonceQueries, "nonce is fetched once then counted locally")

	assert.Equal(t, uint64(62_810), tx1.Gas())
	assert.Equal(t, types.DynamicFeeTxType, int(tx1.Type()))
	assert.Equal(t, big.NewInt(1_500_000_000), tx1.GasTipCap())
	assert.Equal(t, big.NewInt(21_500_000_000), tx1.GasFeeCap(), "feeCap = 2*baseFee + tip")
	assert.Equal(t, settlementAddr, *tx1.To())

	from, err := types.Sender(types.LatestSignerForChainID(c.ChainID()), tx1)
	require.NoError(t, err)
	assert.Equal(t, c.SignerAddress(), from)

	args, err := settlementABI.Methods["processPayment"].Inputs.Unpack(tx1.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testOrder().ID, args[0])
	assert.Equal(t, testOrder().Amount, args[1])
	assert.Equal(t, testOrder().MetaData, args[2])
}

func TestSubmitResyncsNonceAfterSendFailure(t *testing.T) {
	f := newFakeEth()
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.SubmitSettlement(ctx, testOrder(), 60_000)
	require.NoError(t, err)

	f.sendErr = errors.New("replacement transaction underpriced")
	_, err = c.SubmitSettlement(ctx, testOrder(), 60_000)
	require.Error(t, err)

	tx, err := c.SubmitSettlement(ctx, testOrder(), 60_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), tx.Nonce())
	assert.Equal(t, 2, f.nonceQueries)
}

func TestConcurrentSubmissionsGetDistinctNonces(t *testing.T) {
	f := newFakeEth()
	c := newTestClient(t, f)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SubmitSettlement(context.Background(), testOrder(), 60_000)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[uint64]bool{}
	for _, tx := range f.sentTxs() {
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, n)
	for i := uint64(7); i < 7+n; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
}

func TestSubmitApproveGas(t *testing.T) {
	t.Run("buffered estimate", func(t *testing.T) {
		f := newFakeEth()
		f.estimate = 46_000
		c := newTestClient(t, f)

		tx, err := c.SubmitApprove(context.Background(), settlementAddr, big.NewInt(5_000_000))
		require.NoError(t, err)
		assert.Equal(t, uint64(55_200), tx.Gas())
		assert.Equal(t, tokenAddr, *tx.To())

		args, err := tokenABI.Methods["approve"].Inputs.Unpack(tx.Data()[4:])
		require.NoError(t, err)
		assert.Equal(t, settlementAddr, args[0])
		assert.Equal(t, big.NewInt(5_000_000), args[1])
	})

	t.Run("fallback", func(t *testing.T) {
		f := newFakeEth()
		f.estimateErr = errors.New("gas required exceeds allowance")
		c := newTestClient(t, f)

		tx, err := c.SubmitApprove(context.Background(), settlementAddr, big.NewInt(1))
		require.NoError(t, err)
		assert.Equal(t, uint64(approveGasFallback), tx.Gas())
	})
}

func TestFixedTip(t *testing.T) {
	f := newFakeEth()
	c := newTestClient(t, f, func(o *Options) { o.TipGwei = 3; o.BaseFeeMul = 3 })

	tx, err := c.SubmitSettlement(context.Background(), testOrder(), 60_000)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(33_000_000_000), tx.GasFeeCap())
}

func TestDecodeTransfer(t *testing.T) {
	from := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	lg := types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(settlementAddr.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(5_000_000).Bytes(), 32),
		TxHash:      common.HexToHash("0xfeed"),
		Index:       4,
		BlockNumber: 99,
		Removed:     true,
	}

	ev, err := decodeTransfer(lg)
	require.NoError(t, err)
	assert.Equal(t, from, ev.From)
	assert.Equal(t, settlementAddr, ev.To)
	assert.Equal(t, int64(5_000_000), ev.Amount.Int64())
	assert.Equal(t, uint(4), ev.LogIndex)
	assert.Equal(t, uint64(99), ev.BlockNumber)
	assert.True(t, ev.Removed)

	lg.Topics = lg.Topics[:1]
	_, err = decodeTransfer(lg)
	require.Error(t, err)
}
