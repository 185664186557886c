package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ligun0805/usdc-settler/internal/metrics"
	"github.com/ligun0805/usdc-settler/internal/settlement"
)

// approveGasFallback is used when eth_estimateGas fails for approve.
const approveGasFallback = 70_000

// Options configures a Client.
type Options struct {
	ChainID      *big.Int // nil => eth_chainId
	Key          *ecdsa.PrivateKey
	Token        common.Address
	Settlement   common.Address
	GasBufferPct int64
	BaseFeeMul   int64
	TipGwei      int64 // 0 => ask the node
	RateLimit    float64
	Burst        int
	PollInterval time.Duration // log polling when the endpoint has no subscriptions
}

// Client implements settlement.Ledger over a JSON-RPC endpoint.
type Client struct {
	ec      *ethclient.Client
	opts    Options
	chainID *big.Int
	from    common.Address
	limiter *rate.Limiter
	seq     *sequencer
	log     *zap.SugaredLogger
}

var _ settlement.Ledger = (*Client)(nil)

// Dial connects to rawurl. HTTP endpoints get keep-alives and a client timeout;
// ws/ipc endpoints use the default dialer.
func Dial(ctx context.Context, rawurl string) (*rpc.Client, error) {
	if strings.HasPrefix(rawurl, "http://") || strings.HasPrefix(rawurl, "https://") {
		transport := &http.Transport{
			MaxIdleConns:       100,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: false,
		}
		httpClient := &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		}
		return rpc.DialHTTPWithClient(rawurl, httpClient)
	}
	return rpc.DialContext(ctx, rawurl)
}

// NewClient wraps rc. The caller keeps ownership of rc; Close only stops the
// nonce sequencer.
func NewClient(ctx context.Context, rc *rpc.Client, opts Options, log *zap.Logger) (*Client, error) {
	if opts.Key == nil {
		return nil, errors.New("signer key is required")
	}
	if opts.BaseFeeMul <= 0 {
		opts.BaseFeeMul = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 4 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		ec:      ethclient.NewClient(rc),
		opts:    opts,
		from:    gethcrypto.PubkeyToAddress(opts.Key.PublicKey),
		limiter: rate.NewLimiter(limit, burst),
		log:     log.Sugar(),
	}
	c.chainID = opts.ChainID
	if c.chainID == nil {
		id, err := retry(ctx, c, "eth_chainId", c.ec.ChainID)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		c.chainID = id
	}
	c.seq = newSequencer(c.pendingNonce, c.sendTransaction)
	return c, nil
}

// Close stops the nonce sequencer.
func (c *Client) Close() { c.seq.close() }

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) SignerAddress() common.Address { return c.from }

// retry runs fn under the rate limiter. Rate-limit, timeout and network errors
// are retried with a small exponential backoff; everything else returns at once.
func retry[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	const maxAttempts = 3
	backoff := 200 * time.Millisecond
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		v, err := fn(ctx)
		c.observe(method, err)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == maxAttempts || !retryable(err) || ctx.Err() != nil {
			break
		}
		c.log.Debugf("[rpc] %s attempt %d: %s: %v", method, attempt, Classify(err), err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, lastErr
		}
		if Classify(err) == ClassRateLimited {
			backoff *= 2
		}
	}
	return zero, lastErr
}

func (c *Client) observe(method string, err error) {
	metrics.RPCCalls.WithLabelValues(method, string(Classify(err))).Inc()
}

func (c *Client) callContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return retry(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.ec.CallContract(ctx, msg, nil)
	})
}

func (c *Client) readUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ret, err := c.callContract(ctx, ethereum.CallMsg{To: &c.opts.Token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := tokenABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return %T", method, out[0])
	}
	return v, nil
}

func (c *Client) ReadBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.readUint(ctx, "balanceOf", owner)
}

func (c *Client) ReadAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.readUint(ctx, "allowance", owner, spender)
}

// SubmitApprove approves spender for exactly amount from the signer.
func (c *Client) SubmitApprove(ctx context.Context, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	data, err := tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{From: c.from, To: &c.opts.Token, Value: big.NewInt(0), Data: data}
	gas, err := retry(ctx, c, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.ec.EstimateGas(ctx, msg)
	})
	if err != nil {
		c.log.Warnf("[approve] estimate failed (%s), using %d: %v", Classify(err), approveGasFallback, err)
		gas = approveGasFallback
	} else {
		gas = settlement.WithBuffer(gas, c.opts.GasBufferPct)
	}
	return c.send(ctx, c.opts.Token, gas, data)
}

func (c *Client) settlementMsg(o settlement.Order) (ethereum.CallMsg, error) {
	data, err := settlementABI.Pack("processPayment", o.ID, o.Amount, o.MetaData)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	return ethereum.CallMsg{From: c.from, To: &c.opts.Settlement, Value: big.NewInt(0), Data: data}, nil
}

func (c *Client) EstimateSettlement(ctx context.Context, o settlement.Order) (uint64, error) {
	msg, err := c.settlementMsg(o)
	if err != nil {
		return 0, err
	}
	return retry(ctx, c, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.ec.EstimateGas(ctx, msg)
	})
}

// SimulateSettlement runs processPayment as eth_call. A revert comes back as *RevertError.
func (c *Client) SimulateSettlement(ctx context.Context, o settlement.Order) ([]byte, error) {
	msg, err := c.settlementMsg(o)
	if err != nil {
		return nil, err
	}
	ret, err := c.callContract(ctx, msg)
	if err != nil {
		return nil, asRevert(err)
	}
	return ret, nil
}

func (c *Client) SubmitSettlement(ctx context.Context, o settlement.Order, gasLimit uint64) (*types.Transaction, error) {
	data, err := settlementABI.Pack("processPayment", o.ID, o.Amount, o.MetaData)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, c.opts.Settlement, gasLimit, data)
}

// send prices, signs and broadcasts a call to `to` through the sequencer.
func (c *Client) send(ctx context.Context, to common.Address, gas uint64, data []byte) (*types.Transaction, error) {
	f, err := c.suggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("fees: %w", err)
	}
	c.log.Debugf("[fees] baseFee=%s tip=%s feeCap=%s gas=%d", f.baseFee, f.tip, f.feeCap, gas)
	return c.seq.submit(ctx, func(nonce uint64) (*types.Transaction, error) {
		tx := buildDynamicTx(c.chainID, nonce, &to, big.NewInt(0), gas, f.tip, f.feeCap, data)
		return signTx(tx, c.chainID, c.opts.Key)
	})
}

func (c *Client) pendingNonce(ctx context.Context) (uint64, error) {
	return retry(ctx, c, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
		return c.ec.PendingNonceAt(ctx, c.from)
	})
}

// sendTransaction is never retried; a failed send makes the sequencer resync.
func (c *Client) sendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err := c.ec.SendTransaction(ctx, tx)
	c.observe("eth_sendRawTransaction", err)
	return err
}

// AwaitConfirmation polls for the receipt until ctx ends.
func (c *Client) AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	rcpt, err := bind.WaitMined(ctx, c.ec, tx)
	c.observe("wait_mined", err)
	return rcpt, err
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return retry(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.ec.TransactionReceipt(ctx, hash)
	})
}

// SubscribeTransfers streams Transfer logs of the token contract. Endpoints that
// cannot push notifications (plain HTTP) are polled with eth_getLogs instead.
func (c *Client) SubscribeTransfers(ctx context.Context, sink chan<- settlement.TransferEvent) (ethereum.Subscription, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.opts.Token},
		Topics:    [][]common.Hash{{transferTopic}},
	}
	logs := make(chan types.Log, 128)
	sub, err := c.ec.SubscribeFilterLogs(ctx, q, logs)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		c.log.Infof("[monitor] endpoint has no subscriptions, polling every %s", c.opts.PollInterval)
		return c.pollTransfers(ctx, q, sink)
	}
	c.observe("eth_subscribe", err)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				if !c.deliver(lg, sink, quit) {
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Client) pollTransfers(ctx context.Context, q ethereum.FilterQuery, sink chan<- settlement.TransferEvent) (ethereum.Subscription, error) {
	head, err := retry(ctx, c, "eth_blockNumber", c.ec.BlockNumber)
	if err != nil {
		return nil, err
	}
	next := head + 1
	return event.NewSubscription(func(quit <-chan struct{}) error {
		pctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-pctx.Done():
			}
		}()

		t := time.NewTicker(c.opts.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-t.C:
			}
			head, err := retry(pctx, c, "eth_blockNumber", c.ec.BlockNumber)
			if err == nil && head >= next {
				q.FromBlock = new(big.Int).SetUint64(next)
				q.ToBlock = new(big.Int).SetUint64(head)
				var logs []types.Log
				logs, err = retry(pctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
					return c.ec.FilterLogs(ctx, q)
				})
				if err == nil {
					for _, lg := range logs {
						if !c.deliver(lg, sink, quit) {
							return nil
						}
					}
					next = head + 1
				}
			}
			if err != nil {
				if pctx.Err() != nil {
					return nil
				}
				if !retryable(err) {
					return err
				}
				c.log.Warnf("[monitor] poll failed (%s), retrying next tick: %v", Classify(err), err)
			}
		}
	}), nil
}

// deliver decodes lg and hands it to sink; false means the subscription was closed.
func (c *Client) deliver(lg types.Log, sink chan<- settlement.TransferEvent, quit <-chan struct{}) bool {
	ev, err := decodeTransfer(lg)
	if err != nil {
		c.log.Warnf("[monitor] skip log %s:%d: %v", lg.TxHash.Hex(), lg.Index, err)
		return true
	}
	select {
	case sink <- ev:
		return true
	case <-quit:
		return false
	}
}

// decodeTransfer reads Transfer(address indexed from, address indexed to, uint256 value).
func decodeTransfer(lg types.Log) (settlement.TransferEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return settlement.TransferEvent{}, errors.New("not an ERC-20 Transfer log")
	}
	vals, err := tokenABI.Unpack("Transfer", lg.Data)
	if err != nil {
		return settlement.TransferEvent{}, fmt.Errorf("decode value: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return settlement.TransferEvent{}, fmt.Errorf("unexpected value type %T", vals[0])
	}
	return settlement.TransferEvent{
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      amount,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Removed:     lg.Removed,
	}, nil
}
