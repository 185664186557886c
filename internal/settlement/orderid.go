package settlement

import (
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// OrderIDs hands out processPayment order ids.
//
// Ids are derived from the source log (tx hash + log index) so a redelivered or
// replayed event maps to the same order. Events without a tx hash get a
// millisecond clock id that is strictly increasing within the process.
type OrderIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewOrderIDs() *OrderIDs {
	return &OrderIDs{now: time.Now}
}

// Next returns the order id for ev.
func (g *OrderIDs) Next(ev TransferEvent) *big.Int {
	if ev.TxHash != (common.Hash{}) {
		return DeriveOrderID(ev.TxHash, ev.LogIndex)
	}
	return g.clock()
}

func (g *OrderIDs) clock() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return big.NewInt(ms)
}

// DeriveOrderID is keccak256(txHash || uint64be(logIndex)) read as a uint256.
func DeriveOrderID(txHash common.Hash, logIndex uint) *big.Int {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(logIndex))
	h := crypto.Keccak256Hash(txHash.Bytes(), idx[:])
	var id uint256.Int
	id.SetBytes32(h.Bytes())
	return id.ToBig()
}
