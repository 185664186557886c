package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const tokenABIJSON = `[
 {"anonymous":false,"type":"event","name":"Transfer","inputs":[
   {"indexed":true,"name":"from","type":"address"},
   {"indexed":true,"name":"to","type":"address"},
   {"indexed":false,"name":"value","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const settlementABIJSON = `[
 {"type":"function","name":"processPayment","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"orderId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"metaData","type":"string"}]}
]`

var (
	tokenABI      = mustABI(tokenABIJSON)
	settlementABI = mustABI(settlementABIJSON)

	// keccak256("Transfer(address,address,uint256)")
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}
