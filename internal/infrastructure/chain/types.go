package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
var TransferEventTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Block is the subset of eth_getBlockByNumber the scanner reads.
type Block struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []Transaction  `json:"transactions"`
}

type Transaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Input       hexutil.Bytes   `json:"input"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

// ValueInt returns the native value, zero when absent.
func (t *Transaction) ValueInt() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return t.Value.ToInt()
}

type Receipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	Status          *hexutil.Uint64 `json:"status"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	Logs            []Log           `json:"logs"`
}

// Succeeded reports whether the receipt indicates successful execution.
// Receipts without a status field predate status codes and are treated as successful.
func (r *Receipt) Succeeded() bool {
	return r.Status == nil || uint64(*r.Status) == 1
}

type Log struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	LogIndex hexutil.Uint   `json:"logIndex"`
	TxHash   common.Hash    `json:"transactionHash"`
	Removed  bool           `json:"removed"`
}

// ToDecimal converts a raw integer amount into units with the given exponent.
func ToDecimal(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// FromDecimal converts units back to a raw integer, truncating excess precision.
func FromDecimal(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
