package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrBlockNotFound is returned when the provider has no block at a height.
var ErrBlockNotFound = errors.New("block not found")

// balanceOf(address) selector
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Client exposes typed chain methods on top of the gateway.
type Client struct {
	rpc RPC
}

func NewClient(rpc RPC) *Client {
	return &Client{rpc: rpc}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.rpc.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}
	return uint64(n), nil
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64, fullTx bool) (*Block, error) {
	raw, err := c.rpc.Call(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(number), fullTx)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", number, err)
	}
	if isNull(raw) {
		return nil, fmt.Errorf("block %d: %w", number, ErrBlockNotFound)
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block %d: %w", number, err)
	}
	return &block, nil
}

// TransactionReceipt returns nil without error when the receipt is not yet available.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	raw, err := c.rpc.Call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash.Hex(), err)
	}
	if isNull(raw) {
		return nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

// TransactionByHash returns nil without error when the provider does not know the transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	raw, err := c.rpc.Call(ctx, "eth_getTransactionByHash", hash)
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash(%s): %w", hash.Hex(), err)
	}
	if isNull(raw) {
		return nil, nil
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	raw, err := c.rpc.Call(ctx, "eth_getBalance", account, "latest")
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance(%s): %w", account.Hex(), err)
	}
	var balance hexutil.Big
	if err := json.Unmarshal(raw, &balance); err != nil {
		return nil, fmt.Errorf("unmarshal balance: %w", err)
	}
	return balance.ToInt(), nil
}

// CallContract runs a read-only eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	raw, err := c.rpc.Call(ctx, "eth_call", msg, "latest")
	if err != nil {
		return nil, fmt.Errorf("eth_call(%s): %w", to.Hex(), err)
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	return out, nil
}

// TokenBalance reads balanceOf(owner) on an ERC-20 style contract.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	out, err := c.CallContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return new(big.Int), nil
	}
	return new(big.Int).SetBytes(out), nil
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	raw, err := c.rpc.Call(ctx, "eth_getTransactionCount", account, "pending")
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", account.Hex(), err)
	}
	var nonce hexutil.Uint64
	if err := json.Unmarshal(raw, &nonce); err != nil {
		return 0, fmt.Errorf("unmarshal nonce: %w", err)
	}
	return uint64(nonce), nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	raw, err := c.rpc.Call(ctx, "eth_gasPrice")
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	var price hexutil.Big
	if err := json.Unmarshal(raw, &price); err != nil {
		return nil, fmt.Errorf("unmarshal gas price: %w", err)
	}
	return price.ToInt(), nil
}

func (c *Client) SendRawTransaction(ctx context.Context, signed []byte) (common.Hash, error) {
	raw, err := c.rpc.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(signed))
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var hash common.Hash
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}
