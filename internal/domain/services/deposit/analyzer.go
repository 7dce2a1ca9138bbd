package deposit

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
)

var (
	transferSelector     = []byte{0xa9, 0x05, 0x9c, 0xbb}
	transferFromSelector = []byte{0x23, 0xb8, 0x72, 0xdd}
)

// ReceiptFetcher loads transaction receipts
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
}

// WatchSet maps lower-cased addresses to their watched record
type WatchSet map[string]*entities.WatchedAddress

// NewWatchSet indexes addresses by normalized address
func NewWatchSet(addresses []*entities.WatchedAddress) WatchSet {
	set := make(WatchSet, len(addresses))
	for _, a := range addresses {
		set[a.NormalizedAddress()] = a
	}
	return set
}

func (w WatchSet) lookup(addr common.Address) (*entities.WatchedAddress, bool) {
	a, ok := w[entities.NormalizeAddress(addr.Hex())]
	return a, ok
}

// Analyzer turns a candidate transaction into deposit events
type Analyzer struct {
	receipts       ReceiptFetcher
	token          common.Address
	nativeDecimals int32
	tokenDecimals  int32
	now            func() time.Time
}

// NewAnalyzer creates a new transaction analyzer
func NewAnalyzer(receipts ReceiptFetcher, token common.Address, nativeDecimals, tokenDecimals int32) *Analyzer {
	return &Analyzer{
		receipts:       receipts,
		token:          token,
		nativeDecimals: nativeDecimals,
		tokenDecimals:  tokenDecimals,
		now:            time.Now,
	}
}

// IsCandidate reports whether tx could pay a watched address: a direct
// native transfer, or a token transfer/transferFrom naming one as recipient.
func (a *Analyzer) IsCandidate(tx *chain.Transaction, watched WatchSet) bool {
	if tx.To == nil {
		return false
	}
	if _, ok := watched.lookup(*tx.To); ok {
		return true
	}
	if *tx.To != a.token {
		return false
	}
	recipient, ok := tokenCallRecipient(tx.Input)
	if !ok {
		return false
	}
	_, ok = watched.lookup(recipient)
	return ok
}

func tokenCallRecipient(input []byte) (common.Address, bool) {
	switch {
	case len(input) >= 4+32 && bytes.Equal(input[:4], transferSelector):
		return common.BytesToAddress(input[4:36]), true
	case len(input) >= 4+64 && bytes.Equal(input[:4], transferFromSelector):
		return common.BytesToAddress(input[36:68]), true
	default:
		return common.Address{}, false
	}
}

// Analyze returns the deposits tx made to watched addresses. A failed
// receipt yields none. A nonzero native value is a native deposit; otherwise
// Transfer logs from the token contract to watched addresses are decoded.
func (a *Analyzer) Analyze(ctx context.Context, tx *chain.Transaction, blockNumber uint64, watched WatchSet) ([]*entities.DepositEvent, error) {
	receipt, err := a.receipts.TransactionReceipt(ctx, tx.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s: %w", tx.Hash.Hex(), err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("receipt for %s not available", tx.Hash.Hex())
	}
	if !receipt.Succeeded() {
		return nil, nil
	}

	detectedAt := a.now().UTC()
	txHash := entities.NormalizeAddress(tx.Hash.Hex())

	// Native value lands in the same single-currency balance as the token.
	if value := tx.ValueInt(); value.Sign() > 0 {
		if tx.To == nil {
			return nil, nil
		}
		w, ok := watched.lookup(*tx.To)
		if !ok {
			return nil, nil
		}
		return []*entities.DepositEvent{{
			TxHash:      txHash,
			LogIndex:    entities.NativeLogIndex,
			BlockNumber: blockNumber,
			From:        entities.NormalizeAddress(tx.From.Hex()),
			To:          w.NormalizedAddress(),
			UserID:      w.UserID,
			Amount:      chain.ToDecimal(value, a.nativeDecimals),
			Asset:       entities.AssetNative,
			DetectedAt:  detectedAt,
		}}, nil
	}

	var deposits []*entities.DepositEvent
	for _, log := range receipt.Logs {
		if log.Removed || log.Address != a.token {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != chain.TransferEventTopic {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		w, ok := watched.lookup(to)
		if !ok {
			continue
		}
		raw := new(big.Int).SetBytes(log.Data)
		if raw.Sign() == 0 {
			continue
		}
		deposits = append(deposits, &entities.DepositEvent{
			TxHash:      txHash,
			LogIndex:    int64(log.LogIndex),
			BlockNumber: blockNumber,
			From:        entities.NormalizeAddress(common.BytesToAddress(log.Topics[1].Bytes()).Hex()),
			To:          w.NormalizedAddress(),
			UserID:      w.UserID,
			Amount:      chain.ToDecimal(raw, a.tokenDecimals),
			Asset:       entities.AssetToken,
			DetectedAt:  detectedAt,
		})
	}
	return deposits, nil
}
