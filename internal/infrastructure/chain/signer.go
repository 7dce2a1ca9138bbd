package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// transfer(address,uint256) selector
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// ErrZeroAmount rejects transfers that would move nothing.
var ErrZeroAmount = errors.New("transfer amount must be positive")

// ErrBroadcastUnknown marks a send the provider may have accepted even though
// no success reached the caller.
var ErrBroadcastUnknown = errors.New("broadcast outcome unknown")

// Transfer describes an outgoing native or token transfer.
type Transfer struct {
	Key      *ecdsa.PrivateKey
	To       common.Address
	Token    *common.Address // nil for a native transfer
	Amount   *big.Int
	GasLimit uint64
}

// Sender builds, signs and broadcasts transfers. Sends from the same address
// are serialized so concurrent callers never reuse a nonce.
type Sender struct {
	client  *Client
	chainID *big.Int
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

func NewSender(client *Client, chainID int64, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		client:  client,
		chainID: big.NewInt(chainID),
		logger:  logger,
		locks:   make(map[common.Address]*sync.Mutex),
	}
}

func (s *Sender) lockFor(addr common.Address) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		s.locks[addr] = l
	}
	return l
}

// SignedHook receives the hash of a signed transaction before it is
// broadcast. Returning an error aborts the send.
type SignedHook func(hash common.Hash) error

// Send signs t and broadcasts it. The hash is fixed by signing, so it is
// returned alongside ErrBroadcastUnknown when the provider's answer was lost;
// such a transaction may still be mined and must be tracked by hash. Any other
// error means nothing was broadcast.
func (s *Sender) Send(ctx context.Context, t Transfer, onSigned SignedHook) (common.Hash, error) {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return common.Hash{}, ErrZeroAmount
	}
	if t.Key == nil {
		return common.Hash{}, fmt.Errorf("signing key is required")
	}
	from := crypto.PubkeyToAddress(t.Key.PublicKey)

	lock := s.lockFor(from)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}

	signed, err := s.sign(t, nonce, gasPrice)
	if err != nil {
		return common.Hash{}, err
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode tx: %w", err)
	}
	hash := signed.Hash()

	if onSigned != nil {
		if err := onSigned(hash); err != nil {
			return common.Hash{}, fmt.Errorf("record signed tx %s: %w", hash.Hex(), err)
		}
	}

	if err := s.broadcast(ctx, hash, payload); err != nil {
		if errors.Is(err, ErrBroadcastUnknown) {
			s.logger.Warn("Transaction broadcast outcome unknown",
				zap.String("from", from.Hex()),
				zap.Uint64("nonce", nonce),
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err))
			return hash, err
		}
		return common.Hash{}, err
	}

	s.logger.Info("Transaction broadcast",
		zap.String("from", from.Hex()),
		zap.String("to", t.To.Hex()),
		zap.String("amount", t.Amount.String()),
		zap.Bool("token", t.Token != nil),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", hash.Hex()))

	return hash, nil
}

// broadcast submits payload and sorts the failure into accepted, rejected or
// unknown. A retried submission can come back "already known" or "nonce too
// low" for the very transaction an earlier lost attempt delivered.
func (s *Sender) broadcast(ctx context.Context, hash common.Hash, payload []byte) error {
	_, err := s.client.SendRawTransaction(ctx, payload)
	if err == nil {
		return nil
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, "already known", "known transaction", "already imported") {
		s.logger.Info("Provider already holds transaction", zap.String("tx_hash", hash.Hex()))
		return nil
	}

	if strings.Contains(lower, "nonce too low") {
		tx, lookupErr := s.client.TransactionByHash(ctx, hash)
		switch {
		case lookupErr == nil && tx != nil:
			s.logger.Info("Nonce already used by this transaction", zap.String("tx_hash", hash.Hex()))
			return nil
		case lookupErr == nil && attemptsOf(err) <= 1:
			return err
		default:
			return fmt.Errorf("%w: %w", ErrBroadcastUnknown, err)
		}
	}

	if definitelyRejected(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBroadcastUnknown, err)
}

// definitelyRejected reports whether the provider answered a single
// submission with a refusal. Anything retried or lost in transit may have
// been accepted along the way.
func definitelyRejected(err error) bool {
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Attempts > 1 {
		return false
	}
	return gerr.Kind == KindProviderError || gerr.Kind == KindRateLimited
}

func attemptsOf(err error) int {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Attempts
	}
	return 0
}

func (s *Sender) sign(t Transfer, nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
	to := t.To
	value := t.Amount
	var data []byte

	if t.Token != nil {
		to = *t.Token
		value = new(big.Int)
		data = EncodeTokenTransfer(t.To, t.Amount)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      t.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), t.Key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// EncodeTokenTransfer builds transfer(to, amount) calldata.
func EncodeTokenTransfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
