package deposit

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/rail-service/custody_service/internal/domain/entities"
	"github.com/rail-service/custody_service/internal/domain/services/events"
	"github.com/rail-service/custody_service/internal/domain/services/ledger"
	"github.com/rail-service/custody_service/internal/infrastructure/chain"
)

var (
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	watchedAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	otherAddr   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	senderAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	watchedUser = uuid.MustParse("6f1c2b36-8a53-4d0e-9b8a-2f4f0d9b1a01")
)

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	blocks    map[uint64]*chain.Block
	receipts  map[common.Hash]*chain.Receipt
	txs       map[common.Hash]*chain.Transaction
	failBlock map[uint64]error
	headErr   error
	fetched   []uint64
	gate      chan struct{}
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:      head,
		blocks:    map[uint64]*chain.Block{},
		receipts:  map[common.Hash]*chain.Receipt{},
		txs:       map[common.Hash]*chain.Transaction{},
		failBlock: map[uint64]error{},
	}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64, fullTx bool) (*chain.Block, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, number)
	if err := f.failBlock[number]; err != nil {
		return nil, err
	}
	if b, ok := f.blocks[number]; ok {
		return b, nil
	}
	return &chain.Block{Number: hexutil.Uint64(number)}, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[hash], nil
}

func (f *fakeChain) fetchedBlocks() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.fetched...)
}

func (f *fakeChain) addTx(block uint64, tx chain.Transaction, receipt *chain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[block]
	if !ok {
		b = &chain.Block{Number: hexutil.Uint64(block)}
		f.blocks[block] = b
	}
	bn := hexutil.Uint64(block)
	tx.BlockNumber = &bn
	b.Transactions = append(b.Transactions, tx)
	f.txs[tx.Hash] = &tx
	f.receipts[tx.Hash] = receipt
}

func okStatus() *hexutil.Uint64 {
	s := hexutil.Uint64(1)
	return &s
}

func failedStatus() *hexutil.Uint64 {
	s := hexutil.Uint64(0)
	return &s
}

func nativeTx(hash string, to common.Address, wei *big.Int) chain.Transaction {
	return chain.Transaction{
		Hash:  common.HexToHash(hash),
		From:  senderAddr,
		To:    &to,
		Value: (*hexutil.Big)(wei),
	}
}

func tokenTx(hash string, recipient common.Address, amount *big.Int) chain.Transaction {
	to := tokenAddr
	return chain.Transaction{
		Hash:  common.HexToHash(hash),
		From:  senderAddr,
		To:    &to,
		Value: (*hexutil.Big)(big.NewInt(0)),
		Input: chain.EncodeTokenTransfer(recipient, amount),
	}
}

func transferLog(index uint, from, to common.Address, amount *big.Int) chain.Log {
	return chain.Log{
		Address:  tokenAddr,
		Topics:   []common.Hash{chain.TransferEventTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:     common.LeftPadBytes(amount.Bytes(), 32),
		LogIndex: hexutil.Uint(index),
	}
}

type memWatermark struct {
	mu    sync.Mutex
	block uint64
	set   bool
}

func (w *memWatermark) Load(ctx context.Context) (uint64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.block, w.set, nil
}

func (w *memWatermark) Save(ctx context.Context, block uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.block, w.set = block, true
	return nil
}

type staticAddresses []*entities.WatchedAddress

func (s staticAddresses) ListActive(ctx context.Context) ([]*entities.WatchedAddress, error) {
	return s, nil
}

type recordingWriter struct {
	mu       sync.Mutex
	seen     map[string]*entities.DepositEvent
	credited int
	err      error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{seen: map[string]*entities.DepositEvent{}}
}

func (w *recordingWriter) ProcessDeposit(ctx context.Context, e *entities.DepositEvent) (ledger.DepositOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	if _, ok := w.seen[e.Key()]; ok {
		return ledger.OutcomeDuplicate, nil
	}
	w.seen[e.Key()] = e
	w.credited++
	return ledger.OutcomeCredited, nil
}

func (w *recordingWriter) creditCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credited
}

func (w *recordingWriter) keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.seen))
	for k := range w.seen {
		out = append(out, k)
	}
	return out
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []events.Type
}

func (p *recordingPublisher) Publish(ctx context.Context, t events.Type, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, t)
	return nil
}

func (p *recordingPublisher) count(t events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, got := range p.types {
		if got == t {
			n++
		}
	}
	return n
}

func watchedSet() staticAddresses {
	return staticAddresses{{
		ID:      uuid.New(),
		Address: watchedAddr.Hex(),
		UserID:  watchedUser,
		Active:  true,
	}}
}

func units(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func hashN(n int) string {
	return fmt.Sprintf("0x%064x", n)
}
