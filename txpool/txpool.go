// Package txpool keeps signed transactions waiting for the sequencer, in
// arrival order.
package txpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rolled-bit/go-rollup/codec"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/types"
)

var logger = log.NewLogger("txpool")

var (
	ErrPoolFull      = errors.New("transaction pool is full")
	ErrAlreadyKnown  = errors.New("transaction already in pool")
	ErrDataTooLarge  = errors.New("transaction data too large")
	ErrTxTooLarge    = errors.New("transaction does not fit in a batch")
	ErrMissingAmount = errors.New("transaction amount missing")
)

type entry struct {
	hash   common.Hash
	sender common.Address
	tx     *types.Transaction
}

// TxPool is a bounded FIFO deduplicated by transaction hash.
type TxPool struct {
	lock      sync.Mutex
	capacity  int
	maxTxSize int
	queue     []*entry
	known     map[common.Hash]struct{}
}

// NewTxPool admits up to capacity transactions, each at most maxTxSize bytes
// on the wire. Zero disables either bound.
func NewTxPool(capacity int, maxTxSize int) *TxPool {
	return &TxPool{
		capacity:  capacity,
		maxTxSize: maxTxSize,
		known:     make(map[common.Hash]struct{}),
	}
}

// Add verifies the signature of tx and appends it. It returns the hash and
// the recovered sender.
func (p *TxPool) Add(tx *types.Transaction) (common.Hash, common.Address, error) {
	if tx.GasPrice == nil || tx.Value == nil {
		return common.Hash{}, common.Address{}, ErrMissingAmount
	}
	if len(tx.Data) > codec.MaxDataLength {
		return common.Hash{}, common.Address{}, ErrDataTooLarge
	}
	if size := codec.MaxEncodedSize(tx); p.maxTxSize > 0 && size > p.maxTxSize {
		return common.Hash{}, common.Address{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTxTooLarge, size, p.maxTxSize)
	}
	sender, err := codec.Verify(tx)
	if err != nil {
		return common.Hash{}, common.Address{}, err
	}
	hash, err := codec.Hash(tx)
	if err != nil {
		return common.Hash{}, common.Address{}, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.known[hash]; ok {
		return hash, sender, fmt.Errorf("%w: %s", ErrAlreadyKnown, hash.Hex())
	}
	if p.capacity > 0 && len(p.queue) >= p.capacity {
		return hash, sender, ErrPoolFull
	}
	p.queue = append(p.queue, &entry{hash: hash, sender: sender, tx: tx.Copy()})
	p.known[hash] = struct{}{}
	logger.Debug().Str("hash", hash.Hex()).Str("sender", sender.Hex()).Uint64("nonce", tx.Nonce).Msg("Transaction admitted")
	return hash, sender, nil
}

// Peek returns up to n transactions from the front without removing them.
func (p *TxPool) Peek(n int) []*types.Transaction {
	p.lock.Lock()
	defer p.lock.Unlock()

	if n > len(p.queue) {
		n = len(p.queue)
	}
	txs := make([]*types.Transaction, n)
	for i := 0; i < n; i++ {
		txs[i] = p.queue[i].tx.Copy()
	}
	return txs
}

// Remove drops n transactions from the front. Only the sequencer removes,
// so the front is still what it peeked.
func (p *TxPool) Remove(n int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if n > len(p.queue) {
		n = len(p.queue)
	}
	for _, e := range p.queue[:n] {
		delete(p.known, e.hash)
	}
	p.queue = append([]*entry(nil), p.queue[n:]...)
}

func (p *TxPool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.queue)
}

// Has reports whether a transaction with hash is pending.
func (p *TxPool) Has(hash common.Hash) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.known[hash]
	return ok
}
