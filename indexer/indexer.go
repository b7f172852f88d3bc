// Package indexer maps 20-byte addresses to small integer indices so anchored
// batches can reference repeat recipients compactly.
package indexer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/log"
)

var logger = log.NewLogger("indexer")

// ErrUnknownIndex is returned by Resolve for an index that was never assigned.
var ErrUnknownIndex = errors.New("unknown address index")

const defaultCacheSize = 4096

var currentIndexKey = []byte("currentIndex")

// Indexer is the persisted bijection between addresses and indices. Forward
// records map the decimal index to the hex address, reverse records map the
// hex address back. Both records and the counter are written in one storage
// transaction.
type Indexer struct {
	lock    sync.Mutex
	db      rollupdb.DB
	current uint64

	byIndex   *lru.Cache
	byAddress *lru.Cache
}

// NewIndexer loads the counter from db. cacheSize <= 0 selects a default.
func NewIndexer(db rollupdb.DB, cacheSize int) (*Indexer, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	byIndex, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	byAddress, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	ix := &Indexer{db: db, byIndex: byIndex, byAddress: byAddress}
	value, exists, err := db.Get(rollupdb.NamespaceCurrentIndex, currentIndexKey)
	if err != nil {
		return nil, rollupdb.StorageError("load current index", err)
	}
	if exists {
		ix.current, err = strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt current index %q: %w", value, err)
		}
	}
	logger.Info().Uint64("currentIndex", ix.current).Msg("Address indexer loaded")
	return ix, nil
}

func indexKey(index uint64) []byte {
	return []byte(strconv.FormatUint(index, 10))
}

func addressKey(addr common.Address) []byte {
	return []byte(strings.ToLower(addr.Hex()))
}

// CurrentIndex is the next index that will be assigned.
func (ix *Indexer) CurrentIndex() uint64 {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	return ix.current
}

// GetOrAssign returns the index of addr, assigning the next one if addr is
// new. created reports whether this call made the assignment.
func (ix *Indexer) GetOrAssign(addr common.Address) (index uint64, created bool, err error) {
	ix.lock.Lock()
	defer ix.lock.Unlock()

	index, ok, err := ix.lookup(addr)
	if err != nil || ok {
		return index, false, err
	}

	index = ix.current
	tx := ix.db.NewTx()
	if err := tx.Set(rollupdb.NamespaceIndexToAddress, indexKey(index), addressKey(addr)); err != nil {
		tx.Discard()
		return 0, false, rollupdb.StorageError("set forward index", err)
	}
	if err := tx.Set(rollupdb.NamespaceAddressToIndex, addressKey(addr), indexKey(index)); err != nil {
		tx.Discard()
		return 0, false, rollupdb.StorageError("set reverse index", err)
	}
	if err := tx.Set(rollupdb.NamespaceCurrentIndex, currentIndexKey, indexKey(index+1)); err != nil {
		tx.Discard()
		return 0, false, rollupdb.StorageError("set current index", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, rollupdb.StorageError("commit index", err)
	}

	ix.current = index + 1
	ix.byIndex.Add(index, addr)
	ix.byAddress.Add(addr, index)
	logger.Debug().Uint64("index", index).Str("address", addr.Hex()).Msg("Assigned address index")
	return index, true, nil
}

// Lookup returns the index of addr without assigning one.
func (ix *Indexer) Lookup(addr common.Address) (uint64, bool, error) {
	ix.lock.Lock()
	defer ix.lock.Unlock()
	return ix.lookup(addr)
}

func (ix *Indexer) lookup(addr common.Address) (uint64, bool, error) {
	if cached, ok := ix.byAddress.Get(addr); ok {
		return cached.(uint64), true, nil
	}
	value, exists, err := ix.db.Get(rollupdb.NamespaceAddressToIndex, addressKey(addr))
	if err != nil {
		return 0, false, rollupdb.StorageError("get reverse index", err)
	}
	if !exists {
		return 0, false, nil
	}
	index, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt index record for %s: %w", addr.Hex(), err)
	}
	ix.byAddress.Add(addr, index)
	return index, true, nil
}

// Resolve returns the address assigned to index.
func (ix *Indexer) Resolve(index uint64) (common.Address, error) {
	if cached, ok := ix.byIndex.Get(index); ok {
		return cached.(common.Address), nil
	}
	value, exists, err := ix.db.Get(rollupdb.NamespaceIndexToAddress, indexKey(index))
	if err != nil {
		return common.Address{}, rollupdb.StorageError("get forward index", err)
	}
	if !exists {
		return common.Address{}, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	if !common.IsHexAddress(string(value)) {
		return common.Address{}, fmt.Errorf("corrupt address record for index %d: %q", index, value)
	}
	addr := common.HexToAddress(string(value))
	ix.byIndex.Add(index, addr)
	return addr, nil
}

// ReadOnly is an encoding view of an Indexer that never assigns. Known
// addresses report their index; an unknown address reports created without
// being assigned, so the encoder writes it raw and the index is assigned
// when the batch is replayed from the base chain.
type ReadOnly struct {
	ix *Indexer
}

func (ix *Indexer) ReadOnly() *ReadOnly {
	return &ReadOnly{ix: ix}
}

func (v *ReadOnly) GetOrAssign(addr common.Address) (uint64, bool, error) {
	index, ok, err := v.ix.Lookup(addr)
	if err != nil {
		return 0, false, err
	}
	return index, !ok, nil
}

func (v *ReadOnly) Resolve(index uint64) (common.Address, error) {
	return v.ix.Resolve(index)
}
