package memorydb

import (
	"container/list"
	"sync"

	rollupdb "github.com/rolled-bit/go-rollup/db"
)

// NewDB returns an empty map-backed DB. Nothing is persisted.
func NewDB() *DB {
	return &DB{
		db: make(map[string][]byte),
	}
}

// Enforce database and transaction implements interfaces
var (
	_ rollupdb.DB          = (*DB)(nil)
	_ rollupdb.Transaction = (*Transaction)(nil)
	_ rollupdb.Bulk        = (*Bulk)(nil)
)

type DB struct {
	lock sync.RWMutex
	db   map[string][]byte
}

func (db *DB) Type() string {
	return "memorydb"
}

func (db *DB) Set(namespace []byte, key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.db[string(rollupdb.PrependNamespace(namespace, key))] = copyBytes(value)
	return nil
}

func (db *DB) Delete(namespace []byte, key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	delete(db.db, string(rollupdb.PrependNamespace(namespace, key)))
	return nil
}

func (db *DB) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	value, exists := db.db[string(rollupdb.PrependNamespace(namespace, key))]
	if !exists {
		return nil, false, nil
	}
	return copyBytes(value), true, nil
}

func (db *DB) Exist(namespace []byte, key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	_, ok := db.db[string(rollupdb.PrependNamespace(namespace, key))]
	return ok, nil
}

// Len returns the number of stored keys.
func (db *DB) Len() int {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return len(db.db)
}

func (db *DB) Close() error {
	return nil
}

func (db *DB) NewTx() rollupdb.Transaction {
	return &Transaction{opLog: opLog{db: db, ops: list.New()}}
}

func (db *DB) NewBulk() rollupdb.Bulk {
	return &Bulk{opLog: opLog{db: db, ops: list.New()}}
}

func (db *DB) apply(ops *list.List) {
	db.lock.Lock()
	defer db.lock.Unlock()

	for e := ops.Front(); e != nil; e = e.Next() {
		op := e.Value.(*txOp)
		if op.isSet {
			db.db[string(op.key)] = op.value
		} else {
			delete(db.db, string(op.key))
		}
	}
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
