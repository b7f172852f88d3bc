package leveldb

import (
	"errors"
	"sync"

	rollupdb "github.com/rolled-bit/go-rollup/db"
	goleveldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ rollupdb.DB = (*DB)(nil)

// DB stores data in a goleveldb directory. Writes are synced so that index
// assignments and the sync cursor survive a crash.
type DB struct {
	db   *goleveldb.DB
	name string
}

// NewDB opens or creates the database in dir.
func NewDB(dir string) (*DB, error) {
	db, err := goleveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, name: dir}, nil
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (db *DB) Type() string {
	return "leveldb"
}

func (db *DB) Set(namespace []byte, key []byte, value []byte) error {
	return db.db.Put(rollupdb.PrependNamespace(namespace, key), rollupdb.ConvNilToBytes(value), syncWrite)
}

func (db *DB) Delete(namespace []byte, key []byte) error {
	return db.db.Delete(rollupdb.PrependNamespace(namespace, key), syncWrite)
}

func (db *DB) Get(namespace []byte, key []byte) ([]byte, bool, error) {
	value, err := db.db.Get(rollupdb.PrependNamespace(namespace, key), nil)
	if err != nil {
		if errors.Is(err, goleveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (db *DB) Exist(namespace []byte, key []byte) (bool, error) {
	return db.db.Has(rollupdb.PrependNamespace(namespace, key), nil)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) NewTx() rollupdb.Transaction {
	return &Transaction{db: db, batch: new(goleveldb.Batch)}
}

func (db *DB) NewBulk() rollupdb.Bulk {
	return &Transaction{db: db, batch: new(goleveldb.Batch)}
}

// Transaction buffers writes in a goleveldb batch which is applied atomically.
// It serves as both Transaction and Bulk.
type Transaction struct {
	lock      sync.Mutex
	db        *DB
	batch     *goleveldb.Batch
	discarded bool
	written   bool
}

func (tx *Transaction) Set(namespace []byte, key []byte, value []byte) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.batch.Put(rollupdb.PrependNamespace(namespace, key), rollupdb.ConvNilToBytes(value))
	return nil
}

func (tx *Transaction) Delete(namespace []byte, key []byte) error {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.batch.Delete(rollupdb.PrependNamespace(namespace, key))
	return nil
}

func (tx *Transaction) Commit() error {
	tx.lock.Lock()
	defer tx.lock.Unlock()

	if tx.discarded {
		return errors.New("commit after discard")
	}
	if tx.written {
		return errors.New("commit called twice")
	}
	tx.written = true
	return tx.db.db.Write(tx.batch, syncWrite)
}

func (tx *Transaction) Flush() error {
	return tx.Commit()
}

func (tx *Transaction) Discard() {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	tx.discarded = true
	tx.batch.Reset()
}

func (tx *Transaction) DiscardLast() {
	tx.Discard()
}

type Iterator struct {
	iter    iterator.Iterator
	valid   bool
	reverse bool
}

// Iterator walks [start, end); start greater than end walks (end, start] backwards.
func (db *DB) Iterator(start []byte, end []byte) rollupdb.Iterator {
	reverse := end != nil && string(start) > string(end)
	var r *util.Range
	if reverse {
		r = &util.Range{Start: incr(end), Limit: incr(start)}
	} else {
		r = &util.Range{Start: start, Limit: end}
	}
	it := db.db.NewIterator(r, nil)
	var valid bool
	if reverse {
		valid = it.Last()
	} else {
		valid = it.Next()
	}
	return &Iterator{iter: it, valid: valid, reverse: reverse}
}

// incr returns the smallest key strictly greater than every key prefixed by b.
func incr(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	return out
}

func (iter *Iterator) Next() error {
	if !iter.valid {
		return errors.New("Invalid iterator")
	}
	if iter.reverse {
		iter.valid = iter.iter.Prev()
	} else {
		iter.valid = iter.iter.Next()
	}
	return nil
}

func (iter *Iterator) Valid() bool {
	return iter.valid
}

func (iter *Iterator) Key() ([]byte, error) {
	if !iter.valid {
		return nil, errors.New("Invalid iterator")
	}
	return append([]byte(nil), iter.iter.Key()...), nil
}

func (iter *Iterator) Value() ([]byte, error) {
	if !iter.valid {
		return nil, errors.New("Invalid iterator")
	}
	return append([]byte(nil), iter.iter.Value()...), nil
}

func (iter *Iterator) Close() {
	iter.iter.Release()
}
