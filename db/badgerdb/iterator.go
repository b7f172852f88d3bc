package badgerdb

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger/v2"
	rollupdb "github.com/rolled-bit/go-rollup/db"
)

type Iterator struct {
	end     []byte
	reverse bool
	txn     *badger.Txn
	iter    *badger.Iterator
}

func (db *DB) Iterator(start, end []byte) rollupdb.Iterator {
	badgerTx := db.db.NewTransaction(false)

	// if end is bigger then start, then reverse order
	reverse := end != nil && bytes.Compare(start, end) == 1

	opt := badger.DefaultIteratorOptions
	opt.PrefetchValues = false
	opt.Reverse = reverse

	badgerIter := badgerTx.NewIterator(opt)
	badgerIter.Seek(start)

	return &Iterator{
		end:     end,
		reverse: reverse,
		txn:     badgerTx,
		iter:    badgerIter,
	}
}

func (iter *Iterator) Next() error {
	if !iter.Valid() {
		return errors.New("Invalid iterator")
	}
	iter.iter.Next()
	return nil
}

func (iter *Iterator) Valid() bool {
	if !iter.iter.Valid() {
		return false
	}

	if iter.end != nil {
		if !iter.reverse {
			if bytes.Compare(iter.end, iter.iter.Item().Key()) <= 0 {
				return false
			}
		} else {
			if bytes.Compare(iter.iter.Item().Key(), iter.end) <= 0 {
				return false
			}
		}
	}

	return true
}

func (iter *Iterator) Key() ([]byte, error) {
	if !iter.Valid() {
		return nil, errors.New("Invalid iterator")
	}
	return iter.iter.Item().KeyCopy(nil), nil
}

func (iter *Iterator) Value() ([]byte, error) {
	if !iter.Valid() {
		return nil, errors.New("Invalid iterator")
	}
	return iter.iter.Item().ValueCopy(nil)
}

func (iter *Iterator) Close() {
	iter.iter.Close()
	iter.txn.Discard()
}
