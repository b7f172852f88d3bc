package memorydb

import (
	"container/list"
	"errors"
	"sync"

	rollupdb "github.com/rolled-bit/go-rollup/db"
)

var (
	errWriteAfterDiscard = errors.New("Commit after dicard tx is not allowed")
	errDoubleWrite       = errors.New("Commit occures two times")
)

type txOp struct {
	isSet bool
	key   []byte
	value []byte
}

// opLog buffers writes until they are applied to the DB in one critical section.
type opLog struct {
	lock      sync.Mutex
	db        *DB
	ops       *list.List
	isDiscard bool
	isCommit  bool
}

func (l *opLog) Set(namespace []byte, key []byte, value []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	key = rollupdb.PrependNamespace(namespace, key)
	l.ops.PushBack(&txOp{true, key, copyBytes(value)})
	return nil
}

func (l *opLog) Delete(namespace []byte, key []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	key = rollupdb.PrependNamespace(namespace, key)
	l.ops.PushBack(&txOp{false, key, nil})
	return nil
}

func (l *opLog) write() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.isDiscard {
		return errWriteAfterDiscard
	} else if l.isCommit {
		return errDoubleWrite
	}
	l.db.apply(l.ops)
	l.isCommit = true
	return nil
}

func (l *opLog) discard() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.isDiscard = true
}

type Transaction struct {
	opLog
}

func (transaction *Transaction) Commit() error {
	return transaction.write()
}

func (transaction *Transaction) Discard() {
	transaction.discard()
}

type Bulk struct {
	opLog
}

func (bulk *Bulk) Flush() error {
	return bulk.write()
}

func (bulk *Bulk) DiscardLast() {
	bulk.discard()
}

// Len returns the number of buffered operations.
func (l *opLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.ops.Len()
}
