package db

// Writer is implemented by DB, Transaction and Bulk
type Writer interface {
	Set(namespace []byte, key []byte, value []byte) error
	Delete(namespace []byte, key []byte) error
}

// Reader is the read side shared by DB implementations
type Reader interface {
	Get(namespace []byte, key []byte) ([]byte, bool, error)
	Exist(namespace []byte, key []byte) (bool, error)
}

// DB is an general interface to access at storage data
type DB interface {
	Reader
	Writer
	Type() string
	Iterator(start []byte, end []byte) Iterator
	NewTx() Transaction
	NewBulk() Bulk
	Close() error
}

// Transaction is used to batch multiple operations
type Transaction interface {
	Writer
	Commit() error
	Discard()
}

// Bulk is used to batch multiple transactions
// This will internally commit transactions when reach maximum tx size
type Bulk interface {
	Writer
	Flush() error
	DiscardLast()
}

// Iterator is used to navigate specific key ranges
type Iterator interface {
	Next() error
	Valid() bool
	Key() ([]byte, error)
	Value() ([]byte, error)
	Close()
}
