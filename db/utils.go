package db

import (
	"errors"
	"fmt"
)

var (
	NamespaceIndexToAddress = []byte("ita")
	NamespaceAddressToIndex = []byte("ati")
	NamespaceCurrentIndex   = []byte("ci")
	NamespaceAccount        = []byte("acct")
	NamespaceCode           = []byte("code")
	NamespaceLedgerTrie     = []byte("lt")
	NamespaceStateRoot      = []byte("root")
	NamespaceSyncState      = []byte("sync")
	NamespacePendingBatch   = []byte("pb")
	NamespaceReplayedFrame  = []byte("rf")
	EmptyKey                = []byte{}
	Separator               = []byte("|")
)

// ErrStorage marks failures of the underlying key-value store. Callers treat
// it as fatal: ledger and index integrity cannot be guaranteed past it.
var ErrStorage = errors.New("storage failure")

// StorageError wraps err so that errors.Is(err, ErrStorage) holds.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}

func PrependNamespace(namespace []byte, key []byte) []byte {
	if namespace != nil {
		prefixed := make([]byte, 0, len(namespace)+len(Separator)+len(key))
		prefixed = append(prefixed, namespace...)
		prefixed = append(prefixed, Separator...)
		return append(prefixed, key...)
	}
	return key
}

func ConvNilToBytes(byteArray []byte) []byte {
	if byteArray == nil {
		return []byte{}
	}
	return byteArray
}
