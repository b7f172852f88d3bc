package sequencer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	rollupdb "github.com/rolled-bit/go-rollup/db"
)

var pendingKey = []byte("pending")

// pendingBatch is an encoded frame that has not been replayed yet. Count is
// the number of transactions the frame carries. Txid is set once the frame
// is broadcast.
type pendingBatch struct {
	Frame      hexutil.Bytes `json:"frame"`
	Count      int           `json:"count"`
	Txid       string        `json:"txid,omitempty"`
	AnchoredAt time.Time     `json:"anchoredAt,omitempty"`
}

func loadPending(db rollupdb.Reader) (*pendingBatch, error) {
	value, ok, err := db.Get(rollupdb.NamespacePendingBatch, pendingKey)
	if err != nil {
		return nil, rollupdb.StorageError("load pending batch", err)
	}
	if !ok {
		return nil, nil
	}
	pending := new(pendingBatch)
	if err := json.Unmarshal(value, pending); err != nil {
		return nil, fmt.Errorf("corrupt pending batch: %w", err)
	}
	return pending, nil
}

func savePending(db rollupdb.Writer, pending *pendingBatch) error {
	value, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return rollupdb.StorageError("save pending batch", db.Set(rollupdb.NamespacePendingBatch, pendingKey, value))
}

func clearPending(db rollupdb.Writer) error {
	return rollupdb.StorageError("clear pending batch", db.Delete(rollupdb.NamespacePendingBatch, pendingKey))
}
