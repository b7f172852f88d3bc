package syncer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/types"
)

var syncStateKey = []byte("syncState")

// LoadSyncState reads the persisted cursor. ok is false on a fresh store,
// which is the only condition that triggers genesis.
func LoadSyncState(db rollupdb.Reader) (state *types.SyncState, ok bool, err error) {
	value, exists, err := db.Get(rollupdb.NamespaceSyncState, syncStateKey)
	if err != nil {
		return nil, false, rollupdb.StorageError("load sync state", err)
	}
	if !exists {
		return nil, false, nil
	}
	state = new(types.SyncState)
	if err := json.Unmarshal(value, state); err != nil {
		return nil, false, fmt.Errorf("corrupt sync state %q: %w", value, err)
	}
	return state, true, nil
}

func writeSyncState(w rollupdb.Writer, state types.SyncState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := w.Set(rollupdb.NamespaceSyncState, syncStateKey, value); err != nil {
		return rollupdb.StorageError("write sync state", err)
	}
	return nil
}

// writeReplayed records that the frame anchored by txid was read at height.
func writeReplayed(w rollupdb.Writer, txid string, height uint64) error {
	if err := w.Set(rollupdb.NamespaceReplayedFrame, []byte(txid), binary.BigEndian.AppendUint64(nil, height)); err != nil {
		return rollupdb.StorageError("write replayed frame", err)
	}
	return nil
}

// Replayed reports whether the frame anchored by txid was read from a block
// this node has committed, whether or not it decoded.
func (s *Syncer) Replayed(txid string) (bool, error) {
	ok, err := s.db.Exist(rollupdb.NamespaceReplayedFrame, []byte(txid))
	if err != nil {
		return false, rollupdb.StorageError("read replayed frame", err)
	}
	return ok, nil
}
