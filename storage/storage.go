// Package storage opens the key-value engine selected by configuration.
package storage

import (
	"fmt"
	"os"

	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/db/badgerdb"
	"github.com/rolled-bit/go-rollup/db/leveldb"
	"github.com/rolled-bit/go-rollup/db/memorydb"
)

const (
	EngineBadger  = "badger"
	EngineLevelDB = "leveldb"
	EngineMemory  = "memory"
)

// Open returns a DB of the named engine rooted at dir. The memory engine
// ignores dir and keeps nothing across restarts.
func Open(engine string, dir string) (rollupdb.DB, error) {
	if engine != EngineMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, rollupdb.StorageError("create "+dir, err)
		}
	}
	switch engine {
	case EngineBadger:
		db, err := badgerdb.NewDB(dir)
		if err != nil {
			return nil, rollupdb.StorageError("open badger", err)
		}
		return db, nil
	case EngineLevelDB:
		db, err := leveldb.NewDB(dir)
		if err != nil {
			return nil, rollupdb.StorageError("open leveldb", err)
		}
		return db, nil
	case EngineMemory:
		return memorydb.NewDB(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}
