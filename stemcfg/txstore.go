package stemcfg

import (
	"fmt"

	"github.com/stemnet/stemd/txstore"
)

const (
	// MemoryBackend keeps the relay state of transactions in memory.
	MemoryBackend = "memory"

	// LevelDBBackend persists the relay state of transactions in a
	// leveldb database.
	LevelDBBackend = "leveldb"
)

// TxStore holds the options of the transaction relay state store.
//
//nolint:lll
type TxStore struct {
	Backend string `long:"backend" description:"The backend of the transaction store." choice:"memory" choice:"leveldb"`

	Path string `long:"path" description:"The directory of the leveldb database, relative paths are resolved against the data directory."`

	MaxTxs uint64 `long:"max-txs" description:"The number of transactions the in-memory store keeps before it evicts the least recently used one."`
}

// DefaultTxStore returns the default store options.
func DefaultTxStore() *TxStore {
	return &TxStore{
		Backend: MemoryBackend,
		Path:    "txstore",
		MaxTxs:  txstore.DefaultMaxTxs,
	}
}

// Validate checks the store options for sanity.
//
// NOTE: This is part of the Validator interface.
func (s *TxStore) Validate() error {
	switch s.Backend {
	case MemoryBackend:
		if s.MaxTxs == 0 {
			return fmt.Errorf("max txs must be positive")
		}

	case LevelDBBackend:
		if s.Path == "" {
			return fmt.Errorf("leveldb backend requires a path")
		}

	default:
		return fmt.Errorf("unknown txstore backend %q", s.Backend)
	}

	return nil
}

// A compile time check to ensure TxStore implements the Validator interface.
var _ Validator = (*TxStore)(nil)
