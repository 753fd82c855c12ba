package txstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stemnet/stemd/dandelion"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// txKeyPrefix prefixes the keys of all transaction records.
var txKeyPrefix = []byte("tx/")

// ErrCorruptRecord is returned for records that can not be decoded.
var ErrCorruptRecord = errors.New("corrupt tx record")

// Hash is the constraint on the keys of a LevelDBStore.
type Hash interface {
	comparable
	~[32]byte
}

// LevelDBStore is a transaction store persisted in LevelDB. Each record is
// the state byte followed by the raw transaction.
type LevelDBStore[K Hash] struct {
	db *leveldb.DB

	// mu serializes the read-modify-write of Store and Promote.
	mu sync.Mutex
}

// A compile time check to ensure LevelDBStore satisfies the
// dandelion.TxStore interface.
var _ dandelion.TxStore[[]byte, [32]byte] = (*LevelDBStore[[32]byte])(nil)

// OpenLevelDB opens, or creates, the store at the given path.
func OpenLevelDB[K Hash](path string) (*LevelDBStore[K], error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open tx store at %v: %w", path,
			err)
	}

	log.Infof("Opened tx store at %v", path)

	return NewLevelDBStore[K](db), nil
}

// NewLevelDBStore wraps an open database.
func NewLevelDBStore[K Hash](db *leveldb.DB) *LevelDBStore[K] {
	return &LevelDBStore[K]{db: db}
}

// txKey returns the database key of a transaction.
func txKey[K Hash](id K) []byte {
	hash := [32]byte(id)

	key := make([]byte, 0, len(txKeyPrefix)+len(hash))
	key = append(key, txKeyPrefix...)

	return append(key, hash[:]...)
}

// encodeRecord serializes a record.
func encodeRecord(tx []byte, state dandelion.State) []byte {
	record := make([]byte, 0, 1+len(tx))
	record = append(record, byte(state))

	return append(record, tx...)
}

// decodeRecord parses a record.
func decodeRecord(record []byte) (dandelion.StoredTx[[]byte], error) {
	if len(record) == 0 {
		return dandelion.StoredTx[[]byte]{}, ErrCorruptRecord
	}

	state := dandelion.State(record[0])
	if state != dandelion.Stem && state != dandelion.Fluff {
		return dandelion.StoredTx[[]byte]{}, fmt.Errorf("%w: unknown "+
			"state %d", ErrCorruptRecord, record[0])
	}

	return dandelion.StoredTx[[]byte]{
		Tx:    append([]byte(nil), record[1:]...),
		State: state,
	}, nil
}

// fetch loads the record of a transaction.
func (s *LevelDBStore[K]) fetch(id K) (fn.Option[dandelion.StoredTx[[]byte]],
	error) {

	record, err := s.db.Get(txKey(id), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return fn.None[dandelion.StoredTx[[]byte]](), nil

	case err != nil:
		return fn.None[dandelion.StoredTx[[]byte]](), err
	}

	stored, err := decodeRecord(record)
	if err != nil {
		return fn.None[dandelion.StoredTx[[]byte]](), err
	}

	return fn.Some(stored), nil
}

// Store adds the transaction in the given state. A fluffed transaction is
// never stored back as stem.
func (s *LevelDBStore[K]) Store(_ context.Context, id K, tx []byte,
	state dandelion.State) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.fetch(id)
	if err != nil {
		return err
	}
	if cur.IsSome() && cur.UnsafeFromSome().State == dandelion.Fluff {
		return nil
	}

	return s.db.Put(txKey(id), encodeRecord(tx, state), nil)
}

// Get returns the stored transaction.
func (s *LevelDBStore[K]) Get(_ context.Context,
	id K) (fn.Option[dandelion.StoredTx[[]byte]], error) {

	return s.fetch(id)
}

// Promote moves the transaction to the Fluff state.
func (s *LevelDBStore[K]) Promote(_ context.Context, id K) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.fetch(id)
	if err != nil || cur.IsNone() {
		return err
	}

	stored := cur.UnsafeFromSome()
	if stored.State == dandelion.Fluff {
		return nil
	}

	return s.db.Put(
		txKey(id), encodeRecord(stored.Tx, dandelion.Fluff), nil,
	)
}

// Contains returns the state of the transaction.
func (s *LevelDBStore[K]) Contains(_ context.Context,
	id K) (fn.Option[dandelion.State], error) {

	cur, err := s.fetch(id)
	if err != nil {
		return fn.None[dandelion.State](), err
	}

	return fn.MapOption(storedState)(cur), nil
}

// storedState returns the state of a stored transaction.
func storedState(stored dandelion.StoredTx[[]byte]) dandelion.State {
	return stored.State
}

// Len returns the number of stored transactions.
func (s *LevelDBStore[K]) Len() (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix(txKeyPrefix), nil)
	defer iter.Release()

	var n int
	for iter.Next() {
		n++
	}

	return n, iter.Error()
}

// Close closes the database.
func (s *LevelDBStore[K]) Close() error {
	return s.db.Close()
}
