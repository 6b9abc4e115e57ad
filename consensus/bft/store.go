package bft

import (
	"encoding/binary"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
)

var finalizedHeightKey = []byte("bft:finalizedHeight")

// LevelDBFinalityStore persists finalizedHeight to a goleveldb database,
// following the teacher's p2p.Peerstore load-on-open/persist-on-mutate
// idiom. LoadHeaders is intentionally unimplemented: full header/chain
// storage belongs to the external block-processor collaborator this
// repository does not own.
type LevelDBFinalityStore struct {
	db *leveldb.DB
}

// NewLevelDBFinalityStore opens (creating if absent) a goleveldb database at
// path to back finalizedHeight persistence.
func NewLevelDBFinalityStore(path string) (*LevelDBFinalityStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBFinalityStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LevelDBFinalityStore) Close() error {
	return s.db.Close()
}

// LoadFinalizedHeight returns the last persisted finalized height, or 0 if
// none has ever been persisted.
func (s *LevelDBFinalityStore) LoadFinalizedHeight() (uint64, error) {
	value, err := s.db.Get(finalizedHeightKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(value), nil
}

// PersistFinalizedHeight writes height to the database.
func (s *LevelDBFinalityStore) PersistFinalizedHeight(height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return s.db.Put(finalizedHeightKey, buf, nil)
}

// LoadHeaders is out of scope for this store: chain-state/header storage
// belongs to the external block-processor collaborator (see spec.md §1).
func (s *LevelDBFinalityStore) LoadHeaders(fromHeight, tillHeight uint64) ([]*BlockHeader, error) {
	return nil, errors.New("bft: LoadHeaders not implemented by LevelDBFinalityStore; header storage is an external collaborator")
}
