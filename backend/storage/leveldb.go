// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package storage

import (
	"fmt"
	"io"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/meridianlabs/meridian/common"
)

// nodeKeyPrefix is prepended to every node hash to form the LevelDB key of
// a node record, separating nodes from any future metadata keyspaces.
const nodeKeyPrefix = byte('n')

// LevelDbStore is a NodeStore backed by a LevelDB instance. Node records
// are stored under their content hash; batch writes map directly to the
// atomic write-batch primitive of LevelDB.
type LevelDbStore struct {
	db     common.LevelDB
	closer io.Closer // nil if the instance is externally managed
}

// OpenLevelDbStore opens (or creates) a LevelDB-backed node store in the
// given directory.
func OpenLevelDbStore(directory string) (*LevelDbStore, error) {
	db, err := leveldb.OpenFile(directory, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open node store in %s: %w", directory, err)
	}
	return &LevelDbStore{db: db, closer: db}, nil
}

// NewLevelDbStoreOn creates a node store on an externally managed LevelDB
// instance, which may also be a transaction. Closing the store does not
// close the instance.
func NewLevelDbStoreOn(db common.LevelDB) *LevelDbStore {
	return &LevelDbStore{db: db}
}

func (s *LevelDbStore) Get(hash common.Hash) ([]byte, error) {
	data, err := s.db.Get(nodeKey(hash), nil)
	if err == errors.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *LevelDbStore) Has(hash common.Hash) (bool, error) {
	return s.db.Has(nodeKey(hash), nil)
}

func (s *LevelDbStore) PutBatch(entries []Entry) error {
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		batch.Put(nodeKey(entry.Hash), entry.Data)
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDbStore) DeleteBatch(hashes []common.Hash) error {
	batch := new(leveldb.Batch)
	for _, hash := range hashes {
		batch.Delete(nodeKey(hash))
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDbStore) ForEach(callback func(hash common.Hash, data []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{nodeKeyPrefix}), nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != 1+common.HashSize {
			return fmt.Errorf("invalid node record key of length %d", len(key))
		}
		var hash common.Hash
		copy(hash[:], key[1:])
		if err := callback(hash, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *LevelDbStore) Size() (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{nodeKeyPrefix}), nil)
	defer iter.Release()
	count := uint64(0)
	for iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (s *LevelDbStore) Flush() error {
	// LevelDB write batches are synced by the DB itself; there is no
	// extra buffering on this level to be flushed.
	return nil
}

func (s *LevelDbStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func nodeKey(hash common.Hash) []byte {
	key := make([]byte, 1+common.HashSize)
	key[0] = nodeKeyPrefix
	copy(key[1:], hash[:])
	return key
}
