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
	"sync"

	"github.com/meridianlabs/meridian/common"
)

// InMemoryStore is a volatile NodeStore keeping all records in a map. It is
// used by unit tests and by tooling operating on imported snapshots.
type InMemoryStore struct {
	mu    sync.RWMutex
	nodes map[common.Hash][]byte
}

// NewInMemoryStore creates an empty in-memory node store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nodes: map[common.Hash][]byte{}}
}

func (s *InMemoryStore) Get(hash common.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.nodes[hash]
	if !exists {
		return nil, ErrNotFound
	}
	res := make([]byte, len(data))
	copy(res, data)
	return res, nil
}

func (s *InMemoryStore) Has(hash common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.nodes[hash]
	return exists, nil
}

func (s *InMemoryStore) PutBatch(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		data := make([]byte, len(entry.Data))
		copy(data, entry.Data)
		s.nodes[entry.Hash] = data
	}
	return nil
}

func (s *InMemoryStore) DeleteBatch(hashes []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hash := range hashes {
		delete(s.nodes, hash)
	}
	return nil
}

func (s *InMemoryStore) ForEach(callback func(hash common.Hash, data []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for hash, data := range s.nodes {
		if err := callback(hash, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) Size() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.nodes)), nil
}

func (s *InMemoryStore) Flush() error {
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
