// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package smt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meridianlabs/meridian/backend/storage"
	"github.com/meridianlabs/meridian/common"
)

// BackendKind selects the storage backend of a state DB at construction
// time.
type BackendKind byte

const (
	// LevelDbBackend persists nodes in a LevelDB instance, the default.
	LevelDbBackend BackendKind = iota
	// SqliteBackend persists nodes in a single-file SQLite database.
	SqliteBackend
	// InMemoryBackend keeps all nodes in memory; used by tests and by
	// tooling operating on imported snapshots.
	InMemoryBackend
)

// Config are the construction parameters of a state DB. The zero value
// selects the LevelDB backend with the default node cache capacity.
type Config struct {
	Backend           BackendKind
	NodeCacheCapacity int
}

const (
	fileNameStateDbLock  = "statedb.lock"
	fileNameVersionIndex = "versions.dat"
	fileNameLevelDbNodes = "nodes"
	fileNameSqliteNodes  = "nodes.db"
)

// StateDB is the assembled state-commitment engine: a versioned sparse
// Merkle tree on top of a selected storage backend and a persistent
// version index, holding an exclusive lock on its directory while open.
type StateDB struct {
	directory string
	lock      common.LockFile
	store     storage.NodeStore
	versions  *VersionIndex
	tree      *Tree
}

// OpenStateDB opens (or initializes) a state DB in the given directory.
func OpenStateDB(directory string, config Config) (*StateDB, error) {
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	lock, err := common.CreateLockFile(filepath.Join(directory, fileNameStateDbLock))
	if err != nil {
		return nil, fmt.Errorf("state directory %s is locked by another process: %w", directory, err)
	}

	var store storage.NodeStore
	switch config.Backend {
	case LevelDbBackend:
		store, err = storage.OpenLevelDbStore(filepath.Join(directory, fileNameLevelDbNodes))
	case SqliteBackend:
		store, err = storage.OpenSqliteStore(filepath.Join(directory, fileNameSqliteNodes))
	case InMemoryBackend:
		store = storage.NewInMemoryStore()
	default:
		err = fmt.Errorf("unknown backend kind %d", config.Backend)
	}
	if err != nil {
		return nil, errors.Join(err, lock.Release())
	}

	versions, err := OpenVersionIndex(filepath.Join(directory, fileNameVersionIndex), EmptyTreeRootHash())
	if err != nil {
		return nil, errors.Join(err, store.Close(), lock.Release())
	}

	return &StateDB{
		directory: directory,
		lock:      lock,
		store:     store,
		versions:  versions,
		tree:      NewTree(store, versions, NewNodeCache(config.NodeCacheCapacity)),
	}, nil
}

// Tree grants access to the underlying tree engine.
func (db *StateDB) Tree() *Tree {
	return db.tree
}

// Versions grants access to the version index.
func (db *StateDB) Versions() *VersionIndex {
	return db.versions
}

// Store grants access to the storage adapter; used by tooling.
func (db *StateDB) Store() storage.NodeStore {
	return db.store
}

// ApplyBatch applies an ordered write batch on the given base version,
// committing a new version. See Tree.ApplyBatch.
func (db *StateDB) ApplyBatch(base uint64, writes []Write) (uint64, common.Hash, error) {
	return db.tree.ApplyBatch(base, writes)
}

// GetValueHash resolves the value hash of a slot at a version.
func (db *StateDB) GetValueHash(version uint64, key common.Key) (common.Hash, bool, error) {
	return db.tree.GetValueHash(version, key)
}

// Prove produces an inclusion or exclusion proof for a key at a version.
func (db *StateDB) Prove(version uint64, key common.Key) (*Proof, error) {
	return db.tree.Prove(version, key)
}

// RootOf resolves the root hash of a committed version.
func (db *StateDB) RootOf(version uint64) (common.Hash, error) {
	return db.versions.RootOf(version)
}

// LatestVersion returns the highest committed version.
func (db *StateDB) LatestVersion() uint64 {
	return db.versions.LatestVersion()
}

// Prune reclaims all nodes unreachable from the retained versions.
func (db *StateDB) Prune(retain []uint64) error {
	return db.tree.Prune(retain)
}

// CheckConsistency audits a version against raw storage.
func (db *StateDB) CheckConsistency(version uint64, observer VerificationObserver) ([]Mismatch, error) {
	return db.tree.CheckConsistency(version, observer)
}

// Flush syncs all buffered state to disk.
func (db *StateDB) Flush() error {
	return db.store.Flush()
}

// Close flushes and releases all resources. The state DB must not be used
// afterwards.
func (db *StateDB) Close() error {
	return errors.Join(
		db.store.Flush(),
		db.store.Close(),
		db.versions.Close(),
		db.lock.Release(),
	)
}
