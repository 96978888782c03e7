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
	"sync"

	"golang.org/x/exp/slices"

	"github.com/meridianlabs/meridian/backend/storage"
	"github.com/meridianlabs/meridian/common"
)

// Write is a single element of an ordered change batch: either the new
// value hash of a storage slot or a tombstone removing the slot's leaf.
type Write struct {
	Key       common.Key
	ValueHash common.Hash
	Tombstone bool
}

// Update creates a write setting the value hash of a slot.
func Update(key common.Key, valueHash common.Hash) Write {
	return Write{Key: key, ValueHash: valueHash}
}

// Tombstone creates a write removing a slot's leaf. Applying a tombstone
// to an absent key is a no-op, not an error.
func Tombstone(key common.Key) Write {
	return Write{Key: key, Tombstone: true}
}

// Tree is the versioned sparse Merkle tree over the full 256-bit key
// space. Committed versions are immutable and structurally shared: applying
// a batch copies and re-hashes only the paths to the touched keys, all
// other subtrees are referenced by their unchanged content address.
//
// Concurrency discipline: at most one ApplyBatch or Prune may be in flight
// at any time — state transitions are inherently sequential and serialized
// by the internal add mutex as a safety net; the external state-application
// driver is expected to order them anyway. Any number of readers may
// concurrently operate on committed versions without blocking the writer
// or each other.
type Tree struct {
	store    storage.NodeStore
	versions *VersionIndex
	cache    *NodeCache
	addMutex sync.Mutex
}

// NewTree assembles a tree from its storage adapter, version index, and an
// injected hot-node cache.
func NewTree(store storage.NodeStore, versions *VersionIndex, cache *NodeCache) *Tree {
	if cache == nil {
		cache = NewNodeCache(DefaultNodeCacheCapacity)
	}
	return &Tree{store: store, versions: versions, cache: cache}
}

// Versions grants access to the tree's version index.
func (t *Tree) Versions() *VersionIndex {
	return t.versions
}

// Store grants access to the tree's storage adapter. It is used by
// tooling; regular clients operate through the tree's own operations.
func (t *Tree) Store() storage.NodeStore {
	return t.store
}

// ApplyBatch applies the ordered writes on top of the given base version
// and commits the result as a new version. If a key appears multiple times
// in the batch, the last write wins. The operation is deterministic:
// identical (base, writes) inputs always produce identical root hashes.
//
// All new and re-hashed nodes are persisted in a single atomic batch
// before the version record is appended to the version index; a crash in
// between leaves prior versions fully intact and the fresh nodes orphaned
// but harmless.
func (t *Tree) ApplyBatch(base uint64, writes []Write) (version uint64, root common.Hash, err error) {
	t.addMutex.Lock()
	defer t.addMutex.Unlock()

	rootHash, err := t.versions.RootOf(base)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) || errors.Is(err, ErrVersionPruned) {
			return 0, common.Hash{}, fmt.Errorf("%w: version %d", ErrUnknownBaseVersion, base)
		}
		return 0, common.Hash{}, err
	}

	version = t.versions.LatestVersion() + 1
	overlay := map[common.Hash]Node{}
	for _, write := range writes {
		rootHash, err = t.set(overlay, rootHash, TreeDepth, write, version)
		if err != nil {
			return 0, common.Hash{}, err
		}
	}

	entries, err := collectReachable(overlay, rootHash, TreeDepth)
	if err != nil {
		return 0, common.Hash{}, err
	}
	if len(entries) > 0 {
		if err := t.store.PutBatch(entries); err != nil {
			return 0, common.Hash{}, fmt.Errorf("failed to write nodes of version %d: %w", version, err)
		}
	}
	if err := t.versions.Record(version, rootHash, base); err != nil {
		return 0, common.Hash{}, err
	}
	for _, entry := range entries {
		t.cache.Put(entry.Hash, overlay[entry.Hash])
	}
	return version, rootHash, nil
}

// set updates the subtree of the given height rooted in the given hash
// with a single write, staging all re-created nodes of the touched path in
// the overlay. It returns the hash of the resulting subtree, which is the
// empty sentinel if the subtree ended up without leaves.
func (t *Tree) set(overlay map[common.Hash]Node, hash common.Hash, height int, write Write, version uint64) (common.Hash, error) {
	if height == 0 {
		if write.Tombstone {
			return emptySubtreeHashes[0], nil
		}
		leaf := &LeafNode{Key: write.Key, ValueHash: write.ValueHash, Version: version}
		leafHash := hashNode(leaf)
		overlay[leafHash] = leaf
		return leafHash, nil
	}

	// An empty subtree sentinel is split into explicit inner nodes along
	// the key's path; collapsing below restores the sentinel on removal.
	left := emptySubtreeHashes[height-1]
	right := emptySubtreeHashes[height-1]
	if !isEmptyChild(hash, height) {
		node, err := t.resolve(overlay, hash)
		if err != nil {
			return common.Hash{}, err
		}
		inner, ok := node.(*InnerNode)
		if !ok {
			return common.Hash{}, fmt.Errorf("%w: node %v is not an inner node", ErrCorruptNode, hash)
		}
		left, right = inner.Left, inner.Right
	}

	child := &left
	if write.Key.Bit(TreeDepth-height) == 1 {
		child = &right
	}
	newChild, err := t.set(overlay, *child, height-1, write, version)
	if err != nil {
		return common.Hash{}, err
	}
	*child = newChild

	if isEmptyChild(left, height-1) && isEmptyChild(right, height-1) {
		return emptySubtreeHashes[height], nil
	}
	inner := &InnerNode{Left: left, Right: right}
	innerHash := hashNode(inner)
	overlay[innerHash] = inner
	return innerHash, nil
}

// GetValueHash resolves the value hash of a slot at a given version. A
// missing key is not an error; absence is reported through the exists
// flag.
func (t *Tree) GetValueHash(version uint64, key common.Key) (valueHash common.Hash, exists bool, err error) {
	rootHash, err := t.versions.RootOf(version)
	if err != nil {
		return common.Hash{}, false, err
	}
	hash := rootHash
	for height := TreeDepth; height > 0; height-- {
		if isEmptyChild(hash, height) {
			return common.Hash{}, false, nil
		}
		node, err := t.resolve(nil, hash)
		if err != nil {
			return common.Hash{}, false, err
		}
		inner, ok := node.(*InnerNode)
		if !ok {
			return common.Hash{}, false, fmt.Errorf("%w: node %v is not an inner node", ErrCorruptNode, hash)
		}
		if key.Bit(TreeDepth-height) == 0 {
			hash = inner.Left
		} else {
			hash = inner.Right
		}
	}
	if isEmptyChild(hash, 0) {
		return common.Hash{}, false, nil
	}
	node, err := t.resolve(nil, hash)
	if err != nil {
		return common.Hash{}, false, err
	}
	leaf, ok := node.(*LeafNode)
	if !ok {
		return common.Hash{}, false, fmt.Errorf("%w: node %v is not a leaf", ErrCorruptNode, hash)
	}
	return leaf.ValueHash, true, nil
}

// resolve loads the node stored under the given hash, consulting the batch
// overlay and the hot-node cache before the storage adapter.
func (t *Tree) resolve(overlay map[common.Hash]Node, hash common.Hash) (Node, error) {
	if overlay != nil {
		if node, exists := overlay[hash]; exists {
			return node, nil
		}
	}
	if node, exists := t.cache.Get(hash); exists {
		return node, nil
	}
	_, node, err := readNode(t.store, hash)
	if err != nil {
		return nil, err
	}
	t.cache.Put(hash, node)
	return node, nil
}

// readNode fetches and decodes a node directly from a storage adapter,
// bypassing all caches.
func readNode(store storage.NodeStore, hash common.Hash) ([]byte, Node, error) {
	data, err := store.Get(hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: missing node %v", ErrCorruptNode, hash)
		}
		return nil, nil, fmt.Errorf("failed to load node %v: %w", hash, err)
	}
	node, err := decodeNode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (node %v)", err, hash)
	}
	return data, node, nil
}

// collectReachable gathers the staged nodes of the overlay reachable from
// the given root into storage entries, ordered by hash for deterministic
// batch layout. Staged nodes superseded by later writes of the same batch
// are dropped here.
func collectReachable(overlay map[common.Hash]Node, root common.Hash, height int) ([]storage.Entry, error) {
	entries := []storage.Entry{}
	visited := map[common.Hash]struct{}{}

	type frame struct {
		hash   common.Hash
		height int
	}
	stack := []frame{{root, height}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if isEmptyChild(current.hash, current.height) {
			continue
		}
		if _, seen := visited[current.hash]; seen {
			continue
		}
		node, staged := overlay[current.hash]
		if !staged {
			continue // unchanged subtree shared with the base version
		}
		visited[current.hash] = struct{}{}
		entries = append(entries, storage.Entry{Hash: current.hash, Data: encodeNode(node)})
		if inner, ok := node.(*InnerNode); ok {
			stack = append(stack,
				frame{inner.Left, current.height - 1},
				frame{inner.Right, current.height - 1})
		}
	}
	slices.SortFunc(entries, func(a, b storage.Entry) int {
		return a.Hash.Compare(b.Hash)
	})
	return entries, nil
}

// ForEachNode walks all nodes reachable from the given version's root in
// depth-first pre-order, passing each node's content address, raw encoding
// and height to the callback. The walk reads through the storage adapter
// only, bypassing the hot-node cache.
func (t *Tree) ForEachNode(version uint64, callback func(hash common.Hash, data []byte, height int) error) error {
	rootHash, err := t.versions.RootOf(version)
	if err != nil {
		return err
	}
	return forEachNodeIn(t.store, rootHash, TreeDepth, callback)
}

// ForEachNodeIn walks all nodes reachable from the given root hash directly
// on a storage adapter, without requiring the root to belong to a committed
// version. Snapshot import uses it to verify that a received node set is
// complete before committing its version.
func ForEachNodeIn(store storage.NodeStore, root common.Hash, callback func(hash common.Hash, data []byte, height int) error) error {
	return forEachNodeIn(store, root, TreeDepth, callback)
}

func forEachNodeIn(store storage.NodeStore, root common.Hash, height int, callback func(hash common.Hash, data []byte, height int) error) error {
	type frame struct {
		hash   common.Hash
		height int
	}
	stack := []frame{{root, height}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if isEmptyChild(current.hash, current.height) {
			continue
		}
		data, node, err := readNode(store, current.hash)
		if err != nil {
			return err
		}
		if err := callback(current.hash, data, current.height); err != nil {
			return err
		}
		if inner, ok := node.(*InnerNode); ok {
			// Right is pushed first so that the left subtree is visited
			// first, making the visiting order reproducible.
			stack = append(stack,
				frame{inner.Right, current.height - 1},
				frame{inner.Left, current.height - 1})
		}
	}
	return nil
}
