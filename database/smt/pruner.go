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
	"fmt"

	"github.com/pbnjay/memory"

	"github.com/meridianlabs/meridian/common"
)

// Prune reclaims the storage of all nodes not reachable from any retained
// version's root and transitions every other committed version to the
// terminal Pruned state.
//
// The implementation is a mark-and-sweep: structural sharing between
// versions makes per-node reference counts easy to get wrong under
// concurrent commit and prune, so reachability is recomputed from the
// retained roots instead. The reachable set is computed in full before the
// first record is deleted; any error during marking aborts the operation
// without modifying anything. Versions are flipped to Pruned before the
// sweep starts, so no reader begins a new walk into a subtree that is
// being reclaimed; readers of retained versions are unaffected since their
// nodes are never deleted and never mutated.
func (t *Tree) Prune(retain []uint64) error {
	t.addMutex.Lock()
	defer t.addMutex.Unlock()

	if len(retain) == 0 {
		return fmt.Errorf("retention set must not be empty")
	}
	retained := map[uint64]struct{}{}
	roots := []common.Hash{}
	for _, version := range retain {
		root, err := t.versions.RootOf(version)
		if err != nil {
			return fmt.Errorf("cannot retain version %d: %w", version, err)
		}
		retained[version] = struct{}{}
		roots = append(roots, root)
	}

	reachable := map[common.Hash]struct{}{}
	for _, root := range roots {
		if err := markReachable(t, root, reachable); err != nil {
			return fmt.Errorf("aborting prune, reachability computation incomplete: %w", err)
		}
	}

	for _, version := range t.versions.Versions() {
		if _, keep := retained[version]; keep {
			continue
		}
		if err := t.versions.MarkPruned(version); err != nil {
			return err
		}
	}

	// From here on only garbage is removed; an interrupted sweep leaves
	// unreachable records behind, which are harmless and collected by the
	// next prune.
	chunkSize := sweepChunkSize()
	chunk := make([]common.Hash, 0, chunkSize)
	chunks := [][]common.Hash{}
	err := t.store.ForEach(func(hash common.Hash, _ []byte) error {
		if _, keep := reachable[hash]; keep {
			return nil
		}
		chunk = append(chunk, hash)
		if len(chunk) == chunkSize {
			chunks = append(chunks, chunk)
			chunk = make([]common.Hash, 0, chunkSize)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("aborting prune, sweep scan failed: %w", err)
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	for _, chunk := range chunks {
		if err := t.store.DeleteBatch(chunk); err != nil {
			return fmt.Errorf("failed to delete unreachable nodes: %w", err)
		}
	}
	t.cache.Clear()
	return nil
}

// markReachable adds the content addresses of all nodes reachable from the
// given root to the set, skipping subtrees already marked through another
// retained version.
func markReachable(t *Tree, root common.Hash, reachable map[common.Hash]struct{}) error {
	type frame struct {
		hash   common.Hash
		height int
	}
	stack := []frame{{root, TreeDepth}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if isEmptyChild(current.hash, current.height) {
			continue
		}
		if _, seen := reachable[current.hash]; seen {
			continue
		}
		_, node, err := readNode(t.store, current.hash)
		if err != nil {
			return err
		}
		reachable[current.hash] = struct{}{}
		if inner, ok := node.(*InnerNode); ok {
			stack = append(stack,
				frame{inner.Left, current.height - 1},
				frame{inner.Right, current.height - 1})
		}
	}
	return nil
}

// sweepChunkSize bounds the size of individual delete batches relative to
// the machine's memory, keeping sweeps of very large stores incremental.
func sweepChunkSize() int {
	size := int(memory.TotalMemory() / (64 * 1024))
	if size < 1024 {
		size = 1024
	}
	if size > 1_000_000 {
		size = 1_000_000
	}
	return size
}
