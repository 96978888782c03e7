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
	"encoding/binary"

	"golang.org/x/crypto/blake2s"

	"github.com/meridianlabs/meridian/common"
)

// Nodes are hashed with Blake2s-256 over their canonical encoding. The
// combining function of an inner node covers a domain tag and the hashes of
// its two children; the hash of a leaf covers a domain tag, the full key,
// the value hash, and the version the leaf was written at. These two rules
// are the sole source of root-hash determinism: two trees with identical
// leaves at identical positions have identical roots, independent of the
// order in which the leaves were inserted.

const (
	// TreeDepth is the number of branching levels of the state tree. Each
	// key bit navigates one level; leaves reside at height 0, the root at
	// height TreeDepth.
	TreeDepth = common.HashSize * 8

	tagInner byte = 1
	tagLeaf  byte = 2
)

// emptySubtreeHashes[h] is the hash of an empty subtree of height h. Empty
// subtrees are never materialized as nodes; these constants are the
// sentinels representing them. The hash of an empty leaf slot is the zero
// hash, each further level combines two empty children.
var emptySubtreeHashes = func() [TreeDepth + 1]common.Hash {
	var hashes [TreeDepth + 1]common.Hash
	for h := 1; h <= TreeDepth; h++ {
		hashes[h] = hashInner(hashes[h-1], hashes[h-1])
	}
	return hashes
}()

// EmptySubtreeHash returns the sentinel hash of an empty subtree of the
// given height.
func EmptySubtreeHash(height int) common.Hash {
	return emptySubtreeHashes[height]
}

// EmptyTreeRootHash is the root hash of a tree containing no leaves, the
// root of version 0.
func EmptyTreeRootHash() common.Hash {
	return emptySubtreeHashes[TreeDepth]
}

// hashInner computes the combining function of an inner node. Children
// covering empty subtrees contribute their sentinel hash.
func hashInner(left, right common.Hash) common.Hash {
	var buf [1 + 2*common.HashSize]byte
	buf[0] = tagInner
	copy(buf[1:], left[:])
	copy(buf[1+common.HashSize:], right[:])
	return blake2s.Sum256(buf[:])
}

// hashLeaf computes the hash of a leaf holding the latest value hash
// written to the given key.
func hashLeaf(key common.Key, valueHash common.Hash, version uint64) common.Hash {
	var buf [1 + 2*common.HashSize + 8]byte
	buf[0] = tagLeaf
	copy(buf[1:], key[:])
	copy(buf[1+common.HashSize:], valueHash[:])
	binary.BigEndian.PutUint64(buf[1+2*common.HashSize:], version)
	return blake2s.Sum256(buf[:])
}

// HashNode computes the content address of the given node. It is exported
// for snapshot transfer and storage tooling.
func HashNode(node Node) common.Hash {
	return hashNode(node)
}

// hashNode computes the content address of the given node.
func hashNode(node Node) common.Hash {
	switch n := node.(type) {
	case *InnerNode:
		return hashInner(n.Left, n.Right)
	case *LeafNode:
		return hashLeaf(n.Key, n.ValueHash, n.Version)
	}
	panic("unsupported node type")
}
