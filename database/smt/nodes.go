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

	"github.com/meridianlabs/meridian/common"
)

// This file defines the two node types of the sparse state tree:
//
//  - inner nodes ... branching points referencing a left and a right child
//                    subtree by hash; empty subtrees are referenced by their
//                    per-height sentinel hash and never materialized
//  - leaf nodes  ... terminal nodes at height 0 holding the hash of a slot's
//                    latest value and the version that wrote it
//
// Nodes are immutable once created. They carry no links to in-memory
// objects; all child references are content addresses resolved through a
// node source. Updating a tree never modifies existing nodes — changed
// paths are re-created bottom-up under new content addresses, unchanged
// subtrees are shared between versions by reference.

// NodeKind discriminates the node types in their persisted encoding.
type NodeKind byte

const (
	InnerNodeKind NodeKind = 1
	LeafNodeKind  NodeKind = 2
)

// Node is the common interface of all tree nodes.
type Node interface {
	Kind() NodeKind
}

// InnerNode is a branching node. Left covers all keys whose bit at the
// node's depth is 0, Right those with 1. A child equal to the empty-subtree
// sentinel of the height below refers to no stored node.
type InnerNode struct {
	Left  common.Hash
	Right common.Hash
}

func (n *InnerNode) Kind() NodeKind {
	return InnerNodeKind
}

// isEmptyChild returns true if the given child hash is the sentinel of an
// empty subtree at the given child height.
func isEmptyChild(child common.Hash, childHeight int) bool {
	return child == emptySubtreeHashes[childHeight]
}

// LeafNode holds the state of a single storage slot: the hash of its raw
// value — never the value itself, keeping nodes fixed-size — and the
// version the slot was last written at.
type LeafNode struct {
	Key       common.Key
	ValueHash common.Hash
	Version   uint64
}

func (n *LeafNode) Kind() NodeKind {
	return LeafNodeKind
}

func (n *LeafNode) String() string {
	return fmt.Sprintf("Leaf(%v -> %v @ %d)", n.Key, n.ValueHash, n.Version)
}
