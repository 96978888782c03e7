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

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/meridianlabs/meridian/common"
)

// Proof is a witness for the presence or absence of a key under a specific
// root hash. It lists the sibling hashes along the key's path from the
// root downwards; for an inclusion proof the path reaches the leaf and
// Leaf carries its data, for an exclusion proof the path terminates at the
// first empty-subtree sentinel encountered and Leaf is nil.
//
// The terminal depth disambiguates "key absent" from "tree empty": a proof
// against the empty tree has no siblings at all, while an exclusion proof
// in a populated tree records the siblings down to the empty subtree that
// would contain the key.
type Proof struct {
	Key      common.Key
	Siblings []common.Hash // top-down; sibling i sits at height TreeDepth-i-1
	Leaf     *LeafNode     // nil for exclusion proofs
}

// Prove produces a proof for the given key at the given version. Absence
// of the key is a valid, proof-bearing result, not an error.
func (t *Tree) Prove(version uint64, key common.Key) (*Proof, error) {
	rootHash, err := t.versions.RootOf(version)
	if err != nil {
		return nil, err
	}
	proof := &Proof{Key: key}
	hash := rootHash
	for height := TreeDepth; height > 0; height-- {
		if isEmptyChild(hash, height) {
			// The subtree that would contain the key is empty; the proof
			// terminates at this sentinel.
			return proof, nil
		}
		node, err := t.resolve(nil, hash)
		if err != nil {
			return nil, err
		}
		inner, ok := node.(*InnerNode)
		if !ok {
			return nil, fmt.Errorf("%w: node %v is not an inner node", ErrCorruptNode, hash)
		}
		target, sibling := inner.Left, inner.Right
		if key.Bit(TreeDepth-height) == 1 {
			target, sibling = inner.Right, inner.Left
		}
		proof.Siblings = append(proof.Siblings, sibling)
		hash = target
	}
	if isEmptyChild(hash, 0) {
		return proof, nil
	}
	node, err := t.resolve(nil, hash)
	if err != nil {
		return nil, err
	}
	leaf, ok := node.(*LeafNode)
	if !ok {
		return nil, fmt.Errorf("%w: node %v is not a leaf", ErrCorruptNode, hash)
	}
	proof.Leaf = leaf
	return proof, nil
}

// VerifyProof checks a proof against a root hash, re-deriving the root
// purely from the proof content and the node combining function. It is
// independent of any tree or storage instance and can be evaluated by the
// settlement layer on nothing but the published root.
func VerifyProof(root common.Hash, key common.Key, proof *Proof) bool {
	if proof == nil || proof.Key != key || len(proof.Siblings) > TreeDepth {
		return false
	}
	var current common.Hash
	if proof.Leaf != nil {
		// An inclusion proof must span the full path to the leaf level,
		// and the leaf must belong to the proven key.
		if len(proof.Siblings) != TreeDepth || proof.Leaf.Key != key {
			return false
		}
		current = hashLeaf(proof.Leaf.Key, proof.Leaf.ValueHash, proof.Leaf.Version)
	} else {
		current = emptySubtreeHashes[TreeDepth-len(proof.Siblings)]
	}
	for i := len(proof.Siblings) - 1; i >= 0; i-- {
		if key.Bit(i) == 0 {
			current = hashInner(current, proof.Siblings[i])
		} else {
			current = hashInner(proof.Siblings[i], current)
		}
	}
	return current == root
}

// ---------------------------------------------------------------------------
//                              Wire Encoding
// ---------------------------------------------------------------------------

// formatProofV1 is the current proof wire format.
const formatProofV1 = uint8(1)

// wireProof is the RLP shape of a proof as published to the settlement
// layer. Sibling hashes equal to the empty-subtree sentinel of their height
// are the overwhelming majority in a sparse tree; they are compressed into
// a bitmap and omitted from the sibling list.
type wireProof struct {
	Format      uint8
	Key         []byte
	Depth       uint16
	SiblingMask []byte
	Siblings    [][]byte
	HasLeaf     bool
	LeafValue   []byte
	LeafVersion uint64
}

// EncodeWire serializes the proof into its compact RLP wire form.
func (p *Proof) EncodeWire() ([]byte, error) {
	depth := len(p.Siblings)
	wire := wireProof{
		Format:      formatProofV1,
		Key:         p.Key[:],
		Depth:       uint16(depth),
		SiblingMask: make([]byte, (depth+7)/8),
	}
	for i, sibling := range p.Siblings {
		sibling := sibling
		if sibling == emptySubtreeHashes[TreeDepth-i-1] {
			continue
		}
		wire.SiblingMask[i/8] |= 1 << (7 - i%8)
		wire.Siblings = append(wire.Siblings, sibling[:])
	}
	if p.Leaf != nil {
		wire.HasLeaf = true
		wire.LeafValue = p.Leaf.ValueHash[:]
		wire.LeafVersion = p.Leaf.Version
	}
	return rlp.EncodeToBytes(&wire)
}

// DecodeWireProof restores a proof from its wire form, re-expanding the
// omitted empty-subtree sentinels.
func DecodeWireProof(data []byte) (*Proof, error) {
	var wire wireProof
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode proof: %w", err)
	}
	if wire.Format != formatProofV1 {
		return nil, fmt.Errorf("unsupported proof format %d", wire.Format)
	}
	if len(wire.Key) != common.HashSize {
		return nil, fmt.Errorf("invalid proof key length %d", len(wire.Key))
	}
	depth := int(wire.Depth)
	if depth > TreeDepth || len(wire.SiblingMask) != (depth+7)/8 {
		return nil, fmt.Errorf("invalid proof shape: depth %d, mask of %d bytes", depth, len(wire.SiblingMask))
	}
	proof := &Proof{}
	copy(proof.Key[:], wire.Key)
	next := 0
	for i := 0; i < depth; i++ {
		if wire.SiblingMask[i/8]&(1<<(7-i%8)) != 0 {
			if next >= len(wire.Siblings) {
				return nil, fmt.Errorf("proof sibling list is shorter than its mask")
			}
			if len(wire.Siblings[next]) != common.HashSize {
				return nil, fmt.Errorf("invalid sibling hash length %d", len(wire.Siblings[next]))
			}
			var sibling common.Hash
			copy(sibling[:], wire.Siblings[next])
			proof.Siblings = append(proof.Siblings, sibling)
			next++
		} else {
			proof.Siblings = append(proof.Siblings, emptySubtreeHashes[TreeDepth-i-1])
		}
	}
	if next != len(wire.Siblings) {
		return nil, fmt.Errorf("proof sibling list is longer than its mask")
	}
	if wire.HasLeaf {
		if len(wire.LeafValue) != common.HashSize {
			return nil, fmt.Errorf("invalid leaf value hash length %d", len(wire.LeafValue))
		}
		leaf := &LeafNode{Key: proof.Key, Version: wire.LeafVersion}
		copy(leaf.ValueHash[:], wire.LeafValue)
		proof.Leaf = leaf
	}
	return proof, nil
}
