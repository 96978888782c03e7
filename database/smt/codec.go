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
	"fmt"

	"github.com/meridianlabs/meridian/common"
)

// Persisted node layout. Every record starts with a format tag so that a
// forward-compatible format change remains readable by an older-version-
// aware reader. The encoding is injective: the kind byte separates the two
// node types, all remaining fields are fixed-width.
//
//  node  ::= <format> <kind> <body>
//  inner ::= <left-hash (32)> <right-hash (32)>
//  leaf  ::= <key (32)> <value-hash (32)> <version (8, big-endian)>

const (
	// formatNodeV1 is the current node record format.
	formatNodeV1 byte = 1

	encodedInnerNodeSize = 2 + 2*common.HashSize
	encodedLeafNodeSize  = 2 + 2*common.HashSize + 8
)

// EncodeNode serializes a node into its canonical persisted form. It is
// exported for snapshot transfer and storage tooling.
func EncodeNode(node Node) []byte {
	return encodeNode(node)
}

// DecodeNode restores a node from its persisted form. It is exported for
// snapshot transfer and storage tooling.
func DecodeNode(data []byte) (Node, error) {
	return decodeNode(data)
}

// encodeNode serializes a node into its canonical persisted form.
func encodeNode(node Node) []byte {
	switch n := node.(type) {
	case *InnerNode:
		res := make([]byte, encodedInnerNodeSize)
		res[0] = formatNodeV1
		res[1] = byte(InnerNodeKind)
		copy(res[2:], n.Left[:])
		copy(res[2+common.HashSize:], n.Right[:])
		return res
	case *LeafNode:
		res := make([]byte, encodedLeafNodeSize)
		res[0] = formatNodeV1
		res[1] = byte(LeafNodeKind)
		copy(res[2:], n.Key[:])
		copy(res[2+common.HashSize:], n.ValueHash[:])
		binary.BigEndian.PutUint64(res[2+2*common.HashSize:], n.Version)
		return res
	}
	panic("unsupported node type")
}

// decodeNode restores a node from its persisted form. Decode failures are
// reported as ErrCorruptNode; the caller is expected to add the offending
// node hash to the error chain.
func decodeNode(data []byte) (Node, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: record of %d bytes is too short", ErrCorruptNode, len(data))
	}
	if data[0] != formatNodeV1 {
		return nil, fmt.Errorf("%w: unsupported node format %d", ErrCorruptNode, data[0])
	}
	switch NodeKind(data[1]) {
	case InnerNodeKind:
		if len(data) != encodedInnerNodeSize {
			return nil, fmt.Errorf("%w: invalid inner node size %d, wanted %d", ErrCorruptNode, len(data), encodedInnerNodeSize)
		}
		node := &InnerNode{}
		copy(node.Left[:], data[2:])
		copy(node.Right[:], data[2+common.HashSize:])
		return node, nil
	case LeafNodeKind:
		if len(data) != encodedLeafNodeSize {
			return nil, fmt.Errorf("%w: invalid leaf node size %d, wanted %d", ErrCorruptNode, len(data), encodedLeafNodeSize)
		}
		node := &LeafNode{}
		copy(node.Key[:], data[2:])
		copy(node.ValueHash[:], data[2+common.HashSize:])
		node.Version = binary.BigEndian.Uint64(data[2+2*common.HashSize:])
		return node, nil
	}
	return nil, fmt.Errorf("%w: unknown node kind %d", ErrCorruptNode, data[1])
}
