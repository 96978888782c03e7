// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashSize is the byte length of all hashes and keys in the state engine.
const HashSize = 32

// Hash is a 32-byte cryptographic hash. Tree nodes are content-addressed:
// a node's identity in persistent storage is the hash of its canonical
// encoding.
type Hash [HashSize]byte

// Key is a 32-byte identifier of a storage slot. Keys are opaque and
// uniformly distributed; their bits, interpreted big-endian, define the
// navigation path from the root of the state tree to the slot's leaf.
type Key [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("0x%x", h[:])
}

func (k Key) String() string {
	return fmt.Sprintf("0x%x", k[:])
}

// Compare orders hashes as unsigned big-endian integers.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Compare orders keys as unsigned big-endian integers.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Bit returns the i-th bit of the key, counting from the most significant
// bit of the first byte. It is the branch direction at tree depth i:
// 0 navigates left, 1 navigates right.
func (k Key) Bit(i int) int {
	return int(k[i/8]>>(7-i%8)) & 1
}

// HashFromString parses a hash from a hex string, with or without the 0x
// prefix.
func HashFromString(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	var h Hash
	data, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(data) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, wanted %d", len(data), HashSize)
	}
	copy(h[:], data)
	return h, nil
}

// KeyFromString parses a key from a hex string, with or without the 0x
// prefix.
func KeyFromString(s string) (Key, error) {
	h, err := HashFromString(s)
	return Key(h), err
}
