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

//go:generate mockgen -source storage.go -destination storage_mocks.go -package storage

import (
	"github.com/meridianlabs/meridian/common"
)

// ErrNotFound is returned by NodeStore implementations when a requested
// node is not present in the store.
const ErrNotFound = common.ConstError("node not found")

// Entry is a single node record to be written to a NodeStore. Nodes are
// content-addressed: the key of a record is the hash of its data.
type Entry struct {
	Hash common.Hash
	Data []byte
}

// NodeStore abstracts persistent access to content-addressed tree nodes.
// It is the only component of the state engine touching raw storage; all
// other components are storage-format-agnostic.
//
// Implementations must make PutBatch atomic: either all records of a batch
// become durable, or none. This property is what makes version creation
// crash-safe — a version's node records are committed in one batch before
// the version record is appended to the version index.
type NodeStore interface {

	// Get retrieves the encoded node stored under the given hash. It
	// returns ErrNotFound if no such node exists. The returned slice is
	// owned by the caller.
	Get(hash common.Hash) ([]byte, error)

	// Has returns true if a node is stored under the given hash.
	Has(hash common.Hash) (bool, error)

	// PutBatch atomically stores all given entries. Re-writing an existing
	// hash is a no-op since records are content-addressed: equal hash
	// implies equal data.
	PutBatch(entries []Entry) error

	// DeleteBatch atomically removes the records stored under the given
	// hashes. Deleting an absent hash is a no-op.
	DeleteBatch(hashes []common.Hash) error

	// ForEach iterates over all stored node records in an unspecified
	// order, invoking the callback for each. The iteration stops at the
	// first error returned by the callback, which is passed through.
	// The data slice is only valid for the duration of the callback.
	ForEach(callback func(hash common.Hash, data []byte) error) error

	// Size returns the number of node records currently stored.
	Size() (uint64, error)

	// Flush syncs any buffered writes to the backing medium.
	Flush() error

	// Close flushes and releases the store. No other method may be called
	// after Close.
	Close() error
}
