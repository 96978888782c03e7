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
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the capability subset of a LevelDB instance used by the state
// engine. It allows transparent switching between transactional and
// non-transactional instances.
type LevelDB interface {

	// Get gets the value for the given key. It returns leveldb.ErrNotFound
	// if the DB does not contain the key. The returned slice is its own
	// copy and safe to modify.
	Get(key []byte, ro *opt.ReadOptions) (value []byte, err error)

	// Has returns true if the DB does contain the given key.
	Has(key []byte, ro *opt.ReadOptions) (bool, error)

	// NewIterator returns an iterator over the latest snapshot of the DB,
	// optionally restricted to the given key range. The iterator must be
	// released after use.
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator

	// Write applies the given batch to the DB atomically: either all
	// records of the batch become visible, or none.
	Write(batch *leveldb.Batch, wo *opt.WriteOptions) error
}
