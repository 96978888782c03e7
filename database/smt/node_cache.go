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
	"sync"

	"github.com/meridianlabs/meridian/common"
)

// DefaultNodeCacheCapacity is the number of decoded nodes retained by a
// tree's hot-node cache if no capacity is configured.
const DefaultNodeCacheCapacity = 100_000

// NodeCache is a bounded cache of decoded nodes keyed by their content
// address. Since nodes are immutable and content-addressed, a cached node
// can never go stale — it is evicted, never invalidated. The cache is an
// explicit component owned by whoever instantiates the tree, not
// process-wide state.
type NodeCache struct {
	mu    sync.Mutex
	cache *common.LruCache[common.Hash, Node]
}

// NewNodeCache creates a cache holding up to capacity decoded nodes.
func NewNodeCache(capacity int) *NodeCache {
	if capacity <= 0 {
		capacity = DefaultNodeCacheCapacity
	}
	return &NodeCache{cache: common.NewLruCache[common.Hash, Node](capacity)}
}

func (c *NodeCache) Get(hash common.Hash) (Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(hash)
}

func (c *NodeCache) Put(hash common.Hash, node Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Set(hash, node)
}

func (c *NodeCache) Remove(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(hash)
}

func (c *NodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
}
