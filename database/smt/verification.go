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
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/meridian/backend/storage"
	"github.com/meridianlabs/meridian/common"
)

// VerificationObserver is a listener interface for tracking the progress
// of a consistency check. It can, for instance, be implemented by a CLI to
// keep the user updated on current activities.
type VerificationObserver interface {
	StartVerification()
	Progress(msg string)
	EndVerification(res error)
}

// NilVerificationObserver is a trivial implementation of the observer
// interface above which ignores all reported events.
type NilVerificationObserver struct{}

func (NilVerificationObserver) StartVerification()        {}
func (NilVerificationObserver) Progress(msg string)       {}
func (NilVerificationObserver) EndVerification(res error) {}

// Mismatch reports a node whose persisted encoding does not reproduce the
// content address it is referenced under.
type Mismatch struct {
	// Hash is the content address the node is referenced by.
	Hash common.Hash
	// Computed is the hash re-derived from the persisted encoding. It is
	// zero if the record was missing or could not be decoded, in which
	// case Reason carries the failure.
	Computed common.Hash
	// Reason describes decode or lookup failures.
	Reason string
}

func (m Mismatch) String() string {
	if m.Reason != "" {
		return fmt.Sprintf("node %v: %s", m.Hash, m.Reason)
	}
	return fmt.Sprintf("node %v: expected hash %v, got %v", m.Hash, m.Hash, m.Computed)
}

// checkParallelismDepth is the number of tree levels below the root for
// which subtree checks are dispatched to their own goroutines.
const checkParallelismDepth = 3

// CheckConsistency independently audits a committed version: it re-walks
// the full tree from raw storage, recomputing every node hash bottom-up
// and comparing it against the reference it is stored under. No cached
// hash is trusted. All discoverable mismatches are collected in a single
// pass and returned in deterministic order; subtrees below a corrupt node
// are not descended into since their references cannot be trusted.
//
// A non-nil error reports a failure of the audit itself (a storage fault),
// not a verification result.
func (t *Tree) CheckConsistency(version uint64, observer VerificationObserver) (res []Mismatch, err error) {
	if observer == nil {
		observer = NilVerificationObserver{}
	}
	rootHash, err := t.versions.RootOf(version)
	if err != nil {
		return nil, err
	}

	observer.StartVerification()
	defer func() {
		observer.EndVerification(err)
	}()
	observer.Progress(fmt.Sprintf("Checking consistency of version %d, root %v ...", version, rootHash))

	checker := &consistencyChecker{
		tree:    t,
		visited: map[common.Hash]struct{}{},
	}
	if err := checker.check(rootHash, TreeDepth, checkParallelismDepth); err != nil {
		checker.group.Wait()
		return nil, err
	}
	if err := checker.group.Wait(); err != nil {
		return nil, err
	}

	mismatches := checker.mismatches
	slices.SortFunc(mismatches, func(a, b Mismatch) int {
		return a.Hash.Compare(b.Hash)
	})
	observer.Progress(fmt.Sprintf("Checked %d nodes, found %d mismatches", len(checker.visited), len(mismatches)))
	return mismatches, nil
}

type consistencyChecker struct {
	tree       *Tree
	group      errgroup.Group
	mu         sync.Mutex
	visited    map[common.Hash]struct{}
	mismatches []Mismatch
}

// enter registers a node as visited, returning false if it was already
// checked through another structurally shared path.
func (c *consistencyChecker) enter(hash common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.visited[hash]; seen {
		return false
	}
	c.visited[hash] = struct{}{}
	return true
}

func (c *consistencyChecker) report(mismatch Mismatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mismatches = append(c.mismatches, mismatch)
}

// check audits the subtree referenced by the given hash. The spawn budget
// controls how many levels below the root fork into own goroutines. A
// missing or damaged record is collected as a mismatch; only faults of the
// storage adapter itself are returned as errors.
func (c *consistencyChecker) check(hash common.Hash, height int, spawnBudget int) error {
	if isEmptyChild(hash, height) {
		return nil
	}
	if !c.enter(hash) {
		return nil
	}
	data, err := c.tree.store.Get(hash)
	if errors.Is(err, storage.ErrNotFound) {
		c.report(Mismatch{Hash: hash, Reason: "record missing"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read node %v: %w", hash, err)
	}
	node, err := decodeNode(data)
	if err != nil {
		c.report(Mismatch{Hash: hash, Reason: fmt.Sprintf("record not decodable: %v", err)})
		return nil
	}
	if computed := hashNode(node); computed != hash {
		c.report(Mismatch{Hash: hash, Computed: computed})
		return nil
	}
	inner, ok := node.(*InnerNode)
	if !ok {
		return nil
	}
	for _, child := range []common.Hash{inner.Left, inner.Right} {
		child := child
		if spawnBudget > 0 {
			c.group.Go(func() error {
				return c.check(child, height-1, spawnBudget-1)
			})
		} else {
			if err := c.check(child, height-1, 0); err != nil {
				return err
			}
		}
	}
	return nil
}
