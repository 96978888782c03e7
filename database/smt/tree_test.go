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
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/meridianlabs/meridian/backend/storage"
	"github.com/meridianlabs/meridian/common"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	index := openTestIndex(t, t.TempDir())
	t.Cleanup(func() { index.Close() })
	return NewTree(storage.NewInMemoryStore(), index, NewNodeCache(1024))
}

// testKey derives a key whose first byte selects the top-level branch,
// spreading test keys over distinct subtrees.
func testKey(first byte) common.Key {
	return common.Key{first, 0xAA, 0xBB}
}

func TestTree_GenesisIsTheEmptyTree(t *testing.T) {
	tree := newTestTree(t)
	root, err := tree.Versions().RootOf(0)
	if err != nil {
		t.Fatalf("failed to resolve genesis root: %v", err)
	}
	if root != EmptyTreeRootHash() {
		t.Errorf("wanted %v, got %v", EmptyTreeRootHash(), root)
	}
}

func TestTree_ApplyBatch_CommitsSequentialVersions(t *testing.T) {
	tree := newTestTree(t)
	version, root, err := tree.ApplyBatch(0, []Write{Update(testKey(1), common.Hash{1})})
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	if version != 1 {
		t.Errorf("wanted version 1, got %d", version)
	}
	if root == EmptyTreeRootHash() {
		t.Errorf("a non-empty tree must not have the empty root")
	}
	recorded, err := tree.Versions().RootOf(1)
	if err != nil {
		t.Fatalf("version 1 is not recorded: %v", err)
	}
	if recorded != root {
		t.Errorf("wanted %v, got %v", root, recorded)
	}
}

func TestTree_ApplyBatch_RootIsOrderIndependentForDistinctKeys(t *testing.T) {
	writes := []Write{
		Update(testKey(0x00), common.Hash{1}),
		Update(testKey(0x80), common.Hash{2}),
		Update(testKey(0xFF), common.Hash{3}),
	}
	reversed := []Write{writes[2], writes[1], writes[0]}

	treeA := newTestTree(t)
	treeB := newTestTree(t)
	_, rootA, err := treeA.ApplyBatch(0, writes)
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	_, rootB, err := treeB.ApplyBatch(0, reversed)
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	if rootA != rootB {
		t.Errorf("write order over distinct keys changed the root: %v vs %v", rootA, rootB)
	}
}

func TestTree_ApplyBatch_LastWriteWins(t *testing.T) {
	key := testKey(1)
	last := common.Hash{2}

	treeA := newTestTree(t)
	_, rootA, err := treeA.ApplyBatch(0, []Write{
		Update(key, common.Hash{1}),
		Update(key, last),
	})
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	treeB := newTestTree(t)
	_, rootB, err := treeB.ApplyBatch(0, []Write{Update(key, last)})
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	if rootA != rootB {
		t.Errorf("wanted %v, got %v", rootB, rootA)
	}

	valueHash, exists, err := treeA.GetValueHash(1, key)
	if err != nil || !exists {
		t.Fatalf("failed to resolve slot: exists %t, err %v", exists, err)
	}
	if valueHash != last {
		t.Errorf("wanted %v, got %v", last, valueHash)
	}
}

func TestTree_ApplyBatch_EmptyBatchKeepsRoot(t *testing.T) {
	tree := newTestTree(t)
	_, rootOne, err := tree.ApplyBatch(0, []Write{Update(testKey(1), common.Hash{1})})
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	version, rootTwo, err := tree.ApplyBatch(1, nil)
	if err != nil {
		t.Fatalf("failed to apply empty batch: %v", err)
	}
	if version != 2 {
		t.Errorf("wanted version 2, got %d", version)
	}
	if rootTwo != rootOne {
		t.Errorf("an empty batch must keep the root, wanted %v, got %v", rootOne, rootTwo)
	}
}

func TestTree_ApplyBatch_UnknownBaseVersion(t *testing.T) {
	tree := newTestTree(t)
	if _, _, err := tree.ApplyBatch(9, nil); !errors.Is(err, ErrUnknownBaseVersion) {
		t.Errorf("wanted ErrUnknownBaseVersion, got %v", err)
	}
}

func TestTree_ApplyBatch_ForkFromOlderVersion(t *testing.T) {
	tree := newTestTree(t)
	if _, _, err := tree.ApplyBatch(0, []Write{Update(testKey(1), common.Hash{1})}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	if _, _, err := tree.ApplyBatch(1, []Write{Update(testKey(2), common.Hash{2})}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	// A batch on a non-latest base commits a fork under the next number.
	version, _, err := tree.ApplyBatch(1, []Write{Update(testKey(3), common.Hash{3})})
	if err != nil {
		t.Fatalf("failed to apply batch on older base: %v", err)
	}
	if version != 3 {
		t.Errorf("wanted version 3, got %d", version)
	}
	if parent, _ := tree.Versions().Parent(3); parent != 1 {
		t.Errorf("wanted parent 1, got %d", parent)
	}
}

func TestTree_Tombstone_RemovesOnlyLeafRestoringEmptyRoot(t *testing.T) {
	tree := newTestTree(t)
	key := testKey(1)
	if _, _, err := tree.ApplyBatch(0, []Write{Update(key, common.Hash{1})}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	_, root, err := tree.ApplyBatch(1, []Write{Tombstone(key)})
	if err != nil {
		t.Fatalf("failed to apply tombstone: %v", err)
	}
	if root != EmptyTreeRootHash() {
		t.Errorf("removing the only leaf must restore the empty root, got %v", root)
	}
	if _, exists, err := tree.GetValueHash(2, key); err != nil || exists {
		t.Errorf("slot should be absent after tombstone, exists %t, err %v", exists, err)
	}
}

func TestTree_Tombstone_AbsentKeyIsNoop(t *testing.T) {
	tree := newTestTree(t)
	_, rootOne, err := tree.ApplyBatch(0, []Write{Update(testKey(1), common.Hash{1})})
	if err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	_, rootTwo, err := tree.ApplyBatch(1, []Write{Tombstone(testKey(2))})
	if err != nil {
		t.Fatalf("failed to apply tombstone: %v", err)
	}
	if rootTwo != rootOne {
		t.Errorf("tombstoning an absent key must keep the root, wanted %v, got %v", rootOne, rootTwo)
	}
}

func TestTree_GetValueHash_HistoricalVersionsStayReadable(t *testing.T) {
	tree := newTestTree(t)
	key := testKey(1)
	first := common.Hash{1}
	second := common.Hash{2}
	if _, _, err := tree.ApplyBatch(0, []Write{Update(key, first)}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	if _, _, err := tree.ApplyBatch(1, []Write{Update(key, second)}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	if got, exists, err := tree.GetValueHash(1, key); err != nil || !exists || got != first {
		t.Errorf("wanted %v at version 1, got %v (exists %t, err %v)", first, got, exists, err)
	}
	if got, exists, err := tree.GetValueHash(2, key); err != nil || !exists || got != second {
		t.Errorf("wanted %v at version 2, got %v (exists %t, err %v)", second, got, exists, err)
	}
	if _, exists, err := tree.GetValueHash(0, key); err != nil || exists {
		t.Errorf("slot should be absent at genesis, exists %t, err %v", exists, err)
	}
}

func TestTree_ApplyBatch_SharesUntouchedSubtrees(t *testing.T) {
	tree := newTestTree(t)
	untouched := testKey(0x80)
	untouchedValue := common.Hash{2}
	if _, _, err := tree.ApplyBatch(0, []Write{
		Update(testKey(0x00), common.Hash{1}),
		Update(untouched, untouchedValue),
	}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	sizeBefore, _ := tree.Store().Size()

	if _, _, err := tree.ApplyBatch(1, []Write{Update(testKey(0x00), common.Hash{3})}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	sizeAfter, _ := tree.Store().Size()

	// Only the touched path is re-created: one inner node per level plus the
	// new leaf. The untouched key's leaf of version 1 remains referenced.
	if got, want := sizeAfter-sizeBefore, uint64(TreeDepth+1); got != want {
		t.Errorf("wanted %d new node records, got %d", want, got)
	}
	sharedLeaf := hashLeaf(untouched, untouchedValue, 1)
	if has, err := tree.Store().Has(sharedLeaf); err != nil || !has {
		t.Errorf("the untouched leaf of version 1 must remain stored (has %t, err %v)", has, err)
	}
	if got, exists, err := tree.GetValueHash(2, untouched); err != nil || !exists || got != untouchedValue {
		t.Errorf("untouched slot must stay readable at version 2, got %v (exists %t, err %v)", got, exists, err)
	}
}

func TestTree_ApplyBatch_DeterministicAcrossInstances(t *testing.T) {
	batches := [][]Write{
		{Update(testKey(1), common.Hash{1}), Update(testKey(2), common.Hash{2})},
		{Tombstone(testKey(1)), Update(testKey(3), common.Hash{3})},
	}
	treeA := newTestTree(t)
	treeB := newTestTree(t)
	for i, writes := range batches {
		_, rootA, err := treeA.ApplyBatch(uint64(i), writes)
		if err != nil {
			t.Fatalf("failed to apply batch %d: %v", i, err)
		}
		_, rootB, err := treeB.ApplyBatch(uint64(i), writes)
		if err != nil {
			t.Fatalf("failed to apply batch %d: %v", i, err)
		}
		if rootA != rootB {
			t.Fatalf("batch %d produced diverging roots %v and %v", i, rootA, rootB)
		}
	}
}

func TestTree_ApplyBatch_FailedNodeWriteCommitsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	injected := fmt.Errorf("injected store failure")
	store := storage.NewMockNodeStore(ctrl)
	store.EXPECT().PutBatch(gomock.Any()).Return(injected)

	tree := NewTree(store, index, NewNodeCache(16))
	if _, _, err := tree.ApplyBatch(0, []Write{Update(testKey(1), common.Hash{1})}); !errors.Is(err, injected) {
		t.Fatalf("wanted the injected store failure, got %v", err)
	}
	if got := index.LatestVersion(); got != 0 {
		t.Errorf("a failed batch must not commit a version, latest is %d", got)
	}
	if _, err := index.RootOf(1); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("wanted ErrVersionNotFound, got %v", err)
	}
}

func TestTree_ForEachNode_VisitsAllReachableNodesConsistently(t *testing.T) {
	tree := newTestTree(t)
	writes := []Write{
		Update(testKey(0x00), common.Hash{1}),
		Update(testKey(0x80), common.Hash{2}),
		Update(testKey(0xC0), common.Hash{3}),
	}
	if _, _, err := tree.ApplyBatch(0, writes); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	leaves := 0
	err := tree.ForEachNode(1, func(hash common.Hash, data []byte, height int) error {
		node, err := decodeNode(data)
		if err != nil {
			return err
		}
		if computed := hashNode(node); computed != hash {
			t.Errorf("node %v re-hashes to %v", hash, computed)
		}
		if _, ok := node.(*LeafNode); ok {
			if height != 0 {
				t.Errorf("leaf reported at height %d", height)
			}
			leaves++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if leaves != len(writes) {
		t.Errorf("wanted %d leaves, got %d", len(writes), leaves)
	}
}

func BenchmarkApplyBatch(b *testing.B) {
	index, err := OpenVersionIndex(b.TempDir()+"/versions.dat", EmptyTreeRootHash())
	if err != nil {
		b.Fatalf("failed to open version index: %v", err)
	}
	defer index.Close()
	tree := NewTree(storage.NewInMemoryStore(), index, NewNodeCache(0))

	const batchSize = 100
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		writes := make([]Write, batchSize)
		for j := range writes {
			var key common.Key
			key[0] = byte(i)
			key[1] = byte(i >> 8)
			key[2] = byte(j)
			writes[j] = Update(key, common.Hash{byte(j + 1)})
		}
		if _, _, err := tree.ApplyBatch(uint64(i), writes); err != nil {
			b.Fatalf("failed to apply batch: %v", err)
		}
	}
}

func BenchmarkGetValueHash(b *testing.B) {
	index, err := OpenVersionIndex(b.TempDir()+"/versions.dat", EmptyTreeRootHash())
	if err != nil {
		b.Fatalf("failed to open version index: %v", err)
	}
	defer index.Close()
	tree := NewTree(storage.NewInMemoryStore(), index, NewNodeCache(0))

	writes := make([]Write, 1000)
	for i := range writes {
		var key common.Key
		key[0] = byte(i)
		key[1] = byte(i >> 8)
		writes[i] = Update(key, common.Hash{byte(i + 1)})
	}
	if _, _, err := tree.ApplyBatch(0, writes); err != nil {
		b.Fatalf("failed to apply batch: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := tree.GetValueHash(1, writes[i%len(writes)].Key); err != nil {
			b.Fatalf("failed to resolve slot: %v", err)
		}
	}
}

func TestTree_ReadOfCorruptStoreIsReported(t *testing.T) {
	tree := newTestTree(t)
	key := testKey(1)
	if _, _, err := tree.ApplyBatch(0, []Write{Update(key, common.Hash{1})}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	// Drop the leaf record and bypass the cache; the walk must surface the
	// dangling reference as corruption.
	leafHash := hashLeaf(key, common.Hash{1}, 1)
	if err := tree.Store().DeleteBatch([]common.Hash{leafHash}); err != nil {
		t.Fatalf("failed to delete leaf record: %v", err)
	}
	tree.cache.Clear()
	if _, _, err := tree.GetValueHash(1, key); !errors.Is(err, ErrCorruptNode) {
		t.Errorf("wanted ErrCorruptNode, got %v", err)
	}
}
