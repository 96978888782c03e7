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
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/meridianlabs/meridian/backend/storage"
	"github.com/meridianlabs/meridian/common"
)

func TestCheckConsistency_CleanTreeHasNoMismatches(t *testing.T) {
	tree := newTestTree(t)
	if _, _, err := tree.ApplyBatch(0, []Write{
		Update(testKey(0x00), common.Hash{1}),
		Update(testKey(0x80), common.Hash{2}),
		Update(testKey(0xC0), common.Hash{3}),
	}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	mismatches, err := tree.CheckConsistency(1, nil)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(mismatches) != 0 {
		t.Errorf("wanted no mismatches, got %v", mismatches)
	}
}

// corruptRecord replaces the record stored under the given hash with a
// damaged copy that still decodes but no longer reproduces its address.
func corruptRecord(t *testing.T, store storage.NodeStore, hash common.Hash) {
	t.Helper()
	data, err := store.Get(hash)
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := store.DeleteBatch([]common.Hash{hash}); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}
	if err := store.PutBatch([]storage.Entry{{Hash: hash, Data: data}}); err != nil {
		t.Fatalf("failed to re-write record: %v", err)
	}
}

func TestCheckConsistency_SingleCorruptNodeIsReportedExactlyOnce(t *testing.T) {
	tree := newTestTree(t)
	key := testKey(1)
	valueHash := common.Hash{1}
	if _, _, err := tree.ApplyBatch(0, []Write{Update(key, valueHash)}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	leafHash := hashLeaf(key, valueHash, 1)
	corruptRecord(t, tree.Store(), leafHash)

	mismatches, err := tree.CheckConsistency(1, nil)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("wanted exactly 1 mismatch, got %d: %v", len(mismatches), mismatches)
	}
	if mismatches[0].Hash != leafHash {
		t.Errorf("wanted mismatch of node %v, got %v", leafHash, mismatches[0].Hash)
	}
	if mismatches[0].Computed == (common.Hash{}) {
		t.Errorf("a decodable damaged record should carry its re-computed hash")
	}
}

func TestCheckConsistency_MissingRecordIsReported(t *testing.T) {
	tree := newTestTree(t)
	key := testKey(1)
	valueHash := common.Hash{1}
	if _, _, err := tree.ApplyBatch(0, []Write{Update(key, valueHash)}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}

	leafHash := hashLeaf(key, valueHash, 1)
	if err := tree.Store().DeleteBatch([]common.Hash{leafHash}); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}

	mismatches, err := tree.CheckConsistency(1, nil)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("wanted exactly 1 mismatch, got %d: %v", len(mismatches), mismatches)
	}
	if mismatches[0].Hash != leafHash || !strings.Contains(mismatches[0].Reason, "missing") {
		t.Errorf("wanted a missing-record report for %v, got %v", leafHash, mismatches[0])
	}
}

func TestCheckConsistency_DoesNotDescendBelowCorruptNodes(t *testing.T) {
	tree := newTestTree(t)
	if _, _, err := tree.ApplyBatch(0, []Write{
		Update(testKey(0x00), common.Hash{1}),
		Update(testKey(0x01), common.Hash{2}),
	}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	root, _ := tree.Versions().RootOf(1)

	// Damaging the root makes all child references untrustworthy; the audit
	// must report the root only instead of chasing them.
	corruptRecord(t, tree.Store(), root)
	mismatches, err := tree.CheckConsistency(1, nil)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Hash != root {
		t.Errorf("wanted the root as the sole mismatch, got %v", mismatches)
	}
}

func TestCheckConsistency_StorageFaultAbortsTheAudit(t *testing.T) {
	ctrl := gomock.NewController(t)
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	root := common.Hash{42}
	if err := index.Record(1, root, 0); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}

	injected := fmt.Errorf("injected storage fault")
	store := storage.NewMockNodeStore(ctrl)
	store.EXPECT().Get(root).Return(nil, injected)

	tree := NewTree(store, index, NewNodeCache(16))
	if _, err := tree.CheckConsistency(1, nil); !errors.Is(err, injected) {
		t.Errorf("wanted the injected storage fault, got %v", err)
	}
}

type recordingObserver struct {
	started bool
	ended   bool
	events  []string
}

func (o *recordingObserver) StartVerification()  { o.started = true }
func (o *recordingObserver) Progress(msg string) { o.events = append(o.events, msg) }
func (o *recordingObserver) EndVerification(res error) {
	o.ended = true
}

func TestCheckConsistency_ObserverIsNotified(t *testing.T) {
	tree := newTestTree(t)
	if _, _, err := tree.ApplyBatch(0, []Write{Update(testKey(1), common.Hash{1})}); err != nil {
		t.Fatalf("failed to apply batch: %v", err)
	}
	observer := &recordingObserver{}
	if _, err := tree.CheckConsistency(1, observer); err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if !observer.started || !observer.ended {
		t.Errorf("observer missed lifecycle events: started %t, ended %t", observer.started, observer.ended)
	}
	if len(observer.events) == 0 {
		t.Errorf("observer received no progress reports")
	}
}
