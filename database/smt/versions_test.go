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
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/meridianlabs/meridian/common"
)

func openTestIndex(t *testing.T, directory string) *VersionIndex {
	t.Helper()
	index, err := OpenVersionIndex(filepath.Join(directory, "versions.dat"), EmptyTreeRootHash())
	if err != nil {
		t.Fatalf("failed to open version index: %v", err)
	}
	return index
}

func TestVersionIndex_FreshIndexSeedsGenesis(t *testing.T) {
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	if got := index.LatestVersion(); got != 0 {
		t.Errorf("wanted latest version 0, got %d", got)
	}
	root, err := index.RootOf(0)
	if err != nil {
		t.Fatalf("failed to resolve genesis root: %v", err)
	}
	if root != EmptyTreeRootHash() {
		t.Errorf("wanted %v, got %v", EmptyTreeRootHash(), root)
	}
}

func TestVersionIndex_RecordAndResolve(t *testing.T) {
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	rootOne := common.Hash{1}
	rootTwo := common.Hash{2}
	if err := index.Record(1, rootOne, 0); err != nil {
		t.Fatalf("failed to record version 1: %v", err)
	}
	if err := index.Record(2, rootTwo, 1); err != nil {
		t.Fatalf("failed to record version 2: %v", err)
	}

	if got, _ := index.RootOf(1); got != rootOne {
		t.Errorf("wanted %v, got %v", rootOne, got)
	}
	if got, _ := index.RootOf(2); got != rootTwo {
		t.Errorf("wanted %v, got %v", rootTwo, got)
	}
	if got := index.LatestVersion(); got != 2 {
		t.Errorf("wanted latest version 2, got %d", got)
	}
	if parent, _ := index.Parent(2); parent != 1 {
		t.Errorf("wanted parent 1, got %d", parent)
	}
	if got, want := index.Versions(), []uint64{0, 1, 2}; !slices.Equal(got, want) {
		t.Errorf("wanted versions %v, got %v", want, got)
	}
}

func TestVersionIndex_RejectsDuplicateAndOrphanRecords(t *testing.T) {
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	if err := index.Record(0, common.Hash{1}, 0); err == nil {
		t.Errorf("re-recording an existing version should fail")
	}
	if err := index.Record(5, common.Hash{1}, 4); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("wanted ErrVersionNotFound for unknown parent, got %v", err)
	}
}

func TestVersionIndex_UnknownVersion(t *testing.T) {
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	if _, err := index.RootOf(42); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("wanted ErrVersionNotFound, got %v", err)
	}
}

func TestVersionIndex_MarkPruned(t *testing.T) {
	index := openTestIndex(t, t.TempDir())
	defer index.Close()

	root := common.Hash{1}
	if err := index.Record(1, root, 0); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.MarkPruned(1); err != nil {
		t.Fatalf("failed to mark version pruned: %v", err)
	}
	if _, err := index.RootOf(1); !errors.Is(err, ErrVersionPruned) {
		t.Errorf("wanted ErrVersionPruned, got %v", err)
	}

	// The root stays on record as a historical fact.
	recorded, state, err := index.RecordedRootOf(1)
	if err != nil {
		t.Fatalf("failed to resolve recorded root: %v", err)
	}
	if state != Pruned {
		t.Errorf("wanted state %d, got %d", Pruned, state)
	}
	if recorded != root {
		t.Errorf("wanted %v, got %v", root, recorded)
	}

	// Pruning is idempotent.
	if err := index.MarkPruned(1); err != nil {
		t.Errorf("re-pruning a pruned version should be a no-op, got %v", err)
	}
}

func TestVersionIndex_SurvivesReopen(t *testing.T) {
	directory := t.TempDir()
	index := openTestIndex(t, directory)
	rootOne := common.Hash{1}
	rootTwo := common.Hash{2}
	if err := index.Record(1, rootOne, 0); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Record(2, rootTwo, 1); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.MarkPruned(1); err != nil {
		t.Fatalf("failed to mark version pruned: %v", err)
	}
	if err := index.Close(); err != nil {
		t.Fatalf("failed to close index: %v", err)
	}

	reopened := openTestIndex(t, directory)
	defer reopened.Close()
	if got := reopened.LatestVersion(); got != 2 {
		t.Errorf("wanted latest version 2, got %d", got)
	}
	if _, err := reopened.RootOf(1); !errors.Is(err, ErrVersionPruned) {
		t.Errorf("pruned state should survive a reopen, got %v", err)
	}
	if got, _ := reopened.RootOf(2); got != rootTwo {
		t.Errorf("wanted %v, got %v", rootTwo, got)
	}
}

func TestVersionIndex_DetectsDamagedRecords(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "versions.dat")
	index, err := OpenVersionIndex(path, EmptyTreeRootHash())
	if err != nil {
		t.Fatalf("failed to open version index: %v", err)
	}
	if err := index.Record(1, common.Hash{1}, 0); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Record(2, common.Hash{2}, 1); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Close(); err != nil {
		t.Fatalf("failed to close index: %v", err)
	}

	// Damage one byte inside the root hash of the version-1 record. Records
	// follow in front of it, so this is corruption, not a torn append.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read index file: %v", err)
	}
	data[8+versionRecordSize+20] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write damaged index file: %v", err)
	}

	if _, err := OpenVersionIndex(path, EmptyTreeRootHash()); err == nil {
		t.Errorf("opening a damaged index should fail")
	}
}

func TestVersionIndex_RecoversFromTornTrailingRecord(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "versions.dat")
	index, err := OpenVersionIndex(path, EmptyTreeRootHash())
	if err != nil {
		t.Fatalf("failed to open version index: %v", err)
	}
	rootOne := common.Hash{1}
	if err := index.Record(1, rootOne, 0); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Record(2, common.Hash{2}, 1); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Close(); err != nil {
		t.Fatalf("failed to close index: %v", err)
	}

	// Shear off half of the last record, as a crash mid-append would.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read index file: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-versionRecordSize/2], 0600); err != nil {
		t.Fatalf("failed to write torn index file: %v", err)
	}

	reopened, err := OpenVersionIndex(path, EmptyTreeRootHash())
	if err != nil {
		t.Fatalf("reopening after a torn trailing record failed: %v", err)
	}
	if got := reopened.LatestVersion(); got != 1 {
		t.Errorf("wanted latest version 1, got %d", got)
	}
	if got, err := reopened.RootOf(1); err != nil || got != rootOne {
		t.Errorf("wanted %v, got %v (err: %v)", rootOne, got, err)
	}
	if _, err := reopened.RootOf(2); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("the torn version should be gone, got %v", err)
	}

	// The dropped version can be committed again and appends land after
	// the recovered prefix.
	rootTwo := common.Hash{3}
	if err := reopened.Record(2, rootTwo, 1); err != nil {
		t.Fatalf("failed to re-record the dropped version: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("failed to close index: %v", err)
	}
	restored := openTestIndex(t, directory)
	defer restored.Close()
	if got, _ := restored.RootOf(2); got != rootTwo {
		t.Errorf("wanted %v, got %v", rootTwo, got)
	}
}

func TestVersionIndex_DiscardsChecksumFailingTrailingRecord(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "versions.dat")
	index, err := OpenVersionIndex(path, EmptyTreeRootHash())
	if err != nil {
		t.Fatalf("failed to open version index: %v", err)
	}
	rootOne := common.Hash{1}
	if err := index.Record(1, rootOne, 0); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Record(2, common.Hash{2}, 1); err != nil {
		t.Fatalf("failed to record version: %v", err)
	}
	if err := index.Close(); err != nil {
		t.Fatalf("failed to close index: %v", err)
	}

	// Damage the last record without shortening the file.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read index file: %v", err)
	}
	data[len(data)-10] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write damaged index file: %v", err)
	}

	reopened, err := OpenVersionIndex(path, EmptyTreeRootHash())
	if err != nil {
		t.Fatalf("reopening after a damaged trailing record failed: %v", err)
	}
	defer reopened.Close()
	if got := reopened.LatestVersion(); got != 1 {
		t.Errorf("wanted latest version 1, got %d", got)
	}
	if got, _ := reopened.RootOf(1); got != rootOne {
		t.Errorf("wanted %v, got %v", rootOne, got)
	}
	if _, err := reopened.RootOf(2); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("the damaged version should be gone, got %v", err)
	}
}
