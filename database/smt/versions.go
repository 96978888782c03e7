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
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/meridianlabs/meridian/common"
)

// The version index maps version numbers (block heights) to the root hash
// committing the full state at that version. It is small, read far more
// often than written, and persisted in its own append-only file separate
// from the node store.
//
// File format:
//
//  file   ::= <magic (8)> [<record (54)>]*
//  record ::= <format (1)> <state (1)> <version (8)> <parent (8)>
//             <root (32)> <crc32 (4)>
//
// Records are appended, never rewritten; the last record of a version wins.
// Pruning a version appends a new record with the Pruned state, keeping the
// root hash on file as a historical fact. A crash in the middle of an
// append can leave a short or checksum-failing trailing record; it is
// discarded on the next open, leaving all previously committed versions
// readable. The discarded record was never acknowledged as committed.

// VersionState is the lifecycle state of a committed version. A version
// being written by ApplyBatch is pending and has no record yet; it becomes
// Committed in the instant its record is appended, and Pruned — terminal —
// once the pruner reclaimed its exclusively-owned nodes.
type VersionState byte

const (
	Committed VersionState = 1
	Pruned    VersionState = 2
)

const formatVersionRecordV1 byte = 1

var versionIndexMagic = [8]byte{'M', 'R', 'D', 'N', 'V', 'I', 'X', '1'}

const versionRecordSize = 1 + 1 + 8 + 8 + common.HashSize + 4

type versionRecord struct {
	version uint64
	parent  uint64
	root    common.Hash
	state   VersionState
}

// VersionIndex is the persistent version → root mapping. All operations
// are safe for concurrent use; lookups are O(1) against the in-memory
// replica of the on-disk records.
type VersionIndex struct {
	mu      sync.RWMutex
	file    *os.File
	records map[uint64]versionRecord
	latest  uint64
}

// OpenVersionIndex opens (or creates) the version index persisted in the
// given file. A fresh index is seeded with version 0, the empty tree
// committing the given genesis root.
func OpenVersionIndex(path string, genesisRoot common.Hash) (*VersionIndex, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open version index: %w", err)
	}
	index := &VersionIndex{
		file:    file,
		records: map[uint64]versionRecord{},
	}
	if err := index.load(); err != nil {
		return nil, fmt.Errorf("failed to load version index: %w", err)
	}
	if len(index.records) == 0 {
		record := versionRecord{version: 0, parent: 0, root: genesisRoot, state: Committed}
		if err := index.append(record); err != nil {
			return nil, err
		}
		index.records[0] = record
	}
	return index, nil
}

func (x *VersionIndex) load() error {
	reader := bufio.NewReader(x.file)
	var magic [8]byte
	if _, err := io.ReadFull(reader, magic[:]); err != nil {
		if err == io.EOF { // fresh file
			if _, err := x.file.Write(versionIndexMagic[:]); err != nil {
				return err
			}
			return nil
		}
		return err
	}
	if magic != versionIndexMagic {
		return fmt.Errorf("invalid version index magic %x", magic)
	}
	offset := int64(len(versionIndexMagic))
	var buf [versionRecordSize]byte
	for {
		if _, err := io.ReadFull(reader, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return x.dropTornTail(offset)
			}
			return err
		}
		record, err := decodeVersionRecord(buf[:])
		if err != nil {
			// A damaged record is only tolerated as the torn tail of a
			// crashed append. Damage in front of intact records is media
			// corruption and refused.
			if _, peek := reader.Peek(1); peek == io.EOF {
				return x.dropTornTail(offset)
			}
			return err
		}
		x.records[record.version] = record
		if record.version > x.latest {
			x.latest = record.version
		}
		offset += versionRecordSize
	}
}

// dropTornTail discards a trailing record left short or damaged by an
// append interrupted mid-write. All preceding records are intact, and the
// dropped record was never acknowledged as committed: appends are a single
// write that is synced before Record returns.
func (x *VersionIndex) dropTornTail(offset int64) error {
	if err := x.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to drop torn version record: %w", err)
	}
	if _, err := x.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to drop torn version record: %w", err)
	}
	return nil
}

func (x *VersionIndex) append(record versionRecord) error {
	data := encodeVersionRecord(record)
	if _, err := x.file.Write(data); err != nil {
		return fmt.Errorf("failed to append version record: %w", err)
	}
	if err := x.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync version index: %w", err)
	}
	return nil
}

// Record commits a new version. It must only be called after all node
// records of the version are durable in the node store; a crash before
// this call leaves prior versions intact and the version's fresh nodes
// orphaned but harmless.
func (x *VersionIndex) Record(version uint64, root common.Hash, parent uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.records[version]; exists {
		return fmt.Errorf("version %d is already recorded", version)
	}
	if _, exists := x.records[parent]; !exists && version != 0 {
		return fmt.Errorf("%w: parent %d of version %d", ErrVersionNotFound, parent, version)
	}
	record := versionRecord{version: version, parent: parent, root: root, state: Committed}
	if err := x.append(record); err != nil {
		return err
	}
	x.records[version] = record
	if version > x.latest {
		x.latest = version
	}
	return nil
}

// RootOf resolves the root hash of a committed version. Requesting an
// unknown version yields ErrVersionNotFound, a pruned one ErrVersionPruned.
func (x *VersionIndex) RootOf(version uint64) (common.Hash, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	record, exists := x.records[version]
	if !exists {
		return common.Hash{}, fmt.Errorf("%w: version %d", ErrVersionNotFound, version)
	}
	if record.state == Pruned {
		return common.Hash{}, fmt.Errorf("%w: version %d", ErrVersionPruned, version)
	}
	return record.root, nil
}

// RecordedRootOf resolves the root hash of a version regardless of its
// state. Pruned versions keep their root recorded as a historical fact.
func (x *VersionIndex) RecordedRootOf(version uint64) (common.Hash, VersionState, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	record, exists := x.records[version]
	if !exists {
		return common.Hash{}, 0, fmt.Errorf("%w: version %d", ErrVersionNotFound, version)
	}
	return record.root, record.state, nil
}

// Parent returns the version the given version was derived from.
func (x *VersionIndex) Parent(version uint64) (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	record, exists := x.records[version]
	if !exists {
		return 0, fmt.Errorf("%w: version %d", ErrVersionNotFound, version)
	}
	return record.parent, nil
}

// LatestVersion returns the highest committed version number.
func (x *VersionIndex) LatestVersion() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.latest
}

// Versions lists all recorded version numbers in ascending order,
// including pruned ones.
func (x *VersionIndex) Versions() []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	versions := maps.Keys(x.records)
	slices.Sort(versions)
	return versions
}

// MarkPruned transitions a committed version to the terminal Pruned state.
func (x *VersionIndex) MarkPruned(version uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	record, exists := x.records[version]
	if !exists {
		return fmt.Errorf("%w: version %d", ErrVersionNotFound, version)
	}
	if record.state == Pruned {
		return nil
	}
	record.state = Pruned
	if err := x.append(record); err != nil {
		return err
	}
	x.records[version] = record
	return nil
}

// Close syncs and closes the underlying file.
func (x *VersionIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.file == nil {
		return nil
	}
	err := x.file.Close()
	x.file = nil
	return err
}

func encodeVersionRecord(record versionRecord) []byte {
	data := make([]byte, versionRecordSize)
	data[0] = formatVersionRecordV1
	data[1] = byte(record.state)
	binary.BigEndian.PutUint64(data[2:], record.version)
	binary.BigEndian.PutUint64(data[10:], record.parent)
	copy(data[18:], record.root[:])
	checksum := crc32.ChecksumIEEE(data[:versionRecordSize-4])
	binary.BigEndian.PutUint32(data[versionRecordSize-4:], checksum)
	return data
}

func decodeVersionRecord(data []byte) (versionRecord, error) {
	var record versionRecord
	if data[0] != formatVersionRecordV1 {
		return record, fmt.Errorf("unsupported version record format %d", data[0])
	}
	checksum := crc32.ChecksumIEEE(data[:versionRecordSize-4])
	if checksum != binary.BigEndian.Uint32(data[versionRecordSize-4:]) {
		return record, fmt.Errorf("version record checksum mismatch")
	}
	record.state = VersionState(data[1])
	if record.state != Committed && record.state != Pruned {
		return record, fmt.Errorf("invalid version state %d", data[1])
	}
	record.version = binary.BigEndian.Uint64(data[2:])
	record.parent = binary.BigEndian.Uint64(data[10:])
	copy(record.root[:], data[18:])
	return record, nil
}
