// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package io

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meridianlabs/meridian/common"
	"github.com/meridianlabs/meridian/database/smt"
)

// The legacy write journal is the flat, append-only log format state
// changes were recorded in before the current node/version layout. The
// reader below parses it; MigrateJournal replays it through the tree
// engine, verifying that every replayed version reproduces the root hash
// the journal recorded for it.
//
// Format:
//
//  journal ::= <magic (8)> [<batch>]*
//  batch   ::= 'B' <version (8)> <root (32)> <count (4)> [<write>]*
//  write   ::= 'W' <key (32)> <value-hash (32)>
//            | 'D' <key (32)>

var journalMagic = [8]byte{'M', 'R', 'D', 'N', 'J', 'N', 'L', '0'}

const (
	journalBatchMarker  byte = 'B'
	journalUpdateMarker byte = 'W'
	journalDeleteMarker byte = 'D'
)

// JournalBatch is one block's worth of writes as recorded in a legacy
// journal, together with the root hash the legacy engine computed for it.
type JournalBatch struct {
	Version uint64
	Root    common.Hash
	Writes  []smt.Write
}

// ReadJournal parses a legacy write journal, passing each batch to the
// callback in recorded order. The iteration stops at the first error
// returned by the callback, which is passed through.
func ReadJournal(in io.Reader, callback func(JournalBatch) error) error {
	var magic [8]byte
	if _, err := io.ReadFull(in, magic[:]); err != nil {
		return fmt.Errorf("failed to read journal magic: %w", err)
	}
	if magic != journalMagic {
		return fmt.Errorf("invalid journal magic %x", magic)
	}

	var marker [1]byte
	for {
		if _, err := io.ReadFull(in, marker[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read journal record: %w", err)
		}
		if marker[0] != journalBatchMarker {
			return fmt.Errorf("invalid journal batch marker %c", marker[0])
		}
		var header [8 + common.HashSize + 4]byte
		if _, err := io.ReadFull(in, header[:]); err != nil {
			return fmt.Errorf("failed to read journal batch header: %w", err)
		}
		batch := JournalBatch{
			Version: binary.BigEndian.Uint64(header[:8]),
		}
		copy(batch.Root[:], header[8:])
		count := binary.BigEndian.Uint32(header[8+common.HashSize:])

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(in, marker[:]); err != nil {
				return fmt.Errorf("failed to read journal write marker: %w", err)
			}
			var key common.Key
			if _, err := io.ReadFull(in, key[:]); err != nil {
				return fmt.Errorf("failed to read journal write key: %w", err)
			}
			switch marker[0] {
			case journalUpdateMarker:
				var valueHash common.Hash
				if _, err := io.ReadFull(in, valueHash[:]); err != nil {
					return fmt.Errorf("failed to read journal write value: %w", err)
				}
				batch.Writes = append(batch.Writes, smt.Update(key, valueHash))
			case journalDeleteMarker:
				batch.Writes = append(batch.Writes, smt.Tombstone(key))
			default:
				return fmt.Errorf("invalid journal write marker %c", marker[0])
			}
		}
		if err := callback(batch); err != nil {
			return err
		}
	}
}

// WriteJournal serializes batches into the legacy journal format. It is
// retained for round-trip testing of the migration path and for exporting
// into systems still consuming the old format.
func WriteJournal(out io.Writer, batches []JournalBatch) error {
	if _, err := out.Write(journalMagic[:]); err != nil {
		return err
	}
	for _, batch := range batches {
		record := make([]byte, 0, 1+8+common.HashSize+4)
		record = append(record, journalBatchMarker)
		record = binary.BigEndian.AppendUint64(record, batch.Version)
		record = append(record, batch.Root[:]...)
		record = binary.BigEndian.AppendUint32(record, uint32(len(batch.Writes)))
		if _, err := out.Write(record); err != nil {
			return err
		}
		for _, write := range batch.Writes {
			if write.Tombstone {
				if _, err := out.Write(append([]byte{journalDeleteMarker}, write.Key[:]...)); err != nil {
					return err
				}
				continue
			}
			record := make([]byte, 0, 1+2*common.HashSize)
			record = append(record, journalUpdateMarker)
			record = append(record, write.Key[:]...)
			record = append(record, write.ValueHash[:]...)
			if _, err := out.Write(record); err != nil {
				return err
			}
		}
	}
	return nil
}

// MigrateJournal replays a legacy write journal into a freshly initialized
// state DB, verifying after every batch that the replay reproduces the
// root hash recorded by the legacy engine. It returns the last committed
// version. Identical subtrees recorded repeatedly by the legacy format
// deduplicate on import since the node store is content-addressed.
func MigrateJournal(ctx context.Context, db *smt.StateDB, in io.Reader) (uint64, error) {
	base := db.LatestVersion()
	err := ReadJournal(in, func(batch JournalBatch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		version, root, err := db.ApplyBatch(base, batch.Writes)
		if err != nil {
			return fmt.Errorf("failed to replay version %d: %w", batch.Version, err)
		}
		if version != batch.Version {
			return fmt.Errorf("journal version %d replayed as version %d; journal is not contiguous", batch.Version, version)
		}
		if root != batch.Root {
			return fmt.Errorf("root mismatch at version %d: journal records %v, replay produced %v", version, batch.Root, root)
		}
		base = version
		return nil
	})
	return base, err
}
