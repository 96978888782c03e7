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

	"github.com/golang/snappy"

	"github.com/meridianlabs/meridian/backend/storage"
	"github.com/meridianlabs/meridian/common"
	"github.com/meridianlabs/meridian/database/smt"
)

// This file provides a pair of export and import functions serializing the
// full node set of one committed version into a single data blob with a
// built-in consistency check, used to bootstrap a new replica through an
// object store without replaying history.
//
// Format (inside a snappy-compressed stream):
//
//  file ::= <magic (8)> <format (1)> <version (8)> <root (32)> [<node>]* 'E'
//  node ::= 'N' <4-byte big-endian length> <canonical node encoding>
//
// Nodes are emitted in depth-first pre-order from the root. The import
// re-derives every record's content address from its bytes, so a snapshot
// cannot silently introduce nodes that do not hash to their identity; the
// trailing end marker guards against truncated streams, and a reachability
// walk from the declared root rejects streams missing interior nodes.

var snapshotMagic = [8]byte{'M', 'R', 'D', 'N', 'S', 'N', 'A', 'P'}

const (
	formatSnapshotV1 byte = 1

	snapshotNodeMarker byte = 'N'
	snapshotEndMarker  byte = 'E'

	importBatchSize = 4096
)

// ExportSnapshot writes all nodes reachable from the given version's root
// to the given output writer, returning the exported root hash.
func ExportSnapshot(ctx context.Context, db *smt.StateDB, version uint64, out io.Writer) (common.Hash, error) {
	root, err := db.RootOf(version)
	if err != nil {
		return common.Hash{}, err
	}

	writer := snappy.NewBufferedWriter(out)
	header := make([]byte, 0, 8+1+8+common.HashSize)
	header = append(header, snapshotMagic[:]...)
	header = append(header, formatSnapshotV1)
	header = binary.BigEndian.AppendUint64(header, version)
	header = append(header, root[:]...)
	if _, err := writer.Write(header); err != nil {
		return common.Hash{}, fmt.Errorf("failed to write snapshot header: %w", err)
	}

	counter := 0
	err = db.Tree().ForEachNode(version, func(hash common.Hash, data []byte, height int) error {
		counter++
		if counter%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		record := make([]byte, 0, 5+len(data))
		record = append(record, snapshotNodeMarker)
		record = binary.BigEndian.AppendUint32(record, uint32(len(data)))
		record = append(record, data...)
		_, err := writer.Write(record)
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := writer.Write([]byte{snapshotEndMarker}); err != nil {
		return common.Hash{}, fmt.Errorf("failed to write snapshot end marker: %w", err)
	}
	if err := writer.Close(); err != nil {
		return common.Hash{}, fmt.Errorf("failed to flush snapshot stream: %w", err)
	}
	return root, nil
}

// ImportSnapshot reads a snapshot stream into the given state DB and
// commits its version. The DB must be freshly initialized; the imported
// version is recorded with the genesis version as its predecessor since
// the snapshot carries no history.
func ImportSnapshot(ctx context.Context, db *smt.StateDB, in io.Reader) (version uint64, root common.Hash, err error) {
	reader := snappy.NewReader(in)

	header := make([]byte, 8+1+8+common.HashSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		return 0, common.Hash{}, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if [8]byte(header[:8]) != snapshotMagic {
		return 0, common.Hash{}, fmt.Errorf("invalid snapshot magic %x", header[:8])
	}
	if header[8] != formatSnapshotV1 {
		return 0, common.Hash{}, fmt.Errorf("unsupported snapshot format %d", header[8])
	}
	version = binary.BigEndian.Uint64(header[9:])
	copy(root[:], header[17:])

	entries := make([]storage.Entry, 0, importBatchSize)
	flush := func() error {
		if len(entries) == 0 {
			return nil
		}
		if err := db.Store().PutBatch(entries); err != nil {
			return fmt.Errorf("failed to write imported nodes: %w", err)
		}
		entries = entries[:0]
		return nil
	}

	counter := 0
	rootSeen := root == smt.EmptyTreeRootHash()
	var marker [1]byte
	for {
		if _, err := io.ReadFull(reader, marker[:]); err != nil {
			return 0, common.Hash{}, fmt.Errorf("snapshot stream ended without end marker: %w", err)
		}
		if marker[0] == snapshotEndMarker {
			break
		}
		if marker[0] != snapshotNodeMarker {
			return 0, common.Hash{}, fmt.Errorf("invalid snapshot record marker %c", marker[0])
		}
		var lengthBytes [4]byte
		if _, err := io.ReadFull(reader, lengthBytes[:]); err != nil {
			return 0, common.Hash{}, fmt.Errorf("failed to read node record length: %w", err)
		}
		data := make([]byte, binary.BigEndian.Uint32(lengthBytes[:]))
		if _, err := io.ReadFull(reader, data); err != nil {
			return 0, common.Hash{}, fmt.Errorf("failed to read node record: %w", err)
		}

		node, err := smt.DecodeNode(data)
		if err != nil {
			return 0, common.Hash{}, fmt.Errorf("snapshot contains invalid node: %w", err)
		}
		hash := smt.HashNode(node)
		if hash == root {
			rootSeen = true
		}
		entries = append(entries, storage.Entry{Hash: hash, Data: data})
		if len(entries) == importBatchSize {
			if err := flush(); err != nil {
				return 0, common.Hash{}, err
			}
		}

		counter++
		if counter%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, common.Hash{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, common.Hash{}, err
	}
	if !rootSeen {
		return 0, common.Hash{}, fmt.Errorf("snapshot does not contain its declared root %v", root)
	}

	// Per-record verification proves every node hashes to its identity, but
	// not that the tree under the declared root is complete. Walk it before
	// committing the version, so a stream missing interior nodes is rejected
	// here instead of surfacing as corrupt reads later.
	walked := 0
	err = smt.ForEachNodeIn(db.Store(), root, func(common.Hash, []byte, int) error {
		walked++
		if walked%1024 == 0 {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return 0, common.Hash{}, fmt.Errorf("snapshot is incomplete: %w", err)
	}

	// A snapshot of version 0 is the empty genesis every fresh DB is
	// already seeded with; there is nothing to record.
	if version == 0 {
		recorded, _, err := db.Versions().RecordedRootOf(0)
		if err != nil {
			return 0, common.Hash{}, err
		}
		if recorded != root {
			return 0, common.Hash{}, fmt.Errorf("snapshot declares root %v for version 0, recorded is %v", root, recorded)
		}
		return version, root, nil
	}
	if err := db.Versions().Record(version, root, 0); err != nil {
		return 0, common.Hash{}, err
	}
	return version, root, nil
}
