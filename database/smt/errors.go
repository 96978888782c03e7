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

import "github.com/meridianlabs/meridian/common"

const (
	// ErrUnknownBaseVersion is produced by ApplyBatch if the version a
	// batch is supposed to extend is not present in the version index.
	ErrUnknownBaseVersion = common.ConstError("unknown base version")

	// ErrVersionNotFound is produced by read operations referencing a
	// version that was never committed. It is never silently substituted
	// by the latest version.
	ErrVersionNotFound = common.ConstError("version not found")

	// ErrVersionPruned is produced by read operations referencing a
	// version whose nodes have been reclaimed by the pruner. The root
	// hash of such a version remains recorded as a historical fact.
	ErrVersionPruned = common.ConstError("version pruned")

	// ErrCorruptNode indicates that a persisted node could not be decoded
	// or that its content does not match its content address. The error
	// is always wrapped together with the offending node hash. It is
	// fatal for the operation touching the node but not for the engine.
	ErrCorruptNode = common.ConstError("corrupt node")
)
