// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/meridianlabs/meridian/database/smt"
)

var checkCommand = cli.Command{
	Action: check,
	Name:   "check",
	Usage:  "audits versions against raw storage, reporting every mismatching node",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&fromVersionFlag,
		&toVersionFlag,
	},
}

var (
	fromVersionFlag = cli.Uint64Flag{
		Name:  "from",
		Usage: "the first version to audit",
	}
	toVersionFlag = cli.Uint64Flag{
		Name:  "to",
		Usage: "the last version to audit (defaults to the latest)",
	}
)

func check(ctx *cli.Context) error {
	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		from := ctx.Uint64(fromVersionFlag.Name)
		to := db.LatestVersion()
		if ctx.IsSet(toVersionFlag.Name) {
			to = ctx.Uint64(toVersionFlag.Name)
		}
		if from > to {
			return fmt.Errorf("invalid version range [%d,%d]", from, to)
		}

		total := 0
		for version := from; version <= to; version++ {
			if _, state, err := db.Versions().RecordedRootOf(version); err != nil || state == smt.Pruned {
				continue
			}
			mismatches, err := db.CheckConsistency(version, logVerificationObserver{})
			if err != nil {
				return fmt.Errorf("audit of version %d failed: %w", version, err)
			}
			for _, mismatch := range mismatches {
				fmt.Printf("version %d: %v\n", version, mismatch)
			}
			total += len(mismatches)
		}
		if total > 0 {
			return fmt.Errorf("found %d mismatching nodes in versions [%d,%d]", total, from, to)
		}
		fmt.Printf("Versions [%d,%d] are consistent.\n", from, to)
		return nil
	}())
}
