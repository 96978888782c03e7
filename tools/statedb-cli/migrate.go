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
	"os"

	"github.com/urfave/cli/v2"

	mio "github.com/meridianlabs/meridian/database/smt/io"
)

var migrateCommand = cli.Command{
	Action: migrate,
	Name:   "migrate",
	Usage:  "replays a legacy write journal into a state DB, verifying recorded roots",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&journalFlag,
	},
}

var journalFlag = cli.StringFlag{
	Name:     "journal",
	Usage:    "the legacy write journal file to replay",
	Required: true,
}

func migrate(ctx *cli.Context) error {
	journal, err := os.Open(ctx.String(journalFlag.Name))
	if err != nil {
		return err
	}
	defer journal.Close()

	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		version, err := mio.MigrateJournal(ctx.Context, db, journal)
		if err != nil {
			return err
		}
		root, err := db.RootOf(version)
		if err != nil {
			return err
		}
		fmt.Printf("Migrated journal up to version %d, root %v\n", version, root)
		return nil
	}())
}
