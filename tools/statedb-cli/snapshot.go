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

var exportCommand = cli.Command{
	Action: doExport,
	Name:   "export",
	Usage:  "exports one version's full node set into a snapshot file",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&versionFlag,
		&snapshotFileFlag,
	},
}

var importCommand = cli.Command{
	Action: doImport,
	Name:   "import",
	Usage:  "imports a snapshot file into a freshly initialized state DB",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&snapshotFileFlag,
	},
}

var snapshotFileFlag = cli.StringFlag{
	Name:     "file",
	Usage:    "the snapshot file",
	Required: true,
}

func doExport(ctx *cli.Context) error {
	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		version := ctx.Uint64(versionFlag.Name)
		if !ctx.IsSet(versionFlag.Name) {
			version = db.LatestVersion()
		}
		out, err := os.Create(ctx.String(snapshotFileFlag.Name))
		if err != nil {
			return err
		}
		root, err := mio.ExportSnapshot(ctx.Context, db, version, out)
		if err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		fmt.Printf("Exported version %d, root %v\n", version, root)
		return nil
	}())
}

func doImport(ctx *cli.Context) error {
	in, err := os.Open(ctx.String(snapshotFileFlag.Name))
	if err != nil {
		return err
	}
	defer in.Close()

	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		version, root, err := mio.ImportSnapshot(ctx.Context, db, in)
		if err != nil {
			return err
		}
		fmt.Printf("Imported version %d, root %v\n", version, root)
		return nil
	}())
}
