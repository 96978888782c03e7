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
)

func main() {
	app := &cli.App{
		Name:      "statedb-cli",
		Usage:     "inspection and maintenance tool for Meridian state DB directories",
		Copyright: "(c) 2025 Meridian Labs",
		Commands: []*cli.Command{
			&getInfoCommand,
			&getRootCommand,
			&getValueCommand,
			&getNodeCommand,
			&checkCommand,
			&migrateCommand,
			&exportCommand,
			&importCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
