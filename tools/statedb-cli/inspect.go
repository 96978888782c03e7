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

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/meridianlabs/meridian/common"
	"github.com/meridianlabs/meridian/database/smt"
)

var getInfoCommand = cli.Command{
	Action: getInfo,
	Name:   "info",
	Usage:  "prints summary information of a state DB directory",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
	},
}

var getRootCommand = cli.Command{
	Action: getRoot,
	Name:   "root",
	Usage:  "prints the root hash of a version",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&versionFlag,
	},
}

var getValueCommand = cli.Command{
	Action: getValue,
	Name:   "get",
	Usage:  "resolves the value hash of a slot at a version",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&versionFlag,
		&keyFlag,
	},
}

var getNodeCommand = cli.Command{
	Action: getNode,
	Name:   "node",
	Usage:  "decodes and prints the node stored under a hash",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&hashFlag,
	},
}

var (
	keyFlag = cli.StringFlag{
		Name:     "key",
		Usage:    "the targeted slot key as a hex string",
		Required: true,
	}
	hashFlag = cli.StringFlag{
		Name:     "hash",
		Usage:    "the targeted node hash as a hex string",
		Required: true,
	}
)

func getInfo(ctx *cli.Context) error {
	directory := ctx.String(dbDirectoryFlag.Name)
	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		size, err := db.Store().Size()
		if err != nil {
			return err
		}
		diskSize, err := directorySize(directory)
		if err != nil {
			return err
		}
		versions := db.Versions().Versions()
		live := 0
		for _, version := range versions {
			if _, state, err := db.Versions().RecordedRootOf(version); err == nil && state == smt.Committed {
				live++
			}
		}
		latest := db.LatestVersion()
		root, err := db.RootOf(latest)
		if err != nil {
			return err
		}
		fmt.Printf("Directory:        %s\n", directory)
		fmt.Printf("Disk size:        %s\n", humanize.Bytes(diskSize))
		fmt.Printf("Stored nodes:     %s\n", humanize.Comma(int64(size)))
		fmt.Printf("Recorded versions: %s (%s live)\n", humanize.Comma(int64(len(versions))), humanize.Comma(int64(live)))
		fmt.Printf("Latest version:   %d\n", latest)
		fmt.Printf("Latest root:      %v\n", root)
		return nil
	}())
}

func getRoot(ctx *cli.Context) error {
	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		version := ctx.Uint64(versionFlag.Name)
		if !ctx.IsSet(versionFlag.Name) {
			version = db.LatestVersion()
		}
		root, state, err := db.Versions().RecordedRootOf(version)
		if err != nil {
			return err
		}
		fmt.Printf("Version %d root: %v", version, root)
		if state == smt.Pruned {
			fmt.Printf(" (pruned)")
		}
		fmt.Println()
		return nil
	}())
}

func getValue(ctx *cli.Context) error {
	key, err := common.KeyFromString(ctx.String(keyFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		version := ctx.Uint64(versionFlag.Name)
		if !ctx.IsSet(versionFlag.Name) {
			version = db.LatestVersion()
		}
		valueHash, exists, err := db.GetValueHash(version, key)
		if err != nil {
			return err
		}
		if !exists {
			fmt.Printf("Key %v is absent at version %d\n", key, version)
			return nil
		}
		fmt.Printf("Key %v at version %d: %v\n", key, version, valueHash)
		return nil
	}())
}

func getNode(ctx *cli.Context) error {
	hash, err := common.HashFromString(ctx.String(hashFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	db, err := open(ctx)
	if err != nil {
		return err
	}
	return closeWith(db, func() error {
		data, err := db.Store().Get(hash)
		if err != nil {
			return err
		}
		node, err := smt.DecodeNode(data)
		if err != nil {
			return err
		}
		switch n := node.(type) {
		case *smt.InnerNode:
			fmt.Printf("Inner node %v\n", hash)
			fmt.Printf("  left:  %v\n", n.Left)
			fmt.Printf("  right: %v\n", n.Right)
		case *smt.LeafNode:
			fmt.Printf("Leaf node %v\n", hash)
			fmt.Printf("  key:     %v\n", n.Key)
			fmt.Printf("  value:   %v\n", n.ValueHash)
			fmt.Printf("  version: %d\n", n.Version)
		}
		fmt.Printf("  encoding: %x\n", data)
		return nil
	}())
}
