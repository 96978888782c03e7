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
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/meridianlabs/meridian/database/smt"
)

var (
	dbDirectoryFlag = cli.StringFlag{
		Name:     "dir",
		Usage:    "the targeted state DB directory",
		Required: true,
	}
	backendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "the storage backend of the directory: leveldb or sqlite",
		Value: "leveldb",
	}
	versionFlag = cli.Uint64Flag{
		Name:  "version",
		Usage: "the targeted version (block height)",
	}
)

// open opens the state DB referenced by the directory and backend flags.
func open(ctx *cli.Context) (*smt.StateDB, error) {
	config := smt.Config{}
	switch backend := ctx.String(backendFlag.Name); backend {
	case "leveldb":
		config.Backend = smt.LevelDbBackend
	case "sqlite":
		config.Backend = smt.SqliteBackend
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	return smt.OpenStateDB(ctx.String(dbDirectoryFlag.Name), config)
}

// closeWith closes the DB, folding a close failure into the command result.
func closeWith(db *smt.StateDB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		if err == nil {
			return closeErr
		}
		log.Printf("Failure closing DB: %v", closeErr)
	}
	return err
}

// directorySize computes the disk footprint of a directory in bytes.
func directorySize(directory string) (uint64, error) {
	size := uint64(0)
	err := filepath.Walk(directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += uint64(info.Size())
		}
		return nil
	})
	return size, err
}

// logVerificationObserver reports consistency-check progress to the log.
type logVerificationObserver struct{}

func (logVerificationObserver) StartVerification() {
	log.Printf("Starting verification ...")
}

func (logVerificationObserver) Progress(msg string) {
	log.Printf("%s", msg)
}

func (logVerificationObserver) EndVerification(res error) {
	if res != nil {
		log.Printf("Verification failed: %v", res)
	}
}
