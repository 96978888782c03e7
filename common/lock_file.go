// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"fmt"
	"syscall"
)

// LockFile guards an on-disk resource, such as a database directory,
// against concurrent use by multiple processes. Ownership is marked by the
// existence of a file at an agreed-upon path; releasing the lock removes
// the file again.
//
// Note: a process that dies while holding a lock leaves the marker file
// behind. It has to be removed by an operator before the guarded resource
// can be opened again.
type LockFile interface {
	// Release gives up ownership by deleting the marker file. A lock can
	// only be released once; further calls fail.
	Release() error
	// Valid reports whether this lock still holds the guarded resource.
	Valid() bool
}

type lockFile struct {
	path           string
	fileDescriptor int
}

// CreateLockFile acquires the lock marked by the file at the given path.
// It fails if the file already exists. Creation is atomic, so of several
// racing processes exactly one acquires the lock.
func CreateLockFile(path string) (LockFile, error) {
	fd, err := syscall.Open(path, syscall.O_CREAT|syscall.O_EXCL|syscall.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	return &lockFile{path: path, fileDescriptor: fd}, nil
}

func (f *lockFile) Valid() bool {
	return f.fileDescriptor != 0
}

func (f *lockFile) Release() error {
	if f.fileDescriptor == 0 {
		return fmt.Errorf("unable to release invalid lock")
	}
	if err := syscall.Close(f.fileDescriptor); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	if err := syscall.Unlink(f.path); err != nil {
		return fmt.Errorf("failed to release file lock: %w", err)
	}
	f.fileDescriptor = 0
	return nil
}
