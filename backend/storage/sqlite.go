// Copyright (c) 2025 Meridian Labs
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at meridianlabs.xyz/bsl11.
//
// Change Date: 2029-1-1
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridianlabs/meridian/common"
)

// See https://www.sqlite.org/pragma.html
var kConfigureConnection = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -262144", // abs(N*1024) = 256MB
}

const (
	kCreateNodeTable = "CREATE TABLE IF NOT EXISTS node (hash BLOB PRIMARY KEY, data BLOB) WITHOUT ROWID"
	kPutNodeStmt     = "INSERT OR IGNORE INTO node(hash, data) VALUES (?,?)"
	kGetNodeStmt     = "SELECT data FROM node WHERE hash = ?"
	kHasNodeStmt     = "SELECT 1 FROM node WHERE hash = ?"
	kDeleteNodeStmt  = "DELETE FROM node WHERE hash = ?"
	kIterateStmt     = "SELECT hash, data FROM node"
	kCountStmt       = "SELECT COUNT(*) FROM node"
)

// SqliteStore is a NodeStore backed by a single-table SQLite database.
// Batches are applied inside one transaction, providing the required
// all-or-nothing semantics.
type SqliteStore struct {
	db      *sql.DB
	getStmt *sql.Stmt
	hasStmt *sql.Stmt
}

// OpenSqliteStore opens (or creates) a SQLite-backed node store in the
// given database file.
func OpenSqliteStore(file string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+file)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	for _, cmd := range kConfigureConnection {
		if _, err := db.Exec(cmd); err != nil {
			return nil, fmt.Errorf("failed to configure connection with %s: %w", cmd, err)
		}
	}
	if _, err := db.Exec(kCreateNodeTable); err != nil {
		return nil, fmt.Errorf("failed to create node table: %w", err)
	}
	getStmt, err := db.Prepare(kGetNodeStmt)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare get statement: %w", err)
	}
	hasStmt, err := db.Prepare(kHasNodeStmt)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare has statement: %w", err)
	}
	return &SqliteStore{db: db, getStmt: getStmt, hasStmt: hasStmt}, nil
}

func (s *SqliteStore) Get(hash common.Hash) ([]byte, error) {
	var data []byte
	err := s.getStmt.QueryRow(hash[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SqliteStore) Has(hash common.Hash) (bool, error) {
	var one int
	err := s.hasStmt.QueryRow(hash[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SqliteStore) PutBatch(entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	stmt, err := tx.Prepare(kPutNodeStmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare put statement: %w", err)
	}
	defer stmt.Close()
	for _, entry := range entries {
		if _, err := stmt.Exec(entry.Hash[:], entry.Data); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write node %v: %w", entry.Hash, err)
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) DeleteBatch(hashes []common.Hash) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	stmt, err := tx.Prepare(kDeleteNodeStmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer stmt.Close()
	for _, hash := range hashes {
		if _, err := stmt.Exec(hash[:]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete node %v: %w", hash, err)
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) ForEach(callback func(hash common.Hash, data []byte) error) error {
	rows, err := s.db.Query(kIterateStmt)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return err
		}
		if len(key) != common.HashSize {
			return fmt.Errorf("invalid node record key of length %d", len(key))
		}
		var hash common.Hash
		copy(hash[:], key)
		if err := callback(hash, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SqliteStore) Size() (uint64, error) {
	var count uint64
	if err := s.db.QueryRow(kCountStmt).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SqliteStore) Flush() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

func (s *SqliteStore) Close() error {
	if err := s.getStmt.Close(); err != nil {
		return err
	}
	if err := s.hasStmt.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
