// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens a sqlite-backed Store at path (use ":memory:" for
// tests) and ensures the audit schema exists. This is the test/solo
// stand-in for OpenPostgres, sharing the same query logic via sqlStore.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A file-backed or :memory: sqlite handle serializes writers anyway;
	// cap the pool at 1 so database/sql doesn't hand out a second
	// connection pointing at a distinct empty :memory: database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqlStore{
		db:              db,
		ph:              qmarkPlaceholder,
		uniqueViolation: isSQLiteUniqueViolation,
	}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if ok := asSQLiteError(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func asSQLiteError(err error, target *sqlite3.Error) bool {
	if se, ok := err.(sqlite3.Error); ok {
		*target = se
		return true
	}
	return false
}
