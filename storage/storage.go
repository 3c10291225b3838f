// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage defines the ordered, indexed CRUD persistence contract
// that the core depends on (roster contacts, MUC affiliations, archive
// collections/messages, the offline queue, and private-storage blobs), and
// a concrete github.com/mattn/go-sqlite3-backed implementation of it.
//
// Transactions are not required by the contract; callers that need
// atomicity (the MUC admin batch, most notably) hold it in memory and
// persist lazily, exactly as spec.md §6 describes.
package storage // import "github.com/wifirst/xmppd/storage"

import "context"

// Row is a single persisted record, a map from column name to value. Every
// table uses plain Row maps, so that a single Store implementation can
// serve every table without per-table glue.
type Row map[string]any

// Query describes a filtered, ordered, paged read against a table.
type Query struct {
	Table   string
	Where   []Predicate
	OrderBy []Order
	Offset  int
	Limit   int // 0 means unlimited
}

// Predicate is a single equality/comparison filter term ANDed with the
// rest of Query.Where.
type Predicate struct {
	Column string
	Op     string // "=", "!=", "<", "<=", ">", ">="
	Value  any
}

// Order is a single ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Cursor iterates the result of a Query.
type Cursor interface {
	// Next advances to the next row, returning false when exhausted.
	Next(ctx context.Context) bool
	// At returns the current row.
	At() Row
	// Count returns the total number of rows the query would produce,
	// ignoring Offset/Limit.
	Count(ctx context.Context) (int, error)
	// Err returns the first error encountered during iteration, if any.
	Err() error
	// Close releases resources held by the cursor.
	Close() error
}

// Store is the persistence contract the core programs against. Table
// names are the logical collections the core defines (see tables.go);
// a Store implementation is free to map them onto real tables however it
// likes.
type Store interface {
	// Find runs q and returns a cursor over the matching rows.
	Find(ctx context.Context, q Query) (Cursor, error)
	// Save upserts row into table, keyed by the columns in keyColumns.
	Save(ctx context.Context, table string, keyColumns []string, row Row) error
	// Remove deletes every row in table matching where.
	Remove(ctx context.Context, table string, where []Predicate) error
}
