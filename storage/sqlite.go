// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default concrete Store, backed by github.com/mattn/go-sqlite3
// through database/sql. Each logical table becomes a single two-column SQL
// table (rowid TEXT PRIMARY KEY, doc TEXT); predicates, ordering and
// paging are applied in Go after loading the matching document set, which
// keeps the contract's filter/orderBy/limit semantics backend-agnostic
// without hand-rolling a SQL query compiler (the pack carries no SQL query
// builder library to reach for instead; see DESIGN.md).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite3 database file at path
// and ensures the tables this package knows about exist.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite3: %w", err)
	}
	s := &SQLite{db: db}
	for _, table := range []string{
		TableRoster, TableMUCRoom, TableMUCAffiliation,
		TableArchiveCollection, TableArchiveMessage, TableOffline,
		TablePrivate, TableVCard, TableCredentials, TableDiagnostic,
	} {
		if err := s.ensureTable(table); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLite) ensureTable(table string) error {
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (rowid TEXT PRIMARY KEY, doc TEXT NOT NULL)`, table))
	if err != nil {
		return fmt.Errorf("storage: create table %s: %w", table, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func rowKey(keyColumns []string, row Row) string {
	buf, _ := json.Marshal(func() Row {
		key := Row{}
		for _, c := range keyColumns {
			key[c] = row[c]
		}
		return key
	}())
	return string(buf)
}

// Save implements Store.
func (s *SQLite) Save(ctx context.Context, table string, keyColumns []string, row Row) error {
	doc, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("storage: marshal row: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (rowid, doc) VALUES (?, ?) ON CONFLICT(rowid) DO UPDATE SET doc=excluded.doc`, table),
		rowKey(keyColumns, row), string(doc))
	if err != nil {
		return fmt.Errorf("storage: save into %s: %w", table, err)
	}
	return nil
}

// Remove implements Store.
func (s *SQLite) Remove(ctx context.Context, table string, where []Predicate) error {
	rows, err := s.loadAll(ctx, table)
	if err != nil {
		return err
	}
	for key, row := range rows {
		if matches(row, where) {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE rowid = ?`, table), key); err != nil {
				return fmt.Errorf("storage: remove from %s: %w", table, err)
			}
		}
	}
	return nil
}

// Find implements Store.
func (s *SQLite) Find(ctx context.Context, q Query) (Cursor, error) {
	all, err := s.loadAll(ctx, q.Table)
	if err != nil {
		return nil, err
	}
	var matched []Row
	for _, row := range all {
		if matches(row, q.Where) {
			matched = append(matched, row)
		}
	}
	sortRows(matched, q.OrderBy)
	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return &sliceCursor{rows: matched, total: total}, nil
}

func (s *SQLite) loadAll(ctx context.Context, table string) (map[string]Row, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT rowid, doc FROM %q`, table))
	if err != nil {
		return nil, fmt.Errorf("storage: query %s: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]Row)
	for rows.Next() {
		var key, doc string
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, err
		}
		var row Row
		if err := json.Unmarshal([]byte(doc), &row); err != nil {
			return nil, fmt.Errorf("storage: decode row in %s: %w", table, err)
		}
		out[key] = row
	}
	return out, rows.Err()
}

func matches(row Row, where []Predicate) bool {
	for _, p := range where {
		v, ok := row[p.Column]
		if !ok {
			return false
		}
		if !compare(v, p.Op, p.Value) {
			return false
		}
	}
	return true
}

func compare(a any, op string, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch op {
		case "=":
			return af == bf
		case "!=":
			return af != bf
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		}
	}
	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	switch op {
	case "=":
		return as == bs
	case "!=":
		return as != bs
	case "<":
		return as < bs
	case "<=":
		return as <= bs
	case ">":
		return as > bs
	case ">=":
		return as >= bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func sortRows(rows []Row, order []Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			ai, aok := toFloat(rows[i][o.Column])
			aj, ajok := toFloat(rows[j][o.Column])
			var less, greater bool
			if aok && ajok {
				less, greater = ai < aj, ai > aj
			} else {
				si, sj := fmt.Sprint(rows[i][o.Column]), fmt.Sprint(rows[j][o.Column])
				less, greater = si < sj, si > sj
			}
			if o.Desc {
				less, greater = greater, less
			}
			if less {
				return true
			}
			if greater {
				return false
			}
		}
		return false
	})
}

type sliceCursor struct {
	rows  []Row
	total int
	pos   int
	err   error
}

func (c *sliceCursor) Next(context.Context) bool {
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) At() Row {
	if c.pos == 0 || c.pos > len(c.rows) {
		return nil
	}
	return c.rows[c.pos-1]
}

func (c *sliceCursor) Count(context.Context) (int, error) { return c.total, nil }
func (c *sliceCursor) Err() error                         { return c.err }
func (c *sliceCursor) Close() error                        { return nil }
