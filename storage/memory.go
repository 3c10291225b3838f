// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and by deployments that do
// not need durability across restarts. It implements the same filter/
// orderBy/limit semantics as SQLite without touching disk.
type Memory struct {
	mu     sync.Mutex
	tables map[string]map[string]Row
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]Row)}
}

func (m *Memory) Save(_ context.Context, table string, keyColumns []string, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]Row)
		m.tables[table] = t
	}
	t[rowKey(keyColumns, row)] = cloneRow(row)
	return nil
}

func (m *Memory) Remove(_ context.Context, table string, where []Predicate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	for key, row := range t {
		if matches(row, where) {
			delete(t, key)
		}
	}
	return nil
}

func (m *Memory) Find(_ context.Context, q Query) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[q.Table]
	var matched []Row
	for _, row := range t {
		if matches(row, q.Where) {
			matched = append(matched, cloneRow(row))
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

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
