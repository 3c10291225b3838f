// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage_test

import (
	"context"
	"testing"

	"github.com/wifirst/xmppd/storage"
)

func TestMemoryFindOrderAndPage(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()
	for i, name := range []string{"c", "a", "b"} {
		_ = m.Save(ctx, "t", []string{"id"}, storage.Row{"id": name, "n": i})
	}
	cur, err := m.Find(ctx, storage.Query{
		Table:   "t",
		OrderBy: []storage.Order{{Column: "id"}},
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	var got []string
	for cur.Next(ctx) {
		got = append(got, cur.At()["id"].(string))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
}

func TestMemoryRemove(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()
	_ = m.Save(ctx, "t", []string{"id"}, storage.Row{"id": "a"})
	_ = m.Remove(ctx, "t", []storage.Predicate{{Column: "id", Op: "=", Value: "a"}})
	cur, _ := m.Find(ctx, storage.Query{Table: "t"})
	defer cur.Close()
	if cur.Next(ctx) {
		t.Fatal("expected no rows after removal")
	}
}
