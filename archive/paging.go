// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive

import (
	"context"
	"strconv"

	"github.com/wifirst/xmppd/storage"
)

// pageResult is one RSM page: the matching rows (in ascending id order)
// plus the first/last/index/count fields the reply's <set/> reports.
type pageResult struct {
	rows  []storage.Row
	first int64
	last  int64
	index int
	count int
	empty bool
}

// page runs a paginated read over table restricted by scope, honoring
// req's max/after/before per spec.md §4.6:
//   - max=0 reports only count, no rows.
//   - after=X pages forward strictly after the row whose id is X.
//   - before=X pages backward strictly before the row whose id is X.
func page(ctx context.Context, store storage.Store, table string, scope []storage.Predicate, req rsmSet) (pageResult, error) {
	var result pageResult

	totalCur, err := store.Find(ctx, storage.Query{Table: table, Where: scope})
	if err != nil {
		return result, err
	}
	count, err := totalCur.Count(ctx)
	totalCur.Close()
	if err != nil {
		return result, err
	}
	result.count = count

	if req.Max != nil && *req.Max == 0 {
		result.empty = true
		return result, nil
	}

	where := append([]storage.Predicate(nil), scope...)
	desc := false
	if req.Before != "" {
		beforeID, _ := strconv.ParseInt(req.Before, 10, 64)
		where = append(where, storage.Predicate{Column: "id", Op: "<", Value: beforeID})
		desc = true
	} else if req.After != "" {
		afterID, _ := strconv.ParseInt(req.After, 10, 64)
		where = append(where, storage.Predicate{Column: "id", Op: ">", Value: afterID})
	}

	limit := 0
	if req.Max != nil {
		limit = *req.Max
	}
	cur, err := store.Find(ctx, storage.Query{
		Table:   table,
		Where:   where,
		OrderBy: []storage.Order{{Column: "id", Desc: desc}},
		Limit:   limit,
	})
	if err != nil {
		return result, err
	}
	defer cur.Close()
	var rows []storage.Row
	for cur.Next(ctx) {
		rows = append(rows, cur.At())
	}
	if desc {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	result.rows = rows
	if len(rows) == 0 {
		result.empty = true
		return result, nil
	}

	result.first = idOf(rows[0])
	result.last = idOf(rows[len(rows)-1])

	idxWhere := append([]storage.Predicate(nil), scope...)
	idxWhere = append(idxWhere, storage.Predicate{Column: "id", Op: "<", Value: result.first})
	idxCur, err := store.Find(ctx, storage.Query{Table: table, Where: idxWhere})
	if err == nil {
		result.index, _ = idxCur.Count(ctx)
		idxCur.Close()
	}
	return result, nil
}

func (r pageResult) reply() rsmReply {
	out := rsmReply{Count: r.count}
	if r.empty {
		return out
	}
	out.First = &rsmFirst{Index: r.index, Value: strconv.FormatInt(r.first, 10)}
	out.Last = strconv.FormatInt(r.last, 10)
	return out
}
