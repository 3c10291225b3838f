// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive

import (
	"context"

	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// handleQuery dispatches the three archive-retrieval IQ profiles (spec.md
// §4.6): list collections, retrieve messages in a collection, remove
// collections. All three share the ns.Archive namespace; the payload's
// local name selects the profile.
func (e *Extension) handleQuery(s stanza.Stanza) server.Verdict {
	name := s.PayloadName()
	if name.Space != ns.Archive {
		return server.Pass
	}
	switch name.Local {
	case "list":
		e.handleList(s)
	case "retrieve":
		e.handleRetrieve(s)
	case "remove":
		e.handleRemove(s)
	default:
		return server.Pass
	}
	return server.Consumed
}

func (e *Extension) handleList(s stanza.Stanza) {
	var q listQuery
	_ = s.DecodePayload(&q)
	req := rsmSet{}
	if q.Set != nil {
		req = *q.Set
	}

	owner := s.From.Bare().String()
	res, err := page(context.Background(), e.store, storage.TableArchiveCollection,
		[]storage.Predicate{{Column: "owner", Op: "=", Value: owner}}, req)
	if err != nil {
		e.deliverIQError(s, stanza.NewError(stanza.Wait, stanza.InternalServerError))
		return
	}

	reply := listReply{Set: res.reply()}
	for _, row := range res.rows {
		reply.Chat = append(reply.Chat, chatCollection{
			With:  strVal(row["peer"]),
			Start: int64Val(row["start"]),
		})
	}
	out := s.Reply()
	_ = out.EncodeElement(reply)
	e.d.Deliver(out)
}

func (e *Extension) handleRetrieve(s stanza.Stanza) {
	var q retrieveQuery
	_ = s.DecodePayload(&q)
	if q.With == "" {
		e.deliverIQError(s, stanza.NewError(stanza.Modify, stanza.BadRequest))
		return
	}
	collID, ok := e.collectionID(s.From.Bare(), q.With, q.Start)
	if !ok {
		e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}

	req := rsmSet{}
	if q.Set != nil {
		req = *q.Set
	}
	res, err := page(context.Background(), e.store, storage.TableArchiveMessage,
		[]storage.Predicate{{Column: "collection", Op: "=", Value: collID}}, req)
	if err != nil {
		e.deliverIQError(s, stanza.NewError(stanza.Wait, stanza.InternalServerError))
		return
	}

	reply := retrieveReply{With: q.With, Start: q.Start, Set: res.reply()}
	for _, row := range res.rows {
		reply.Msg = append(reply.Msg, archivedMessage{
			ID:   idOf(row),
			TS:   int64Val(row["ts"]),
			Body: strVal(row["body"]),
		})
	}
	out := s.Reply()
	_ = out.EncodeElement(reply)
	e.d.Deliver(out)
}

func (e *Extension) handleRemove(s stanza.Stanza) {
	var q removeQuery
	_ = s.DecodePayload(&q)
	if q.With == "" {
		e.deliverIQError(s, stanza.NewError(stanza.Modify, stanza.BadRequest))
		return
	}
	collID, ok := e.collectionID(s.From.Bare(), q.With, q.Start)
	if !ok {
		e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}

	ctx := context.Background()
	_ = e.store.Remove(ctx, storage.TableArchiveMessage, []storage.Predicate{{Column: "collection", Op: "=", Value: collID}})
	_ = e.store.Remove(ctx, storage.TableArchiveCollection, []storage.Predicate{{Column: "id", Op: "=", Value: collID}})
	e.d.Deliver(s.Reply())
}

// collectionID resolves the (owner, peer, start) triple a retrieve/remove
// request names to its stored collection id.
func (e *Extension) collectionID(owner jid.JID, peer string, start int64) (int64, bool) {
	cur, err := e.store.Find(context.Background(), storage.Query{
		Table: storage.TableArchiveCollection,
		Where: []storage.Predicate{
			{Column: "owner", Op: "=", Value: owner.String()},
			{Column: "peer", Op: "=", Value: peer},
			{Column: "start", Op: "=", Value: start},
		},
		Limit: 1,
	})
	if err != nil {
		return 0, false
	}
	defer cur.Close()
	if !cur.Next(context.Background()) {
		return 0, false
	}
	return idOf(cur.At()), true
}

func (e *Extension) deliverIQError(s stanza.Stanza, err stanza.Error) {
	e.d.Deliver(s.ErrorReply(err))
}
