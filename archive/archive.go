// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package archive implements the message archive and offline queue
// (spec.md §4.6): per-sender chat collections with a 3600-second
// collection-boundary rule, RSM-paged retrieval, and an offline queue
// drained on a recipient's initial available presence.
package archive // import "github.com/wifirst/xmppd/archive"

import (
	"context"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// collectionGapSeconds is the idle period after which a new message to
// the same peer starts a fresh chat collection rather than extending the
// existing one (spec.md §4.6).
const collectionGapSeconds = 3600

// Extension is the archive and offline-queue engine.
type Extension struct {
	domain string
	store  storage.Store
	d      server.Dispatcher

	mu            sync.Mutex
	nextCollID    int64
	nextMsgID     int64
	nextOfflineID int64
}

// New returns an archive Extension for domain. HandleOffline is meant to
// be registered with Router.RegisterOfflineHandler, which already only
// invokes it when no live resource claimed the stanza — so this package
// does not re-check presence itself.
func New(domain string, store storage.Store) *Extension {
	return &Extension{domain: domain, store: store}
}

func (e *Extension) Name() string                     { return "archive" }
func (e *Extension) Priority() int                     { return -500 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Archive} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(ctx *server.Context, d server.Dispatcher) error {
	e.d = d
	e.nextCollID = 1 + e.maxID(storage.TableArchiveCollection)
	e.nextMsgID = 1 + e.maxID(storage.TableArchiveMessage)
	e.nextOfflineID = 1 + e.maxID(storage.TableOffline)
	return nil
}

func (e *Extension) maxID(table string) int64 {
	cur, err := e.store.Find(context.Background(), storage.Query{
		Table:   table,
		OrderBy: []storage.Order{{Column: "id", Desc: true}},
		Limit:   1,
	})
	if err != nil {
		return 0
	}
	defer cur.Close()
	if !cur.Next(context.Background()) {
		return 0
	}
	return idOf(cur.At())
}

// HandleStanza implements server.Extension: it archives eligible
// outgoing messages (without consuming them — delivery still proceeds
// through the pipeline) and answers the three archive-retrieval IQ
// profiles.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	switch s.Kind {
	case stanza.KindMessage:
		e.archiveIfEligible(s)
		return server.Pass
	case stanza.KindIQ:
		if s.To.Domain == e.domain && s.To.Local == "" {
			return e.handleQuery(s)
		}
	}
	return server.Pass
}

func (e *Extension) archiveIfEligible(s stanza.Stanza) {
	if !stanza.MessageType(s.Type).Archivable() {
		return
	}
	if s.From.Domain != e.domain {
		return
	}
	body := messageBody(s)
	if body == "" {
		return
	}
	e.appendToCollection(s.From.Bare(), s.To.Bare(), body)
}

func messageBody(s stanza.Stanza) string {
	var children struct {
		Body *string `xml:"jabber:client body"`
	}
	if err := stanza.UnmarshalFragment(s.Payload, &children); err != nil || children.Body == nil {
		return ""
	}
	return *children.Body
}

// appendToCollection implements the collection-boundary rule: extend the
// most recent collection for (owner, peer) if its last message is within
// collectionGapSeconds, otherwise start a new one.
func (e *Extension) appendToCollection(owner, peer jid.JID, body string) {
	ctx := context.Background()
	now := time.Now().Unix()

	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TableArchiveCollection,
		Where: []storage.Predicate{
			{Column: "owner", Op: "=", Value: owner.String()},
			{Column: "peer", Op: "=", Value: peer.String()},
		},
		OrderBy: []storage.Order{{Column: "id", Desc: true}},
		Limit:   1,
	})
	if err != nil {
		return
	}
	var collID int64
	var start int64
	if cur.Next(ctx) {
		row := cur.At()
		last := int64Val(row["last"])
		if now-last <= collectionGapSeconds {
			collID = idOf(row)
			start = int64Val(row["start"])
		}
	}
	cur.Close()

	e.mu.Lock()
	if collID == 0 {
		collID = e.nextCollID
		e.nextCollID++
		start = now
	}
	msgID := e.nextMsgID
	e.nextMsgID++
	e.mu.Unlock()

	_ = e.store.Save(ctx, storage.TableArchiveCollection, []string{"id"}, storage.Row{
		"id": collID, "owner": owner.String(), "peer": peer.String(), "start": start, "last": now,
	})
	_ = e.store.Save(ctx, storage.TableArchiveMessage, []string{"id"}, storage.Row{
		"id": msgID, "collection": collID, "ts": now, "body": body,
	})
}

// HandleOffline implements the router's offline-handler contract
// (spec.md §4.2, §4.6): claims a message to a local bare JID with no
// live resource by serializing it into the offline queue.
func (e *Extension) HandleOffline(s stanza.Stanza) bool {
	if !s.IsMessage() || !stanza.MessageType(s.Type).Archivable() {
		return false
	}
	if messageBody(s) == "" {
		return false
	}
	e.mu.Lock()
	id := e.nextOfflineID
	e.nextOfflineID++
	e.mu.Unlock()

	_ = e.store.Save(context.Background(), storage.TableOffline, []string{"id"}, storage.Row{
		"id": id, "owner": s.To.Bare().String(), "ts": time.Now().Unix(),
		"kind": string(s.Kind), "msg_id": s.ID, "from": s.From.String(), "to": s.To.String(),
		"type": s.Type, "payload": string(s.Payload),
	})
	return true
}

// DrainOffline implements presence.OfflineDrainer: re-injects every
// queued stanza for bare, in insertion order, removing each upon
// successful reinjection.
func (e *Extension) DrainOffline(bare jid.JID) {
	ctx := context.Background()
	cur, err := e.store.Find(ctx, storage.Query{
		Table:   storage.TableOffline,
		Where:   []storage.Predicate{{Column: "owner", Op: "=", Value: bare.String()}},
		OrderBy: []storage.Order{{Column: "id", Desc: false}},
	})
	if err != nil {
		return
	}
	var rows []storage.Row
	for cur.Next(ctx) {
		rows = append(rows, cur.At())
	}
	cur.Close()

	for _, row := range rows {
		s, ok := stanzaFromRow(row)
		if !ok {
			continue
		}
		e.d.Dispatch(s)
		_ = e.store.Remove(ctx, storage.TableOffline, []storage.Predicate{{Column: "id", Op: "=", Value: row["id"]}})
	}
}

func stanzaFromRow(row storage.Row) (stanza.Stanza, bool) {
	from, err := jid.Parse(strVal(row["from"]))
	if err != nil {
		return stanza.Stanza{}, false
	}
	to, err := jid.Parse(strVal(row["to"]))
	if err != nil {
		return stanza.Stanza{}, false
	}
	return stanza.Stanza{
		Kind:    stanza.Kind(strVal(row["kind"])),
		ID:      strVal(row["msg_id"]),
		From:    from,
		To:      to,
		Type:    strVal(row["type"]),
		Payload: []byte(strVal(row["payload"])),
	}, true
}

func strVal(v any) string {
	s, _ := v.(string)
	return s
}

func int64Val(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func idOf(row storage.Row) int64 { return int64Val(row["id"]) }
