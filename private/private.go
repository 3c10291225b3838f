// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package private implements private XML storage (spec.md §4.7): a
// per-account key/value store where the key is a payload's XML
// namespace and the value is the payload itself, round-tripped
// verbatim.
package private // import "github.com/wifirst/xmppd/private"

import (
	"context"
	"encoding/xml"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// Extension is the jabber:iq:private handler.
type Extension struct {
	domain string
	store  storage.Store
	d      server.Dispatcher
}

// New returns a private-storage Extension for domain.
func New(domain string, store storage.Store) *Extension {
	return &Extension{domain: domain, store: store}
}

func (e *Extension) Name() string                       { return "private" }
func (e *Extension) Priority() int                       { return -400 }
func (e *Extension) Configure(*koanf.Koanf) error         { return nil }
func (e *Extension) Stop() error                          { return nil }
func (e *Extension) DiscoveryFeatures() []string          { return []string{ns.Private} }
func (e *Extension) DiscoveryItems() []server.DiscoItem   { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

// HandleStanza implements server.Extension: get/set of a single payload
// element keyed by its own namespace.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ {
		return server.Pass
	}
	name := s.PayloadName()
	if name.Space != ns.Private || name.Local != "query" {
		return server.Pass
	}
	switch stanza.IQType(s.Type) {
	case stanza.GetIQ:
		e.handleGet(s)
		return server.Consumed
	case stanza.SetIQ:
		e.handleSet(s)
		return server.Consumed
	}
	return server.Pass
}

// anyChild captures the name of a query's single unrecognized child
// element, mirroring stanza.rawElement's "decode whatever is there"
// shape.
type anyChild struct {
	XMLName xml.Name
}

type privateQuery struct {
	XMLName xml.Name `xml:"jabber:iq:private query"`
	Child   anyChild `xml:",any"`
	Raw     string   `xml:",innerxml"`
}

func decodeQuery(s stanza.Stanza) (privateQuery, bool) {
	var q privateQuery
	if err := s.DecodePayload(&q); err != nil {
		return q, false
	}
	return q, q.Child.XMLName.Space != "" || q.Child.XMLName.Local != ""
}

func (e *Extension) handleGet(s stanza.Stanza) {
	q, ok := decodeQuery(s)
	if !ok || q.Child.XMLName.Space == "" {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Modify, stanza.BadRequest)))
		return
	}

	row, found := e.lookup(context.Background(), s.From.Bare().String(), q.Child.XMLName.Space)
	reply := s.Reply()
	if !found {
		// Echo the empty request payload back verbatim: "no data" per
		// spec.md §4.7.
		reply.Payload = append([]byte(nil), s.Payload...)
		e.d.Deliver(reply)
		return
	}
	reply.Payload = []byte(`<query xmlns="jabber:iq:private">` + storageVal(row["payload"]) + `</query>`)
	e.d.Deliver(reply)
}

func (e *Extension) handleSet(s stanza.Stanza) {
	q, ok := decodeQuery(s)
	if !ok || q.Child.XMLName.Space == "" {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Modify, stanza.BadRequest)))
		return
	}

	owner := s.From.Bare().String()
	_ = e.store.Save(context.Background(), storage.TablePrivate, []string{"owner", "ns"}, storage.Row{
		"owner": owner, "ns": q.Child.XMLName.Space, "payload": q.Raw,
	})
	e.d.Deliver(s.Reply())
}

func (e *Extension) lookup(ctx context.Context, owner, namespace string) (storage.Row, bool) {
	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TablePrivate,
		Where: []storage.Predicate{
			{Column: "owner", Op: "=", Value: owner},
			{Column: "ns", Op: "=", Value: namespace},
		},
		Limit: 1,
	})
	if err != nil {
		return nil, false
	}
	defer cur.Close()
	if !cur.Next(ctx) {
		return nil, false
	}
	return cur.At(), true
}

func storageVal(v any) string {
	s, _ := v.(string)
	return s
}
