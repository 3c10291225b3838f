// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package vcard implements vcard-temp (XEP-0054): a per-bare-JID XML
// blob, fetched either for oneself or for another local user
// (mod_vcard.cpp), stored the same way private.Extension stores its
// payloads.
package vcard // import "github.com/wifirst/xmppd/vcard"

import (
	"context"
	"encoding/xml"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// Extension is the vcard-temp handler.
type Extension struct {
	domain string
	store  storage.Store
	d      server.Dispatcher
}

// New returns a vcard Extension for domain.
func New(domain string, store storage.Store) *Extension {
	return &Extension{domain: domain, store: store}
}

func (e *Extension) Name() string                       { return "vcard" }
func (e *Extension) Priority() int                       { return -400 }
func (e *Extension) Configure(*koanf.Koanf) error         { return nil }
func (e *Extension) Stop() error                          { return nil }
func (e *Extension) DiscoveryFeatures() []string          { return []string{ns.VCard} }
func (e *Extension) DiscoveryItems() []server.DiscoItem   { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

type vCardQuery struct {
	XMLName xml.Name `xml:"vcard-temp vCard"`
	Raw     string   `xml:",innerxml"`
}

// HandleStanza implements server.Extension: get/set of a single vCard
// blob keyed by bare JID.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ {
		return server.Pass
	}
	name := s.PayloadName()
	if name.Space != ns.VCard || name.Local != "vCard" {
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

// handleGet resolves whose card is wanted the way mod_vcard.cpp does: an
// empty local part on the request's "to" means "my own card", otherwise
// it must name a local user.
func (e *Extension) handleGet(s stanza.Stanza) {
	cardJID := s.To
	if cardJID.Local == "" {
		cardJID = s.From.Bare()
	}
	if cardJID.Domain != e.domain || cardJID.Local == "" {
		e.d.Deliver(s.Reply())
		return
	}

	row, found := e.lookup(context.Background(), cardJID.Bare().String())
	if !found {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Cancel, stanza.ServiceUnavailable)))
		return
	}
	reply := s.Reply()
	reply.Payload = []byte(`<vCard xmlns="vcard-temp">` + storageVal(row["payload"]) + `</vCard>`)
	e.d.Deliver(reply)
}

func (e *Extension) handleSet(s stanza.Stanza) {
	if s.From.Domain != e.domain || s.From.Local == "" {
		e.d.Deliver(s.Reply())
		return
	}
	var q vCardQuery
	if err := s.DecodePayload(&q); err != nil {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Modify, stanza.BadRequest)))
		return
	}
	_ = e.store.Save(context.Background(), storage.TableVCard, []string{"owner"}, storage.Row{
		"owner": s.From.Bare().String(), "payload": q.Raw,
	})
	e.d.Deliver(s.Reply())
}

func (e *Extension) lookup(ctx context.Context, owner string) (storage.Row, bool) {
	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TableVCard,
		Where: []storage.Predicate{{Column: "owner", Op: "=", Value: owner}},
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
