// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roster implements the contact store and bidirectional
// subscription state machine (spec.md §4.4), including the inbound/
// outbound presence-subscription rewriting and the roster push ordering
// guarantee (spec.md §5: pushes are enqueued before the IQ result they
// accompany).
package roster // import "github.com/wifirst/xmppd/roster"

import (
	"context"
	"encoding/xml"
	"sort"
	"strings"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// Bits is a 2-bit flag set over {To, From}, used independently for both
// subscription and ask state (spec.md §3).
type Bits int

// Subscription/ask flag bits.
const (
	To Bits = 1 << iota
	From
)

func (b Bits) has(f Bits) bool { return b&f != 0 }

// String renders the subscription value the way the roster IQ wire
// protocol expects it.
func (b Bits) String() string {
	switch {
	case b.has(To) && b.has(From):
		return "both"
	case b.has(To):
		return "to"
	case b.has(From):
		return "from"
	default:
		return "none"
	}
}

// Contact is a single roster row (spec.md §3).
type Contact struct {
	Owner        jid.JID
	Peer         jid.JID
	Groups       []string
	Name         string
	Subscription Bits
	Ask          Bits
	Hidden       bool
}

// empty reports whether the contact carries no state at all and should be
// garbage-collected (spec.md §3 invariant).
func (c Contact) empty() bool {
	return c.Subscription == 0 && c.Ask == 0 && !c.Hidden
}

// Extension is the roster engine.
type Extension struct {
	domain  string
	store   storage.Store
	d       server.Dispatcher
	sessions SessionLister
}

// SessionLister is the subset of *server.Registry the roster engine needs
// to push updates to every live resource of an owner.
type SessionLister interface {
	Resources(bare jid.JID) []*server.Session
}

// New returns a roster Extension backed by store for domain. sessions is
// typically the Server's Registry.
func New(domain string, store storage.Store, sessions SessionLister) *Extension {
	return &Extension{domain: domain, store: store, sessions: sessions}
}

func (e *Extension) Name() string                     { return "roster" }
func (e *Extension) Priority() int                     { return 10 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Roster} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

// HandleStanza implements server.Extension: roster IQ get/set and the
// four subscription-management presence types.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	switch s.Kind {
	case stanza.KindIQ:
		name := s.PayloadName()
		if name.Space != ns.Roster || name.Local != "query" {
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
	case stanza.KindPresence:
		if !stanza.PresenceType(s.Type).IsSubscriptionRequest() {
			return server.Pass
		}
		e.handleSubscription(s)
		return server.Pass // subscription presences still flow to presence engine
	}
	return server.Pass
}

type rosterItem struct {
	XMLName      xml.Name `xml:"jabber:iq:roster item"`
	JID          jid.JID  `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Group        []string `xml:"group,omitempty"`
}

func (e *Extension) handleGet(s stanza.Stanza) {
	contacts := e.load(context.Background(), s.From.Bare())
	reply := s.Reply()
	var items []rosterItem
	for _, c := range contacts {
		if c.Hidden {
			continue
		}
		items = append(items, toWire(c))
	}
	payload := struct {
		XMLName xml.Name     `xml:"jabber:iq:roster query"`
		Item    []rosterItem `xml:"item"`
	}{Item: items}
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

func toWire(c Contact) rosterItem {
	return rosterItem{
		JID:          c.Peer,
		Name:         c.Name,
		Subscription: c.Subscription.String(),
		Group:        c.Groups,
	}
}

func (e *Extension) handleSet(s stanza.Stanza) {
	var payload struct {
		Item []rosterItem `xml:"item"`
	}
	if err := s.DecodePayload(&payload); err != nil {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Modify, stanza.BadRequest)))
		return
	}

	owner := s.From.Bare()
	for _, item := range payload.Item {
		if item.Subscription == "remove" {
			e.remove(owner, item.JID)
			continue
		}
		e.upsert(owner, item.JID, item.Name, item.Group)
	}

	// Roster pushes must be enqueued before the IQ result completes
	// (spec.md §4.4 Ordering).
	e.pushAll(owner)
	e.d.Deliver(s.Reply())
}

func (e *Extension) remove(owner, peer jid.JID) {
	ctx := context.Background()
	c, ok := e.get(ctx, owner, peer)
	if !ok {
		return
	}
	e.delete(ctx, owner, peer)
	if c.Subscription.has(From) || c.Subscription.has(To) {
		e.d.Deliver(stanza.Stanza{Kind: stanza.KindPresence, From: owner, To: peer, Type: string(stanza.UnsubscribePresence)})
		e.d.Deliver(stanza.Stanza{Kind: stanza.KindPresence, From: owner, To: peer, Type: string(stanza.UnsubscribedPresence)})
	}
}

func (e *Extension) upsert(owner, peer jid.JID, name string, groups []string) {
	ctx := context.Background()
	c, ok := e.get(ctx, owner, peer)
	if !ok {
		c = Contact{Owner: owner, Peer: peer}
	}
	c.Name = name
	c.Groups = groups
	e.save(ctx, c)
}

// handleSubscription applies the state-machine transitions of spec.md
// §4.4's table, for both outbound (from a local user) and inbound (from a
// remote peer, on behalf of the local owner) subscription presences.
func (e *Extension) handleSubscription(s stanza.Stanza) {
	ctx := context.Background()
	typ := stanza.PresenceType(s.Type)

	if s.From.Domain == e.domain {
		e.handleOutbound(ctx, s.From.Bare(), s.To.Bare(), typ)
	}
	if s.To.Domain == e.domain {
		e.handleInbound(ctx, s.To.Bare(), s.From.Bare(), typ)
	}
}

func (e *Extension) handleOutbound(ctx context.Context, owner, peer jid.JID, typ stanza.PresenceType) {
	c, ok := e.get(ctx, owner, peer)
	if !ok {
		c = Contact{Owner: owner, Peer: peer}
	}
	switch typ {
	case stanza.SubscribePresence:
		if c.Subscription.has(To) {
			return // already subscribed, drop
		}
		c.Ask |= To
		e.save(ctx, c)
		e.pushAll(owner)
	case stanza.UnsubscribePresence:
		if !c.Subscription.has(To) {
			return
		}
		c.Subscription &^= To
		c.Ask &^= To
		e.saveOrDelete(ctx, c)
		e.pushAll(owner)
	case stanza.SubscribedPresence:
		c.Subscription |= From
		c.Ask &^= From
		c.Hidden = false
		e.save(ctx, c)
		e.pushAll(owner)
	case stanza.UnsubscribedPresence:
		if c.Hidden {
			e.delete(ctx, owner, peer)
			return
		}
		if c.Subscription.has(From) {
			c.Subscription &^= From
			e.saveOrDelete(ctx, c)
			e.pushAll(owner)
		}
	}
}

func (e *Extension) handleInbound(ctx context.Context, owner, peer jid.JID, typ stanza.PresenceType) {
	c, ok := e.get(ctx, owner, peer)
	if !ok {
		c = Contact{Owner: owner, Peer: peer}
	}
	switch typ {
	case stanza.SubscribePresence:
		if c.Subscription.has(From) {
			return
		}
		if !ok {
			c.Hidden = true
		}
		c.Ask |= From
		e.save(ctx, c)
	case stanza.UnsubscribePresence:
		if !c.Subscription.has(From) {
			return
		}
		c.Subscription &^= From
		c.Ask &^= From
		e.saveOrDelete(ctx, c)
	case stanza.SubscribedPresence:
		c.Subscription |= To
		c.Ask &^= To
		c.Hidden = false
		e.save(ctx, c)
	case stanza.UnsubscribedPresence:
		if c.Hidden {
			e.delete(ctx, owner, peer)
			return
		}
		if c.Subscription.has(To) {
			c.Subscription &^= To
			e.saveOrDelete(ctx, c)
		}
	}
}

func (e *Extension) saveOrDelete(ctx context.Context, c Contact) {
	if c.empty() {
		e.delete(ctx, c.Owner, c.Peer)
		return
	}
	e.save(ctx, c)
}

// pushAll sends a roster push (an unsolicited roster IQ set) to every live
// resource of owner.
func (e *Extension) pushAll(owner jid.JID) {
	contacts := e.load(context.Background(), owner)
	for _, sess := range e.sessions.Resources(owner) {
		for _, c := range contacts {
			push := stanza.Stanza{Kind: stanza.KindIQ, To: sess.JID(), Type: string(stanza.SetIQ)}
			payload := struct {
				XMLName xml.Name   `xml:"jabber:iq:roster query"`
				Item    rosterItem `xml:"item"`
			}{Item: toWire(c)}
			_ = push.EncodeElement(payload)
			sess.Enqueue(push)
		}
	}
}

// Subscriptions implements presence.Subscriptions: every peer whose
// presence from is subscribed to (subscription includes To).
func (e *Extension) Subscriptions(from string) []string {
	owner, err := jid.Parse(from)
	if err != nil {
		return nil
	}
	var out []string
	for _, c := range e.load(context.Background(), owner.Bare()) {
		if c.Subscription.has(To) {
			out = append(out, c.Peer.String())
		}
	}
	return out
}

// Subscribers implements presence.Subscriptions: every peer with
// subscription including From receives from's presence broadcasts.
func (e *Extension) Subscribers(from string) []string {
	owner, err := jid.Parse(from)
	if err != nil {
		return nil
	}
	var out []string
	for _, c := range e.load(context.Background(), owner.Bare()) {
		if c.Subscription.has(From) {
			out = append(out, c.Peer.String())
		}
	}
	sort.Strings(out)
	return out
}

func (e *Extension) load(ctx context.Context, owner jid.JID) []Contact {
	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TableRoster,
		Where: []storage.Predicate{{Column: "owner", Op: "=", Value: owner.String()}},
	})
	if err != nil {
		return nil
	}
	defer cur.Close()
	var out []Contact
	for cur.Next(ctx) {
		out = append(out, fromRow(cur.At()))
	}
	return out
}

func (e *Extension) get(ctx context.Context, owner, peer jid.JID) (Contact, bool) {
	for _, c := range e.load(ctx, owner) {
		if c.Peer.Equal(peer) {
			return c, true
		}
	}
	return Contact{}, false
}

func (e *Extension) save(ctx context.Context, c Contact) {
	_ = e.store.Save(ctx, storage.TableRoster, []string{"owner", "peer"}, toRow(c))
}

func (e *Extension) delete(ctx context.Context, owner, peer jid.JID) {
	_ = e.store.Remove(ctx, storage.TableRoster, []storage.Predicate{
		{Column: "owner", Op: "=", Value: owner.String()},
		{Column: "peer", Op: "=", Value: peer.String()},
	})
}

func toRow(c Contact) storage.Row {
	return storage.Row{
		"owner":  c.Owner.String(),
		"peer":   c.Peer.String(),
		"name":   c.Name,
		"groups": strings.Join(c.Groups, "\x00"),
		"sub":    int(c.Subscription),
		"ask":    int(c.Ask),
		"hidden": c.Hidden,
	}
}

func fromRow(r storage.Row) Contact {
	owner, _ := jid.Parse(str(r["owner"]))
	peer, _ := jid.Parse(str(r["peer"]))
	var groups []string
	if g := str(r["groups"]); g != "" {
		groups = strings.Split(g, "\x00")
	}
	return Contact{
		Owner:        owner,
		Peer:         peer,
		Name:         str(r["name"]),
		Groups:       groups,
		Subscription: Bits(toInt(r["sub"])),
		Ask:          Bits(toInt(r["ask"])),
		Hidden:       toBool(r["hidden"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}
