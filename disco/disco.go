// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package disco implements the aggregating disco#info/disco#items
// extension (spec.md §4.1): on demand it concatenates every registered
// extension's DiscoveryFeatures/DiscoveryItems for queries to the bare
// domain.
package disco // import "github.com/wifirst/xmppd/disco"

import (
	"encoding/xml"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/disco/info"
	"github.com/wifirst/xmppd/disco/items"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// Registry is the subset of *server.Router this extension needs: the list
// of every registered extension to aggregate over.
type Registry interface {
	Extensions() []server.Extension
}

// Extension implements XEP-0030 service discovery by aggregating every
// other registered extension's declared features and items.
type Extension struct {
	registry Registry
	domain   string
	ctx      *server.Context
	d        server.Dispatcher

	identities []info.Identity
}

// New returns a disco Extension that aggregates over registry's
// extensions for the given domain.
func New(domain string, registry Registry) *Extension {
	return &Extension{
		domain:   domain,
		registry: registry,
		identities: []info.Identity{
			{Category: "server", Type: "im", Name: "xmppd"},
		},
	}
}

func (e *Extension) Name() string     { return "disco" }
func (e *Extension) Priority() int    { return 100 }
func (e *Extension) Configure(*koanf.Koanf) error { return nil }
func (e *Extension) Stop() error      { return nil }

func (e *Extension) Start(ctx *server.Context, d server.Dispatcher) error {
	e.ctx, e.d = ctx, d
	return nil
}

// DiscoveryFeatures implements server.Extension; disco does not itself
// advertise features beyond the two namespaces below.
func (e *Extension) DiscoveryFeatures() []string {
	return []string{ns.DiscoInfo, ns.DiscoItems}
}

// DiscoveryItems implements server.Extension; disco contributes no items
// of its own (it aggregates others').
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

// HandleStanza answers disco#info/disco#items IQ gets addressed to the
// bare domain by aggregating every registered extension.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ || s.Type != string(stanza.GetIQ) {
		return server.Pass
	}
	if s.To.Local != "" || s.To.Domain != e.domain {
		return server.Pass
	}
	name := s.PayloadName()
	switch {
	case name.Space == ns.DiscoInfo && name.Local == "query":
		e.replyInfo(s)
		return server.Consumed
	case name.Space == ns.DiscoItems && name.Local == "query":
		e.replyItems(s)
		return server.Consumed
	}
	return server.Pass
}

func (e *Extension) replyInfo(s stanza.Stanza) {
	var features []info.Feature
	seen := make(map[string]bool)
	for _, ext := range e.registry.Extensions() {
		for _, f := range ext.DiscoveryFeatures() {
			// Duplicate features are tolerated (spec.md §4.1) but we still
			// dedupe for a tidier response.
			if seen[f] {
				continue
			}
			seen[f] = true
			features = append(features, info.Feature{Var: f})
		}
	}

	reply := s.Reply()
	payload := struct {
		XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
		Identities []info.Identity `xml:"identity"`
		Features   []info.Feature  `xml:"feature"`
	}{Identities: e.identities, Features: features}
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

func (e *Extension) replyItems(s stanza.Stanza) {
	var out []items.Item
	for _, ext := range e.registry.Extensions() {
		for _, it := range ext.DiscoveryItems() {
			j, err := jid.Parse(it.JID)
			if err != nil {
				continue
			}
			out = append(out, items.Item{JID: j, Name: it.Name, Node: it.Node})
		}
	}

	reply := s.Reply()
	payload := struct {
		XMLName xml.Name     `xml:"http://jabber.org/protocol/disco#items query"`
		Items   []items.Item `xml:"item"`
	}{Items: out}
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}
