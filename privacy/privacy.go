// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package privacy implements a minimal anti-spam message filter
// (mod_privacy.cpp): when enabled, a message addressed to a specific
// local user is dropped unless the sender's bare JID has a "from" or
// "both" roster subscription on the recipient. It runs with +1 priority
// over the message archive (spec.md §4.1) so a dropped message is never
// archived or delivered.
package privacy // import "github.com/wifirst/xmppd/privacy"

import (
	"context"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/roster"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// Extension is the message filter.
type Extension struct {
	domain  string
	store   storage.Store
	enabled bool
}

// New returns a privacy Extension for domain; it is a no-op until
// enabled is set true via Configure or SetEnabled.
func New(domain string, store storage.Store) *Extension {
	return &Extension{domain: domain, store: store}
}

func (e *Extension) Name() string  { return "privacy" }
func (e *Extension) Priority() int { return -499 }

// Configure reads "enabled" out of the [privacy] table, matching
// XmppServerPrivacy's exposed property.
func (e *Extension) Configure(v *koanf.Koanf) error {
	if v != nil {
		e.enabled = v.Bool("enabled")
	}
	return nil
}

// SetEnabled toggles the filter directly, for callers wiring it up
// without a config file.
func (e *Extension) SetEnabled(enabled bool) { e.enabled = enabled }

func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Privacy} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, _ server.Dispatcher) error {
	return nil
}

// HandleStanza drops a message to a local bare JID mismatch unless the
// sender has roster "from"/"both" subscription there (mod_privacy.cpp's
// handleStanza, which guards chat/normal messages only).
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if !e.enabled || s.Kind != stanza.KindMessage {
		return server.Pass
	}
	switch s.Type {
	case "error", "groupchat", "headline":
		return server.Pass
	}
	if s.To.Domain != e.domain || s.To.Bare().String() == e.domain {
		return server.Pass
	}
	if e.subscribed(context.Background(), s.To.Bare(), s.From.Bare()) {
		return server.Pass
	}
	return server.Consumed
}

// subscribed reports whether peer may reach owner, i.e. owner's roster
// carries peer with a "from" or "both" subscription.
func (e *Extension) subscribed(ctx context.Context, owner, peer jid.JID) bool {
	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TableRoster,
		Where: []storage.Predicate{
			{Column: "owner", Op: "=", Value: owner.String()},
			{Column: "peer", Op: "=", Value: peer.String()},
		},
		Limit: 1,
	})
	if err != nil {
		return false
	}
	defer cur.Close()
	if !cur.Next(ctx) {
		return false
	}
	return roster.Bits(toInt(cur.At()["sub"]))&roster.From != 0
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
