// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package presence_test

import (
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/presence"
	"github.com/wifirst/xmppd/stanza"
)

// fakeAware is a minimal Subscriptions implementation for tests.
type fakeAware struct {
	subs map[string][]string
	subr map[string][]string
}

func (f *fakeAware) Subscriptions(from string) []string { return f.subs[from] }
func (f *fakeAware) Subscribers(from string) []string   { return f.subr[from] }

type collectingDispatcher struct {
	delivered []stanza.Stanza
	dispatched []stanza.Stanza
}

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.dispatched = append(c.dispatched, s) }

func TestInitialAvailableBroadcastsToSubscribers(t *testing.T) {
	aware := &fakeAware{subr: map[string][]string{
		"alice@d/mobile": {"bob@d"},
	}}
	ext := presence.New("d", aware)
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ext.HandleStanza(stanza.Stanza{
		Kind: stanza.KindPresence,
		From: jid.New("alice", "d", "mobile"),
		To:   jid.New("", "d", ""),
	})

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered stanzas, want 1", len(disp.delivered))
	}
	if disp.delivered[0].To.String() != "bob@d" {
		t.Errorf("delivered To = %q, want bob@d", disp.delivered[0].To)
	}
}

func TestDisconnectSynthesizesUnavailable(t *testing.T) {
	aware := &fakeAware{}
	ext := presence.New("d", aware)
	disp := &collectingDispatcher{}
	_ = ext.Start(nil, disp)

	full := jid.New("alice", "d", "mobile")
	ext.HandleStanza(stanza.Stanza{Kind: stanza.KindPresence, From: full, To: jid.New("", "d", "")})

	ext.ClientDisconnected(full)

	if len(disp.dispatched) != 1 {
		t.Fatalf("got %d dispatched stanzas, want 1", len(disp.dispatched))
	}
	got := disp.dispatched[0]
	if got.Type != string(stanza.UnavailablePresence) {
		t.Errorf("Type = %q, want unavailable", got.Type)
	}
	if ext.HasAvailable(full) {
		t.Error("HasAvailable should be false after disconnect")
	}
}

func TestDisconnectWithNoPresenceUsesDirected(t *testing.T) {
	ext := presence.New("d")
	disp := &collectingDispatcher{}
	_ = ext.Start(nil, disp)

	full := jid.New("alice", "d", "mobile")
	ext.HandleStanza(stanza.Stanza{
		Kind: stanza.KindPresence,
		From: full,
		To:   jid.New("eve", "other", ""),
	})

	ext.ClientDisconnected(full)

	if len(disp.dispatched) != 1 {
		t.Fatalf("got %d dispatched stanzas, want 1", len(disp.dispatched))
	}
	if disp.dispatched[0].To.String() != "eve@other" {
		t.Errorf("To = %q, want eve@other", disp.dispatched[0].To)
	}
}
