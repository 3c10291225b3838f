// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ping_test

import (
	"testing"

	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/ping"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

type collectingDispatcher struct{ delivered []stanza.Stanza }

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func TestPingRepliesWithEmptyResult(t *testing.T) {
	ext := ping.New("example.d")
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	from, _ := jid.Parse("alice@example.d/phone")
	to, _ := jid.Parse("example.d")
	req := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), ID: "ping1", From: from, To: to}
	req.Payload = []byte(`<ping xmlns="urn:xmpp:ping"/>`)

	if got := ext.HandleStanza(req); got != server.Consumed {
		t.Fatalf("HandleStanza = %v, want Consumed", got)
	}
	if len(disp.delivered) != 1 {
		t.Fatalf("want one delivered reply, got %d", len(disp.delivered))
	}
	reply := disp.delivered[0]
	if reply.Type != string(stanza.ResultIQ) || reply.ID != "ping1" {
		t.Fatalf("want a result IQ echoing the request id, got %+v", reply)
	}
}

func TestPingIgnoresOtherPayloads(t *testing.T) {
	ext := ping.New("example.d")
	disp := &collectingDispatcher{}
	ext.Start(nil, disp)

	from, _ := jid.Parse("alice@example.d")
	to, _ := jid.Parse("example.d")
	req := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), From: from, To: to}
	req.Payload = []byte(`<query xmlns="` + ns.Roster + `"/>`)

	if got := ext.HandleStanza(req); got != server.Pass {
		t.Fatalf("HandleStanza = %v, want Pass for an unrelated payload", got)
	}
}
