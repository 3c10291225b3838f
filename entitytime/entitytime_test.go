// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package entitytime_test

import (
	"strings"
	"testing"

	"github.com/wifirst/xmppd/entitytime"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

type collectingDispatcher struct{ delivered []stanza.Stanza }

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func TestEntityTimeReplyCarriesUTCAndOffset(t *testing.T) {
	ext := entitytime.New("example.d")
	disp := &collectingDispatcher{}
	ext.Start(nil, disp)

	from, _ := jid.Parse("alice@example.d/phone")
	to, _ := jid.Parse("example.d")
	req := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), ID: "time1", From: from, To: to}
	req.Payload = []byte(`<time xmlns="urn:xmpp:time"/>`)

	if got := ext.HandleStanza(req); got != server.Consumed {
		t.Fatalf("HandleStanza = %v, want Consumed", got)
	}
	if len(disp.delivered) != 1 {
		t.Fatalf("want one delivered reply, got %d", len(disp.delivered))
	}
	reply := disp.delivered[0]
	if !strings.Contains(string(reply.Payload), "<utc>") || !strings.Contains(string(reply.Payload), "<tzo>") {
		t.Fatalf("want utc/tzo elements in the reply payload, got %s", reply.Payload)
	}
}
