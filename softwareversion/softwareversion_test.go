// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package softwareversion_test

import (
	"strings"
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/softwareversion"
	"github.com/wifirst/xmppd/stanza"
)

type collectingDispatcher struct{ delivered []stanza.Stanza }

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func TestVersionReplyCarriesNameAndVersion(t *testing.T) {
	ext := softwareversion.New("example.d", "xmppd", "1.0")
	disp := &collectingDispatcher{}
	ext.Start(nil, disp)

	from, _ := jid.Parse("alice@example.d/phone")
	to, _ := jid.Parse("example.d")
	req := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), ID: "v1", From: from, To: to}
	req.Payload = []byte(`<query xmlns="jabber:iq:version"/>`)

	if got := ext.HandleStanza(req); got != server.Consumed {
		t.Fatalf("HandleStanza = %v, want Consumed", got)
	}
	if len(disp.delivered) != 1 {
		t.Fatalf("want one delivered reply, got %d", len(disp.delivered))
	}
	payload := string(disp.delivered[0].Payload)
	if !strings.Contains(payload, "<name>xmppd</name>") || !strings.Contains(payload, "<version>1.0</version>") {
		t.Fatalf("want name/version elements in the reply payload, got %s", payload)
	}
}
