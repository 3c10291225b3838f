// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package vcard_test

import (
	"strings"
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
	"github.com/wifirst/xmppd/vcard"
)

type collectingDispatcher struct{ delivered []stanza.Stanza }

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func TestGetOwnCardMissingIsServiceUnavailable(t *testing.T) {
	ext := vcard.New("example.d", storage.NewMemory())
	disp := &collectingDispatcher{}
	ext.Start(nil, disp)

	from, _ := jid.Parse("alice@example.d/phone")
	to, _ := jid.Parse("example.d")
	req := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), From: from, To: to}
	req.Payload = []byte(`<vCard xmlns="vcard-temp"/>`)

	if got := ext.HandleStanza(req); got != server.Consumed {
		t.Fatalf("HandleStanza = %v, want Consumed", got)
	}
	if disp.delivered[0].Type != string(stanza.ErrorIQ) {
		t.Fatalf("want an error reply for a missing card, got %+v", disp.delivered[0])
	}
}

func TestSetThenGetOwnCardRoundTrips(t *testing.T) {
	ext := vcard.New("example.d", storage.NewMemory())
	disp := &collectingDispatcher{}
	ext.Start(nil, disp)

	from, _ := jid.Parse("alice@example.d/phone")
	to, _ := jid.Parse("example.d")

	setReq := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.SetIQ), From: from, To: to}
	setReq.Payload = []byte(`<vCard xmlns="vcard-temp"><NICKNAME>Alice</NICKNAME></vCard>`)
	if got := ext.HandleStanza(setReq); got != server.Consumed {
		t.Fatalf("HandleStanza(set) = %v, want Consumed", got)
	}

	getReq := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), From: from, To: to}
	getReq.Payload = []byte(`<vCard xmlns="vcard-temp"/>`)
	if got := ext.HandleStanza(getReq); got != server.Consumed {
		t.Fatalf("HandleStanza(get) = %v, want Consumed", got)
	}

	reply := disp.delivered[len(disp.delivered)-1]
	if reply.Type != string(stanza.ResultIQ) || !strings.Contains(string(reply.Payload), "Alice") {
		t.Fatalf("want the stored card echoed back, got %+v", reply)
	}
}

func TestGetOtherLocalUsersCard(t *testing.T) {
	store := storage.NewMemory()
	ext := vcard.New("example.d", store)
	disp := &collectingDispatcher{}
	ext.Start(nil, disp)

	bob, _ := jid.Parse("bob@example.d/desktop")
	bobBare, _ := jid.Parse("bob@example.d")
	setReq := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.SetIQ), From: bob, To: bobBare}
	setReq.Payload = []byte(`<vCard xmlns="vcard-temp"><NICKNAME>Bob</NICKNAME></vCard>`)
	ext.HandleStanza(setReq)

	alice, _ := jid.Parse("alice@example.d/phone")
	getReq := stanza.Stanza{Kind: stanza.KindIQ, Type: string(stanza.GetIQ), From: alice, To: bobBare}
	getReq.Payload = []byte(`<vCard xmlns="vcard-temp"/>`)
	if got := ext.HandleStanza(getReq); got != server.Consumed {
		t.Fatalf("HandleStanza = %v, want Consumed", got)
	}
	reply := disp.delivered[len(disp.delivered)-1]
	if !strings.Contains(string(reply.Payload), "Bob") {
		t.Fatalf("want Bob's card, got %+v", reply)
	}
}
