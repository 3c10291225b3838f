// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package proxy65_test

import (
	"encoding/xml"
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/proxy65"
	"github.com/wifirst/xmppd/stanza"
)

type collectingDispatcher struct {
	delivered []stanza.Stanza
}

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func newExtension(t *testing.T, allowed ...string) (*proxy65.Extension, *collectingDispatcher) {
	t.Helper()
	ext := proxy65.New("proxy.d", allowed, "proxy.d", 0)
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ext.Stop() })
	return ext, disp
}

func addressQueryIQ(from, to jid.JID) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "q1", From: from, To: to, Type: string(stanza.GetIQ)}
	type query struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/bytestreams query"`
	}
	_ = s.EncodeElement(query{})
	return s
}

func TestAddressQueryReturnsStreamhost(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("proxy.d")
	alice := jid.MustParse("alice@client.d/res")

	v := ext.HandleStanza(addressQueryIQ(alice, domain))
	if v != 1 {
		t.Fatalf("want Consumed, got %v", v)
	}
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ResultIQ) {
		t.Fatalf("want a result IQ carrying the streamhost")
	}
}

func TestAddressQueryRejectsDisallowedDomain(t *testing.T) {
	ext, disp := newExtension(t, "allowed.d")
	domain := jid.MustParse("proxy.d")
	eve := jid.MustParse("eve@other.d/res")

	ext.HandleStanza(addressQueryIQ(eve, domain))
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ErrorIQ) {
		t.Fatalf("want an error IQ for a disallowed domain, got %+v", disp.delivered)
	}
}

func activateIQ(from, to jid.JID, sid, target string) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "a1", From: from, To: to, Type: string(stanza.SetIQ)}
	type query struct {
		XMLName  xml.Name `xml:"http://jabber.org/protocol/bytestreams query"`
		SID      string   `xml:"sid,attr"`
		Activate string   `xml:"activate"`
	}
	_ = s.EncodeElement(query{SID: sid, Activate: target})
	return s
}

func TestActivateWithoutPendingPairFails(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("proxy.d")
	alice := jid.MustParse("alice@client.d/res")

	ext.HandleStanza(activateIQ(alice, domain, "sid1", "bob@client.d/res"))
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ErrorIQ) {
		t.Fatalf("want an error IQ when no pair has connected yet, got %+v", disp.delivered)
	}
}

func TestActivateRejectsDisallowedDomain(t *testing.T) {
	ext, disp := newExtension(t, "allowed.d")
	domain := jid.MustParse("proxy.d")
	eve := jid.MustParse("eve@other.d/res")

	ext.HandleStanza(activateIQ(eve, domain, "sid1", "bob@client.d/res"))
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ErrorIQ) {
		t.Fatalf("want an error IQ for a disallowed domain")
	}
}

func TestActivateMissingFieldIsBadRequest(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("proxy.d")
	alice := jid.MustParse("alice@client.d/res")

	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "a2", From: alice, To: domain, Type: string(stanza.SetIQ)}
	type query struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/bytestreams query"`
		SID     string   `xml:"sid,attr"`
	}
	_ = s.EncodeElement(query{SID: "sid1"})

	ext.HandleStanza(s)
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ErrorIQ) {
		t.Fatalf("want a bad-request error when activate is missing")
	}
}
