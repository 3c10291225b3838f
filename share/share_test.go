// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package share_test

import (
	"encoding/xml"
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/share"
	"github.com/wifirst/xmppd/stanza"
)

type collectingDispatcher struct {
	delivered []stanza.Stanza
}

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func newExtension(t *testing.T, allowed ...string) (*share.Extension, *collectingDispatcher) {
	t.Helper()
	ext := share.New("shares.d", allowed, false, "")
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ext.Stop() })
	return ext, disp
}

func availablePresence(from, domain jid.JID) stanza.Stanza {
	return stanza.Stanza{Kind: stanza.KindPresence, From: from, To: domain, Type: string(stanza.AvailablePresence)}
}

func unavailablePresence(from, domain jid.JID) stanza.Stanza {
	return stanza.Stanza{Kind: stanza.KindPresence, From: from, To: domain, Type: string(stanza.UnavailablePresence)}
}

func TestRegistrationRepliesAndBroadcastsCatalog(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("shares.d")
	alice := jid.MustParse("alice@client.d/res")

	v := ext.HandleStanza(availablePresence(alice, domain))
	if v != 1 {
		t.Fatalf("want Consumed, got %v", v)
	}
	if len(disp.delivered) != 2 {
		t.Fatalf("want the catalog broadcast to the newly registered peer plus the registration reply, got %d", len(disp.delivered))
	}
	if disp.delivered[0].Kind != stanza.KindIQ || disp.delivered[0].Type != string(stanza.SetIQ) {
		t.Fatalf("want the catalog iq set first, got %s %s", disp.delivered[0].Kind, disp.delivered[0].Type)
	}
	if disp.delivered[1].Type != string(stanza.AvailablePresence) {
		t.Fatalf("want an available-presence reply, got %s", disp.delivered[1].Type)
	}
}

func TestDisallowedDomainRejected(t *testing.T) {
	ext, disp := newExtension(t, "allowed.d")
	domain := jid.MustParse("shares.d")
	stranger := jid.MustParse("eve@other.d/res")

	ext.HandleStanza(availablePresence(stranger, domain))
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ErrorPresence) {
		t.Fatalf("want an error presence for a disallowed domain")
	}
}

func TestRedirectConfiguredRejectsRegistration(t *testing.T) {
	ext := share.New("shares.d", nil, false, "other.shares.d")
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ext.Stop()

	domain := jid.MustParse("shares.d")
	alice := jid.MustParse("alice@client.d/res")
	ext.HandleStanza(availablePresence(alice, domain))
	if len(disp.delivered) != 1 || disp.delivered[0].Type != string(stanza.ErrorPresence) {
		t.Fatalf("want an error presence when a redirect domain is configured")
	}
}

func TestSecondRegistrationBroadcastsCatalogToBoth(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("shares.d")
	alice := jid.MustParse("alice@client.d/res")
	bob := jid.MustParse("bob@client.d/res")

	ext.HandleStanza(availablePresence(alice, domain))
	disp.delivered = nil

	ext.HandleStanza(availablePresence(bob, domain))
	// bob's own registration reply, plus a catalog iq[set] to each of the
	// two now-registered peers.
	var sets int
	for _, s := range disp.delivered {
		if s.Kind == stanza.KindIQ && stanza.IQType(s.Type) == stanza.SetIQ {
			sets++
		}
	}
	if sets != 2 {
		t.Fatalf("want a catalog broadcast to both registered peers, got %d set IQs", sets)
	}
}

func TestUnavailableRemovesPeerAndRebroadcasts(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("shares.d")
	alice := jid.MustParse("alice@client.d/res")
	bob := jid.MustParse("bob@client.d/res")

	ext.HandleStanza(availablePresence(alice, domain))
	ext.HandleStanza(availablePresence(bob, domain))
	disp.delivered = nil

	ext.HandleStanza(unavailablePresence(alice, domain))
	var sets int
	for _, s := range disp.delivered {
		if s.Kind == stanza.KindIQ && stanza.IQType(s.Type) == stanza.SetIQ {
			sets++
		}
	}
	if sets != 1 {
		t.Fatalf("want the catalog rebroadcast only to the remaining peer, got %d", sets)
	}
}

func browseIQ(from, domain jid.JID) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "b1", From: from, To: domain, Type: string(stanza.GetIQ)}
	type sharesReq struct {
		XMLName xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
		Depth   int      `xml:"depth,attr"`
	}
	_ = s.EncodeElement(sharesReq{Depth: 1})
	return s
}

func TestBrowseAnswersImmediatelyFromCatalog(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("shares.d")
	alice := jid.MustParse("alice@client.d/res")

	ext.HandleStanza(availablePresence(alice, domain))
	disp.delivered = nil

	ext.HandleStanza(browseIQ(alice, domain))
	if len(disp.delivered) != 1 {
		t.Fatalf("want exactly one immediate browse reply, got %d", len(disp.delivered))
	}
	if disp.delivered[0].Type != string(stanza.ResultIQ) {
		t.Fatalf("want a result IQ for a browse, got %s", disp.delivered[0].Type)
	}
}

func searchIQ(from, domain jid.JID, query string, depth int) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "s1", From: from, To: domain, Type: string(stanza.GetIQ)}
	type sharesReq struct {
		XMLName xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
		Search  string   `xml:"search,omitempty"`
		Depth   int      `xml:"depth,attr"`
	}
	_ = s.EncodeElement(sharesReq{Search: query, Depth: depth})
	return s
}

func TestFederatedSearchWaitsForAllPeerRepliesThenAggregates(t *testing.T) {
	ext, disp := newExtension(t)
	domain := jid.MustParse("shares.d")
	alice := jid.MustParse("alice@client.d/res")
	bob := jid.MustParse("bob@client.d/res")
	requester := jid.MustParse("carol@client.d/res")

	ext.HandleStanza(availablePresence(alice, domain))
	ext.HandleStanza(availablePresence(bob, domain))
	disp.delivered = nil

	ext.HandleStanza(searchIQ(requester, domain, "song", 2))

	var forwards []stanza.Stanza
	for _, s := range disp.delivered {
		if s.Kind == stanza.KindIQ && stanza.IQType(s.Type) == stanza.GetIQ {
			forwards = append(forwards, s)
		}
	}
	if len(forwards) != 2 {
		t.Fatalf("want the search forwarded to both peers, got %d", len(forwards))
	}

	// Each peer replies with its own sub-collection, correlated by the
	// forwarded request's id.
	type sharesReply struct {
		XMLName xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
	}
	for _, fwd := range forwards {
		reply := stanza.Stanza{Kind: stanza.KindIQ, ID: fwd.ID, From: fwd.To, To: fwd.From, Type: string(stanza.ResultIQ)}
		_ = reply.EncodeElement(sharesReply{})
		ext.HandleStanza(reply)
	}

	var aggregate *stanza.Stanza
	for i := range disp.delivered {
		s := disp.delivered[i]
		if s.Kind == stanza.KindIQ && s.To.Equal(requester) && stanza.IQType(s.Type) == stanza.ResultIQ {
			aggregate = &disp.delivered[i]
		}
	}
	if aggregate == nil {
		t.Fatalf("want an aggregated result delivered back to the requester once both peers replied")
	}
	if aggregate.ID != "s1" {
		t.Fatalf("want the aggregate reply to carry the original request id, got %s", aggregate.ID)
	}
}
