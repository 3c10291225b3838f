// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc_test

import (
	"encoding/xml"
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/muc"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

type collectingDispatcher struct {
	delivered []stanza.Stanza
}

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func newExtension(t *testing.T, admins ...string) (*muc.Extension, *collectingDispatcher) {
	t.Helper()
	store := storage.NewMemory()
	ext := muc.New("conference.d", store, admins)
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return ext, disp
}

func joinPresence(real, room jid.JID, nick string) stanza.Stanza {
	return stanza.Stanza{
		Kind: stanza.KindPresence,
		From: real,
		To:   jid.New(room.Local, room.Domain, nick),
		Type: string(stanza.AvailablePresence),
	}
}

func leavePresence(real, room jid.JID, nick string) stanza.Stanza {
	return stanza.Stanza{
		Kind: stanza.KindPresence,
		From: real,
		To:   jid.New(room.Local, room.Domain, nick),
		Type: string(stanza.UnavailablePresence),
	}
}

func groupchat(real, room jid.JID, body string) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindMessage, From: real, To: room, Type: string(stanza.GroupChatMessage)}
	type bodyEl struct {
		XMLName xml.Name `xml:"jabber:client body"`
		Text    string   `xml:",chardata"`
	}
	_ = s.EncodeElement(bodyEl{Text: body})
	return s
}

func groupchatSubject(real, room jid.JID, subject string) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindMessage, From: real, To: room, Type: string(stanza.GroupChatMessage)}
	type subjectEl struct {
		XMLName xml.Name `xml:"jabber:client subject"`
		Text    string   `xml:",chardata"`
	}
	_ = s.EncodeElement(subjectEl{Text: subject})
	return s
}

// dataField and dataForm mirror the XEP-0004 wire shape the owner IQ
// handler expects nested inside a muc#owner query.
type dataField struct {
	Var   string   `xml:"var,attr"`
	Value []string `xml:"value"`
}

type dataForm struct {
	XMLName xml.Name    `xml:"jabber:x:data x"`
	Field   []dataField `xml:"field"`
}

func ownerSetStanza(from, room jid.JID, fields ...dataField) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, From: from, To: room, Type: string(stanza.SetIQ)}
	payload := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/muc#owner query"`
		X       dataForm
	}{X: dataForm{Field: fields}}
	_ = s.EncodeElement(payload)
	return s
}

type adminItemWire struct {
	XMLName     xml.Name        `xml:"http://jabber.org/protocol/muc#admin item"`
	JID         string          `xml:"jid,attr,omitempty"`
	Nick        string          `xml:"nick,attr,omitempty"`
	Affiliation *muc.Affiliation `xml:"affiliation,attr,omitempty"`
	Role        *muc.Role       `xml:"role,attr,omitempty"`
}

func adminSetStanza(from, room jid.JID, items ...adminItemWire) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, From: from, To: room, Type: string(stanza.SetIQ)}
	payload := struct {
		XMLName xml.Name        `xml:"http://jabber.org/protocol/muc#admin query"`
		Item    []adminItemWire `xml:"item"`
	}{Item: items}
	_ = s.EncodeElement(payload)
	return s
}

func adminGetStanza(from, room jid.JID) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, From: from, To: room, Type: string(stanza.GetIQ)}
	payload := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/muc#admin query"`
	}{}
	_ = s.EncodeElement(payload)
	return s
}

func serviceDiscoItems(from jid.JID) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, From: from, To: jid.New("", "conference.d", ""), Type: string(stanza.GetIQ)}
	payload := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	}{}
	_ = s.EncodeElement(payload)
	return s
}

func TestJoinBroadcastOrdering(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	alice := jid.New("alice", "d", "")
	bob := jid.New("bob", "d", "")

	ext.HandleStanza(joinPresence(alice, room, "alice"))
	disp.delivered = nil

	ext.HandleStanza(joinPresence(bob, room, "bob"))

	// bob must see: (1) alice's existing presence first, then the join
	// broadcast to everyone (including his own copy).
	if len(disp.delivered) < 2 {
		t.Fatalf("got %d stanzas delivered, want at least 2", len(disp.delivered))
	}
	first := disp.delivered[0]
	if !first.IsPresence() || !first.To.Equal(bob) {
		t.Fatalf("first delivered stanza = %+v, want alice's existing presence to bob", first)
	}

	var sawAliceBroadcast, sawBobSelf bool
	for _, s := range disp.delivered {
		if !s.IsPresence() {
			continue
		}
		if s.To.Equal(alice) {
			sawAliceBroadcast = true
		}
		if s.To.Equal(bob) && s.From.Resource == "bob" {
			sawBobSelf = true
		}
	}
	if !sawAliceBroadcast {
		t.Fatal("alice never received bob's join broadcast")
	}
	if !sawBobSelf {
		t.Fatal("bob never received his own join presence")
	}
}

func TestNicknameConflictRejected(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	alice := jid.New("alice", "d", "")
	eve := jid.New("eve", "d", "")

	ext.HandleStanza(joinPresence(alice, room, "same"))
	disp.delivered = nil

	ext.HandleStanza(joinPresence(eve, room, "same"))

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered, want 1 error presence", len(disp.delivered))
	}
	errS := disp.delivered[0]
	if stanza.PresenceType(errS.Type) != stanza.ErrorPresence {
		t.Fatalf("type = %q, want error", errS.Type)
	}
	var errEl stanza.Error
	if err := errS.DecodePayload(&errEl); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if errEl.Condition != stanza.Conflict {
		t.Fatalf("condition = %q, want conflict", errEl.Condition)
	}
}

func TestMembersOnlyRejectsNonMember(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("private", "conference.d", "")
	owner := jid.New("owner", "d", "")
	stranger := jid.New("stranger", "d", "")

	ext.HandleStanza(joinPresence(owner, room, "owner"))
	disp.delivered = nil

	ext.HandleStanza(ownerSetStanza(owner, room, dataField{Var: "muc#roomconfig_membersonly", Value: []string{"1"}}))

	disp.delivered = nil
	ext.HandleStanza(joinPresence(stranger, room, "stranger"))

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered, want 1 error presence", len(disp.delivered))
	}
	var errEl stanza.Error
	if err := disp.delivered[0].DecodePayload(&errEl); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if errEl.Condition != stanza.RegistrationRequired {
		t.Fatalf("condition = %q, want registration-required", errEl.Condition)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	alice := jid.New("alice", "d", "")
	bob := jid.New("bob", "d", "")

	ext.HandleStanza(joinPresence(alice, room, "alice"))

	for i := 0; i < 25; i++ {
		ext.HandleStanza(groupchat(alice, room, "msg"))
	}

	disp.delivered = nil
	ext.HandleStanza(joinPresence(bob, room, "bob"))

	var messageCount int
	for _, s := range disp.delivered {
		if s.IsMessage() {
			messageCount++
		}
	}
	if messageCount != 20 {
		t.Fatalf("got %d replayed history messages, want 20 (oldest 5 of 25 evicted)", messageCount)
	}
}

func TestSubjectChangeRequiresModerator(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	owner := jid.New("owner", "d", "")
	guest := jid.New("guest", "d", "")

	ext.HandleStanza(joinPresence(owner, room, "owner"))
	ext.HandleStanza(joinPresence(guest, room, "guest"))
	disp.delivered = nil

	ext.HandleStanza(groupchatSubject(guest, room, "new topic"))

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered, want 1 error message", len(disp.delivered))
	}
	if !disp.delivered[0].IsMessage() {
		t.Fatalf("delivered stanza kind = %v, want message", disp.delivered[0].Kind)
	}
	var errEl stanza.Error
	if err := disp.delivered[0].DecodePayload(&errEl); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if errEl.Condition != stanza.Forbidden {
		t.Fatalf("condition = %q, want forbidden", errEl.Condition)
	}
}

func TestKickEndToEnd(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	owner := jid.New("owner", "d", "")
	target := jid.New("target", "d", "")

	ext.HandleStanza(joinPresence(owner, room, "owner"))
	ext.HandleStanza(joinPresence(target, room, "target"))
	disp.delivered = nil

	kickRole := muc.RoleNone
	ext.HandleStanza(adminSetStanza(owner, room, adminItemWire{Nick: "target", Role: &kickRole}))

	var sawResult, sawKickedUnavail bool
	for _, s := range disp.delivered {
		if s.IsIQ() && stanza.IQType(s.Type) == stanza.ResultIQ {
			sawResult = true
		}
		if s.IsPresence() && s.To.Equal(target) && stanza.PresenceType(s.Type) == stanza.UnavailablePresence {
			sawKickedUnavail = true
		}
	}
	if !sawResult {
		t.Fatal("admin set never got a result IQ")
	}
	if !sawKickedUnavail {
		t.Fatal("kicked occupant never got an unavailable presence")
	}

	disp.delivered = nil
	ext.HandleStanza(groupchat(target, room, "hello?"))
	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered after kicked user speaks, want 1 error", len(disp.delivered))
	}
	var errEl stanza.Error
	if err := disp.delivered[0].DecodePayload(&errEl); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if errEl.Condition != stanza.Forbidden {
		t.Fatalf("condition = %q, want forbidden (kicked occupant no longer present)", errEl.Condition)
	}
}

func TestAdminBatchRejectsZeroOwners(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	owner := jid.New("owner", "d", "")

	ext.HandleStanza(joinPresence(owner, room, "owner"))
	disp.delivered = nil

	none := muc.AffiliationNone
	ext.HandleStanza(adminSetStanza(owner, room, adminItemWire{JID: owner.Bare().String(), Affiliation: &none}))

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered, want 1 error", len(disp.delivered))
	}
	var errEl stanza.Error
	if err := disp.delivered[0].DecodePayload(&errEl); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if errEl.Condition != stanza.NotAllowed {
		t.Fatalf("condition = %q, want not-allowed (batch would leave zero owners)", errEl.Condition)
	}

	// The affiliation must be unchanged by the rejected batch: a
	// subsequent owner-only action still succeeds.
	disp.delivered = nil
	ext.HandleStanza(adminGetStanza(owner, room))
	if len(disp.delivered) != 1 || !disp.delivered[0].IsIQ() || stanza.IQType(disp.delivered[0].Type) != stanza.ResultIQ {
		t.Fatalf("owner admin-get after rejected batch should still succeed, got %+v", disp.delivered)
	}
}

func TestOutcastCannotRejoin(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	owner := jid.New("owner", "d", "")
	pest := jid.New("pest", "d", "")

	ext.HandleStanza(joinPresence(owner, room, "owner"))
	ext.HandleStanza(joinPresence(pest, room, "pest"))
	disp.delivered = nil

	outcast := muc.AffiliationOutcast
	ext.HandleStanza(adminSetStanza(owner, room, adminItemWire{JID: pest.Bare().String(), Affiliation: &outcast}))

	disp.delivered = nil
	ext.HandleStanza(joinPresence(pest, room, "pest2"))

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered, want 1 error presence", len(disp.delivered))
	}
	var errEl stanza.Error
	if err := disp.delivered[0].DecodePayload(&errEl); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if errEl.Condition != stanza.Forbidden {
		t.Fatalf("condition = %q, want forbidden", errEl.Condition)
	}
}

func TestHiddenRoomFilteredFromServiceDisco(t *testing.T) {
	ext, disp := newExtension(t, "admin@d")
	hidden := jid.New("secret", "conference.d", "")
	admin := jid.New("admin", "d", "")
	stranger := jid.New("stranger", "d", "")

	ext.HandleStanza(joinPresence(admin, hidden, "admin"))
	ext.HandleStanza(ownerSetStanza(admin, hidden, dataField{Var: "muc#roomconfig_publicroom", Value: []string{"0"}}))

	disp.delivered = nil
	ext.HandleStanza(serviceDiscoItems(stranger))

	if len(disp.delivered) != 1 {
		t.Fatalf("got %d delivered, want 1 disco#items result", len(disp.delivered))
	}
	var payload struct {
		Item []struct {
			JID string `xml:"jid,attr"`
		} `xml:"item"`
	}
	if err := disp.delivered[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(payload.Item) != 0 {
		t.Fatalf("got %d items, want 0 (hidden room must not be listed to a non-member stranger)", len(payload.Item))
	}
}

func TestLeaveBroadcastsUnavailable(t *testing.T) {
	ext, disp := newExtension(t)
	room := jid.New("lobby", "conference.d", "")
	alice := jid.New("alice", "d", "")
	bob := jid.New("bob", "d", "")

	ext.HandleStanza(joinPresence(alice, room, "alice"))
	ext.HandleStanza(joinPresence(bob, room, "bob"))
	disp.delivered = nil

	ext.HandleStanza(leavePresence(bob, room, "bob"))

	if len(disp.delivered) != 2 {
		t.Fatalf("got %d delivered, want 2 (broadcast to alice + self copy to bob)", len(disp.delivered))
	}
	for _, s := range disp.delivered {
		if stanza.PresenceType(s.Type) != stanza.UnavailablePresence {
			t.Fatalf("leave presence type = %q, want unavailable", s.Type)
		}
	}
}
