// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive_test

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/wifirst/xmppd/archive"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

type collectingDispatcher struct {
	delivered []stanza.Stanza
}

func (c *collectingDispatcher) Deliver(s stanza.Stanza)  { c.delivered = append(c.delivered, s) }
func (c *collectingDispatcher) Dispatch(s stanza.Stanza) { c.delivered = append(c.delivered, s) }

func newExtension(t *testing.T) (*archive.Extension, *collectingDispatcher, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	ext := archive.New("d", store)
	disp := &collectingDispatcher{}
	if err := ext.Start(nil, disp); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return ext, disp, store
}

func chatMessage(from, to jid.JID, body string) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindMessage, From: from, To: to, Type: string(stanza.ChatMessage)}
	type bodyEl struct {
		XMLName xml.Name `xml:"jabber:client body"`
		Text    string   `xml:",chardata"`
	}
	_ = s.EncodeElement(bodyEl{Text: body})
	return s
}

func listIQ(from, domain jid.JID) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "l1", From: from, To: domain, Type: string(stanza.GetIQ)}
	type list struct {
		XMLName xml.Name `xml:"urn:xmpp:mam:2 list"`
	}
	_ = s.EncodeElement(list{})
	return s
}

func retrieveIQ(from, domain jid.JID, with string) stanza.Stanza {
	s := stanza.Stanza{Kind: stanza.KindIQ, ID: "r1", From: from, To: domain, Type: string(stanza.GetIQ)}
	type set struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/rsm set"`
	}
	type retrieve struct {
		XMLName xml.Name `xml:"urn:xmpp:mam:2 retrieve"`
		With    string   `xml:"with,attr"`
		Start   int64    `xml:"start,attr"`
	}
	_ = s.EncodeElement(retrieve{With: with})
	return s
}

func TestArchiveAppendsWithinGap(t *testing.T) {
	ext, _, store := newExtension(t)
	alice := jid.MustParse("alice@d")
	bob := jid.MustParse("bob@d")

	ext.HandleStanza(chatMessage(alice, bob, "hi"))
	ext.HandleStanza(chatMessage(alice, bob, "again"))

	cur, err := store.Find(context.Background(), storage.Query{Table: storage.TableArchiveCollection})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	count, _ := cur.Count(context.Background())
	if count != 1 {
		t.Fatalf("want 1 collection for two rapid messages, got %d", count)
	}
}

func TestArchiveStartsNewCollectionAfterGap(t *testing.T) {
	ext, _, store := newExtension(t)
	alice := jid.MustParse("alice@d")
	bob := jid.MustParse("bob@d")

	stale := time.Now().Unix() - 7200
	_ = store.Save(context.Background(), storage.TableArchiveCollection, []string{"id"}, storage.Row{
		"id": int64(1), "owner": alice.Bare().String(), "peer": bob.Bare().String(), "start": stale, "last": stale,
	})

	ext.HandleStanza(chatMessage(alice, bob, "hi"))

	cur, err := store.Find(context.Background(), storage.Query{Table: storage.TableArchiveCollection})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	count, _ := cur.Count(context.Background())
	if count != 2 {
		t.Fatalf("want 2 collections once the gap is crossed, got %d", count)
	}
}

func TestArchiveIgnoresGroupchatAndEmptyBody(t *testing.T) {
	ext, _, store := newExtension(t)
	alice := jid.MustParse("alice@d")
	bob := jid.MustParse("bob@d")

	gc := stanza.Stanza{Kind: stanza.KindMessage, From: alice, To: bob, Type: string(stanza.GroupChatMessage)}
	ext.HandleStanza(gc)
	ext.HandleStanza(stanza.Stanza{Kind: stanza.KindMessage, From: alice, To: bob, Type: string(stanza.ChatMessage)})

	cur, err := store.Find(context.Background(), storage.Query{Table: storage.TableArchiveCollection})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	count, _ := cur.Count(context.Background())
	if count != 0 {
		t.Fatalf("want no collection for groupchat or bodyless messages, got %d", count)
	}
}

func TestHandleStanzaPassesMessagesThrough(t *testing.T) {
	ext, _, _ := newExtension(t)
	alice := jid.MustParse("alice@d")
	bob := jid.MustParse("bob@d")

	if v := ext.HandleStanza(chatMessage(alice, bob, "hi")); v != 0 {
		t.Fatalf("want Pass (0) so routing still proceeds, got %v", v)
	}
}

func TestOfflineQueueAndDrain(t *testing.T) {
	ext, disp, store := newExtension(t)
	bob := jid.MustParse("bob@d")
	alice := jid.MustParse("alice@d")

	m1 := chatMessage(alice, bob, "first")
	m1.ID = "m1"
	m2 := chatMessage(alice, bob, "second")
	m2.ID = "m2"

	if claimed := ext.HandleOffline(m1); !claimed {
		t.Fatalf("want HandleOffline to claim an archivable chat message")
	}
	if claimed := ext.HandleOffline(m2); !claimed {
		t.Fatalf("want HandleOffline to claim second message")
	}

	cur, _ := store.Find(context.Background(), storage.Query{Table: storage.TableOffline})
	count, _ := cur.Count(context.Background())
	cur.Close()
	if count != 2 {
		t.Fatalf("want 2 queued offline rows, got %d", count)
	}

	ext.DrainOffline(bob)

	if len(disp.delivered) != 2 {
		t.Fatalf("want 2 redelivered stanzas, got %d", len(disp.delivered))
	}
	if disp.delivered[0].ID != "m1" || disp.delivered[1].ID != "m2" {
		t.Fatalf("want insertion order m1, m2; got %s, %s", disp.delivered[0].ID, disp.delivered[1].ID)
	}

	cur2, _ := store.Find(context.Background(), storage.Query{Table: storage.TableOffline})
	remaining, _ := cur2.Count(context.Background())
	cur2.Close()
	if remaining != 0 {
		t.Fatalf("want offline rows removed after drain, got %d remaining", remaining)
	}
}

func TestOfflineHandlerRejectsIneligibleStanzas(t *testing.T) {
	ext, _, _ := newExtension(t)
	alice := jid.MustParse("alice@d")
	bob := jid.MustParse("bob@d")

	gc := stanza.Stanza{Kind: stanza.KindMessage, From: alice, To: bob, Type: string(stanza.GroupChatMessage)}
	if ext.HandleOffline(gc) {
		t.Fatalf("groupchat must never be queued offline")
	}
	empty := stanza.Stanza{Kind: stanza.KindMessage, From: alice, To: bob, Type: string(stanza.ChatMessage)}
	if ext.HandleOffline(empty) {
		t.Fatalf("bodyless message must never be queued offline")
	}
}

func TestListAndRetrieveRoundTrip(t *testing.T) {
	ext, disp, _ := newExtension(t)
	alice := jid.MustParse("alice@d")
	bob := jid.MustParse("bob@d")
	domain := jid.MustParse("d")

	for i := 0; i < 3; i++ {
		ext.HandleStanza(chatMessage(alice, bob, "msg"))
	}

	disp.delivered = nil
	if v := ext.HandleStanza(listIQ(alice, domain)); v != 1 {
		t.Fatalf("want Consumed (1) for a list query, got %v", v)
	}
	if len(disp.delivered) != 1 {
		t.Fatalf("want exactly one list reply")
	}
	reply := disp.delivered[0]
	if reply.Type != string(stanza.ResultIQ) {
		t.Fatalf("want result IQ, got %s", reply.Type)
	}

	disp.delivered = nil
	if v := ext.HandleStanza(retrieveIQ(alice, domain, bob.Bare().String())); v != 1 {
		t.Fatalf("want Consumed (1) for a retrieve query, got %v", v)
	}
	if len(disp.delivered) != 1 {
		t.Fatalf("want exactly one retrieve reply")
	}
}

func TestRetrieveUnknownCollectionIsItemNotFound(t *testing.T) {
	ext, disp, _ := newExtension(t)
	alice := jid.MustParse("alice@d")
	domain := jid.MustParse("d")

	ext.HandleStanza(retrieveIQ(alice, domain, "nobody@d"))
	if len(disp.delivered) != 1 {
		t.Fatalf("want exactly one error reply")
	}
	if disp.delivered[0].Type != string(stanza.ErrorIQ) {
		t.Fatalf("want error IQ for an unknown collection, got %s", disp.delivered[0].Type)
	}
}
