// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package privacy_test

import (
	"context"
	"testing"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/privacy"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

func TestDisabledPassesEverything(t *testing.T) {
	ext := privacy.New("example.d", storage.NewMemory())

	from, _ := jid.Parse("eve@evil.d")
	to, _ := jid.Parse("alice@example.d/phone")
	msg := stanza.Stanza{Kind: stanza.KindMessage, Type: "chat", From: from, To: to}

	if got := ext.HandleStanza(msg); got != server.Pass {
		t.Fatalf("HandleStanza = %v, want Pass while disabled", got)
	}
}

func TestUnsubscribedSenderIsDropped(t *testing.T) {
	store := storage.NewMemory()
	ext := privacy.New("example.d", store)
	ext.SetEnabled(true)

	from, _ := jid.Parse("eve@evil.d")
	to, _ := jid.Parse("alice@example.d/phone")
	msg := stanza.Stanza{Kind: stanza.KindMessage, Type: "chat", From: from, To: to}

	if got := ext.HandleStanza(msg); got != server.Consumed {
		t.Fatalf("HandleStanza = %v, want Consumed for an unsubscribed sender", got)
	}
}

func TestSubscribedSenderPasses(t *testing.T) {
	store := storage.NewMemory()
	ext := privacy.New("example.d", store)
	ext.SetEnabled(true)

	if err := store.Save(context.Background(), storage.TableRoster, []string{"owner", "peer"}, storage.Row{
		"owner": "alice@example.d",
		"peer":  "eve@evil.d",
		"sub":   2, // roster.From bit
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	from, _ := jid.Parse("eve@evil.d")
	to, _ := jid.Parse("alice@example.d/phone")
	msg := stanza.Stanza{Kind: stanza.KindMessage, Type: "chat", From: from, To: to}

	if got := ext.HandleStanza(msg); got != server.Pass {
		t.Fatalf("HandleStanza = %v, want Pass for a subscribed sender", got)
	}
}

func TestGroupchatMessagesAreExempt(t *testing.T) {
	ext := privacy.New("example.d", storage.NewMemory())
	ext.SetEnabled(true)

	from, _ := jid.Parse("eve@evil.d")
	to, _ := jid.Parse("alice@example.d/phone")
	msg := stanza.Stanza{Kind: stanza.KindMessage, Type: "groupchat", From: from, To: to}

	if got := ext.HandleStanza(msg); got != server.Pass {
		t.Fatalf("HandleStanza = %v, want Pass for groupchat", got)
	}
}
