// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server_test

import (
	"testing"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// echoExtension consumes every message stanza addressed to "echo@d" and
// bounces it back to the sender; used to exercise pipeline dispatch.
type echoExtension struct {
	d server.Dispatcher
}

func (e *echoExtension) Name() string                               { return "echo" }
func (e *echoExtension) Priority() int                               { return 0 }
func (e *echoExtension) Configure(*koanf.Koanf) error                { return nil }
func (e *echoExtension) Stop() error                                 { return nil }
func (e *echoExtension) DiscoveryFeatures() []string                 { return nil }
func (e *echoExtension) DiscoveryItems() []server.DiscoItem          { return nil }
func (e *echoExtension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}
func (e *echoExtension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindMessage || s.To.String() != "echo@d" {
		return server.Pass
	}
	reply := s
	reply.From, reply.To = s.To, s.From
	e.d.Deliver(reply)
	return server.Consumed
}

func TestDispatchConsumedByExtension(t *testing.T) {
	ctx := server.NewTestContext("d")
	srv, err := server.New(ctx, "d")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.Use(&echoExtension{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	alice := server.NewSession(jid.New("alice", "d", "mobile"), "127.0.0.1:1")
	srv.Accept(alice)

	srv.Receive(alice, stanza.Stanza{
		Kind: stanza.KindMessage,
		To:   jid.New("echo", "d", ""),
		From: alice.JID(),
	})

	select {
	case got := <-alice.Outbox():
		if got.From.String() != "echo@d" {
			t.Errorf("echoed From = %q, want echo@d", got.From)
		}
	default:
		t.Fatal("expected echoed stanza on alice's outbox")
	}
}

func TestRouteToLiveResource(t *testing.T) {
	ctx := server.NewTestContext("d")
	srv, err := server.New(ctx, "d")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bob := server.NewSession(jid.New("bob", "d", "desktop"), "127.0.0.1:2")
	srv.Accept(bob)

	srv.Deliver(stanza.Stanza{
		Kind: stanza.KindMessage,
		To:   jid.New("bob", "d", "desktop"),
		From: jid.New("alice", "d", ""),
	})

	select {
	case got := <-bob.Outbox():
		if got.From.String() != "alice@d" {
			t.Errorf("From = %q, want alice@d", got.From)
		}
	default:
		t.Fatal("expected stanza delivered to bob's outbox")
	}
}

func TestRouteDropsForOutOfDomainWithNoFederation(t *testing.T) {
	ctx := server.NewTestContext("d")
	srv, err := server.New(ctx, "d")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No panic, no delivery: federation hook left unset.
	srv.Deliver(stanza.Stanza{
		Kind: stanza.KindMessage,
		To:   jid.New("bob", "other", ""),
		From: jid.New("alice", "d", ""),
	})
}
