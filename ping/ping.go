// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ping implements XEP-0199 XMPP Ping: an iq get carrying an
// empty <ping/> answered with a bare result (mod_ping.cpp).
package ping // import "github.com/wifirst/xmppd/ping"

import (
	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// Extension answers XEP-0199 ping requests.
type Extension struct {
	domain string
	d      server.Dispatcher
}

// New returns a ping Extension for domain.
func New(domain string) *Extension {
	return &Extension{domain: domain}
}

func (e *Extension) Name() string                     { return "ping" }
func (e *Extension) Priority() int                     { return -400 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Ping} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

// HandleStanza answers an iq get ping/> with an empty result.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ || stanza.IQType(s.Type) != stanza.GetIQ {
		return server.Pass
	}
	if s.To.Local != "" || s.To.Domain != e.domain {
		return server.Pass
	}
	name := s.PayloadName()
	if name.Space != ns.Ping || name.Local != "ping" {
		return server.Pass
	}
	e.d.Deliver(s.Reply())
	return server.Consumed
}
