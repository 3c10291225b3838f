// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package softwareversion implements XEP-0092 Software Version: an iq
// get answered with the server's name/version/OS (mod_version.cpp).
package softwareversion // import "github.com/wifirst/xmppd/softwareversion"

import (
	"encoding/xml"
	"runtime"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// Extension answers XEP-0092 software version requests.
type Extension struct {
	domain  string
	name    string
	version string
	d       server.Dispatcher
}

// New returns a softwareversion Extension for domain, advertising name
// and version.
func New(domain, name, version string) *Extension {
	return &Extension{domain: domain, name: name, version: version}
}

func (e *Extension) Name() string                     { return "softwareversion" }
func (e *Extension) Priority() int                     { return -400 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Version} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

type versionPayload struct {
	XMLName xml.Name `xml:"jabber:iq:version query"`
	Name    string   `xml:"name"`
	Version string   `xml:"version"`
	OS      string   `xml:"os"`
}

// HandleStanza answers an iq get <query/> with this server's identity.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ || stanza.IQType(s.Type) != stanza.GetIQ {
		return server.Pass
	}
	if s.To.Local != "" || s.To.Domain != e.domain {
		return server.Pass
	}
	name := s.PayloadName()
	if name.Space != ns.Version || name.Local != "query" {
		return server.Pass
	}

	reply := s.Reply()
	_ = reply.EncodeElement(versionPayload{
		Name:    e.name,
		Version: e.version,
		OS:      runtime.GOOS,
	})
	e.d.Deliver(reply)
	return server.Consumed
}
