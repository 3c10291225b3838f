// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package entitytime implements XEP-0202 Entity Time: an iq get
// answered with the server's current UTC time and timezone offset
// (mod_time.cpp).
package entitytime // import "github.com/wifirst/xmppd/entitytime"

import (
	"encoding/xml"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// Extension answers XEP-0202 entity time requests.
type Extension struct {
	domain string
	d      server.Dispatcher
}

// New returns an entitytime Extension for domain.
func New(domain string) *Extension {
	return &Extension{domain: domain}
}

func (e *Extension) Name() string                     { return "entitytime" }
func (e *Extension) Priority() int                     { return -400 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Time} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

type timePayload struct {
	XMLName xml.Name `xml:"urn:xmpp:time time"`
	TZO     string   `xml:"tzo"`
	UTC     string   `xml:"utc"`
}

// HandleStanza answers an iq get <time/> with the server's UTC clock and
// local timezone offset.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ || stanza.IQType(s.Type) != stanza.GetIQ {
		return server.Pass
	}
	if s.To.Local != "" || s.To.Domain != e.domain {
		return server.Pass
	}
	name := s.PayloadName()
	if name.Space != ns.Time || name.Local != "time" {
		return server.Pass
	}

	now := time.Now()
	_, offset := now.Zone()
	reply := s.Reply()
	_ = reply.EncodeElement(timePayload{
		TZO: formatOffset(offset),
		UTC: now.UTC().Format("2006-01-02T15:04:05Z"),
	})
	e.d.Deliver(reply)
	return server.Consumed
}

// formatOffset renders a UTC offset in seconds as "+HH:MM"/"-HH:MM"
// (XEP-0082 date-time profile used by XEP-0202's tzo element).
func formatOffset(seconds int) string {
	sign := "+"
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	h, m := seconds/3600, (seconds%3600)/60
	const digits = "0123456789"
	buf := []byte{sign[0], digits[h/10], digits[h%10], ':', digits[m/10], digits[m%10]}
	return string(buf)
}
