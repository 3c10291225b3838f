// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package proxy65 implements the SOCKS5 bytestream proxy (spec.md §4.8,
// XEP-0065): a disco'd streamhost address plus activation handshake over
// XMPP, and a raw TCP listener that pairs up the two SOCKS5-speaking
// peers by a shared hash and pumps bytes between them.
package proxy65 // import "github.com/wifirst/xmppd/proxy65"

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"net"
	"strconv"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// Extension is the proxy65 coordinator. It owns both the XMPP-facing IQ
// handlers and the raw TCP acceptor peers connect to.
type Extension struct {
	domain         string
	allowedDomains []string
	host           string
	port           int

	d        server.Dispatcher
	listener net.Listener

	mu    sync.Mutex
	pairs map[string]*pair
}

// New returns a proxy65 Extension served at domain (e.g. "proxy.example.com"),
// advertising host:port as the external streamhost address and listening
// for SOCKS5 connections on that same port.
func New(domain string, allowedDomains []string, host string, port int) *Extension {
	return &Extension{domain: domain, allowedDomains: allowedDomains, host: host, port: port, pairs: make(map[string]*pair)}
}

func (e *Extension) Name() string                     { return "proxy65" }
func (e *Extension) Priority() int                     { return -600 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Bytestreams} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	ln, err := net.Listen("tcp", net.JoinHostPort("", portString(e.port)))
	if err != nil {
		return err
	}
	e.listener = ln
	go e.accept()
	return nil
}

func (e *Extension) Stop() error {
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

func (e *Extension) accept() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return
		}
		go e.negotiate(conn)
	}
}

// negotiate runs the SOCKS5 handshake on conn and, once the destination
// address (used as the pairing key per spec.md §4.8) is known, attaches
// the connection to its pair.
func (e *Extension) negotiate(conn net.Conn) {
	key, ok := socks5Handshake(conn)
	if !ok {
		conn.Close()
		return
	}

	e.mu.Lock()
	p, exists := e.pairs[key]
	if !exists {
		p = &pair{key: key}
		e.pairs[key] = p
	}
	e.mu.Unlock()

	if !p.addSocket(conn) {
		conn.Close()
		return
	}
	if p.ready() {
		go e.runPair(p)
	}
}

func (e *Extension) runPair(p *pair) {
	p.pump()
	e.mu.Lock()
	delete(e.pairs, p.key)
	e.mu.Unlock()
}

func (e *Extension) isAllowed(domain string) bool {
	if len(e.allowedDomains) == 0 {
		return true
	}
	for _, d := range e.allowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// HandleStanza implements server.Extension: the two IQ profiles of
// XEP-0065 directed at the proxy's own bare JID (address query, and
// activation).
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ || s.To.Domain != e.domain || s.To.Local != "" {
		return server.Pass
	}
	name := s.PayloadName()
	if name.Space != ns.Bytestreams || name.Local != "query" {
		return server.Pass
	}
	switch stanza.IQType(s.Type) {
	case stanza.GetIQ:
		e.handleAddressQuery(s)
	case stanza.SetIQ:
		e.handleActivate(s)
	default:
		return server.Pass
	}
	return server.Consumed
}

type streamhost struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/bytestreams streamhost"`
	JID     jid.JID  `xml:"jid,attr"`
	Host    string   `xml:"host,attr"`
	Port    int      `xml:"port,attr"`
}

func (e *Extension) handleAddressQuery(s stanza.Stanza) {
	if !e.isAllowed(s.From.Domain) {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Auth, stanza.Forbidden)))
		return
	}
	reply := s.Reply()
	payload := struct {
		XMLName    xml.Name `xml:"http://jabber.org/protocol/bytestreams query"`
		Streamhost streamhost
	}{Streamhost: streamhost{JID: jid.New("", e.domain, ""), Host: e.host, Port: e.port}}
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

type activateQuery struct {
	SID      string `xml:"sid,attr"`
	Activate string `xml:"activate"`
}

func (e *Extension) handleActivate(s stanza.Stanza) {
	var q activateQuery
	if err := s.DecodePayload(&q); err != nil || q.Activate == "" {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Modify, stanza.BadRequest)))
		return
	}
	if !e.isAllowed(s.From.Domain) {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Auth, stanza.Forbidden)))
		return
	}

	key := streamKey(q.SID, s.From.String(), q.Activate)
	e.mu.Lock()
	p, ok := e.pairs[key]
	ready := ok && p.ready()
	e.mu.Unlock()
	if !ready {
		e.d.Deliver(s.ErrorReply(stanza.NewError(stanza.Cancel, stanza.ItemNotFound)))
		return
	}
	e.d.Deliver(s.Reply())
}

// streamKey computes the SOCKS5 destination-address field XEP-0065 uses
// to pair the two TCP connections for one bytestream.
func streamKey(sid, initiator, target string) string {
	sum := sha1.Sum([]byte(sid + initiator + target))
	return hex.EncodeToString(sum[:])
}

func portString(port int) string {
	return strconv.Itoa(port)
}
