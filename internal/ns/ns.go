// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants shared across the xmppd packages.
package ns // import "github.com/wifirst/xmppd/internal/ns"

// Namespaces used throughout the server.
const (
	Client   = "jabber:client"
	Server   = "jabber:server"
	Stream   = "http://etherx.jabber.org/streams"
	Stanza   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	XML      = "http://www.w3.org/XML/1998/namespace"

	SASL       = "urn:ietf:params:xml:ns:xmpp-sasl"
	TLS        = "urn:ietf:params:xml:ns:xmpp-tls"
	Bind       = "urn:ietf:params:xml:ns:xmpp-bind"
	Session    = "urn:ietf:params:xml:ns:xmpp-session"
	Disco    = "http://jabber.org/protocol/disco"
	DiscoInfo  = Disco + "#info"
	DiscoItems = Disco + "#items"

	Roster  = "jabber:iq:roster"
	Private = "jabber:iq:private"
	Privacy = "jabber:iq:privacy"
	VCard   = "vcard-temp"

	MUC       = "http://jabber.org/protocol/muc"
	MUCUser   = MUC + "#user"
	MUCOwner  = MUC + "#owner"
	MUCAdmin  = MUC + "#admin"

	Archive = "urn:xmpp:mam:2"
	RSM     = "http://jabber.org/protocol/rsm"

	Bytestreams = "http://jabber.org/protocol/bytestreams"
	Ping        = "urn:xmpp:ping"
	Time        = "urn:xmpp:time"
	Version     = "jabber:iq:version"
	ChatStates  = "http://jabber.org/protocol/chatstates"

	Share = "http://www.wifirst.fr/protocol/shares"

	Diagnostic = "http://www.wifirst.fr/protocol/diagnostics"

	BOSH = "http://jabber.org/protocol/httpbind"
)
