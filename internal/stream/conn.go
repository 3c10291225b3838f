// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/wifirst/xmppd/internal/attr"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

var errStreamClosed = errors.New("stream: peer closed the stream")
var errAuthFailed = errors.New("stream: authentication failed")

// negotiate drives one connection through stream header exchange,
// optional STARTTLS, SASL authentication and resource binding (RFC 6120
// §4-§7), then serves the bound Session until the connection closes.
func (a *Acceptor) negotiate(conn net.Conn) error {
	current := conn
	secure := a.TLSConfig == nil // no STARTTLS offered if unconfigured: treat as already "secure enough"
	var authenticated bool
	var username string

	for {
		// A fresh decoder each round: RFC 6120 §4.3.3/§6.4.6 restart the
		// stream after STARTTLS and after SASL success without ever
		// closing the old <stream:stream> root, so a decoder carried over
		// from the prior round would parse the new header as that root's
		// child rather than a document of its own.
		dec := xml.NewDecoder(current)
		if err := readStreamOpen(dec); err != nil {
			return err
		}
		if err := writeStreamOpen(current, a.Domain); err != nil {
			return err
		}

		switch {
		case !secure:
			if err := writeStartTLSFeature(current); err != nil {
				return err
			}
			start, err := nextStart(dec)
			if err != nil {
				return err
			}
			if start.Name != (xml.Name{Space: ns.TLS, Local: "starttls"}) {
				return fmt.Errorf("stream: expected starttls, got %v", start.Name)
			}
			if err := writeRaw(current, `<proceed xmlns='`+ns.TLS+`'/>`); err != nil {
				return err
			}
			tlsConn := tls.Server(current, a.TLSConfig)
			if err := tlsConn.HandshakeContext(context.Background()); err != nil {
				return fmt.Errorf("stream: tls handshake: %w", err)
			}
			current = tlsConn
			secure = true
			continue

		case !authenticated:
			if err := writeMechanisms(current); err != nil {
				return err
			}
			user, err := a.handleAuth(current, dec)
			if err != nil {
				return err
			}
			authenticated = true
			username = user
			continue

		default:
			if err := writeBindFeatures(current); err != nil {
				return err
			}
			sess, err := a.handleBind(current, dec, username)
			if err != nil {
				return err
			}
			return a.serve(current, dec, sess)
		}
	}
}

func readStreamOpen(dec *xml.Decoder) error {
	start, err := nextStart(dec)
	if err != nil {
		return err
	}
	if start.Name.Local != "stream" {
		return fmt.Errorf("stream: expected <stream:stream>, got %v", start.Name)
	}
	return nil
}

func writeStreamOpen(w io.Writer, domain string) error {
	return writeRaw(w, fmt.Sprintf(
		`<?xml version='1.0'?><stream:stream xmlns='%s' xmlns:stream='%s' from='%s' id='%s' version='1.0'>`,
		ns.Client, ns.Stream, domain, attr.RandomID()))
}

func writeStartTLSFeature(w io.Writer) error {
	return writeRaw(w, `<stream:features><starttls xmlns='`+ns.TLS+`'><required/></starttls></stream:features>`)
}

func writeMechanisms(w io.Writer) error {
	return writeRaw(w, `<stream:features><mechanisms xmlns='`+ns.SASL+`'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`)
}

func writeBindFeatures(w io.Writer) error {
	return writeRaw(w, `<stream:features><bind xmlns='`+ns.Bind+`'/><session xmlns='`+ns.Session+`'/></stream:features>`)
}

func writeRaw(w io.Writer, s string) error {
	_, err := io.WriteString(w, s)
	return err
}

// nextStart returns the next start element, skipping whitespace and
// other non-element tokens. A closing </stream:stream> or a read error
// both terminate the connection.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, errStreamClosed
			}
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			if t.Name.Local == "stream" {
				return xml.StartElement{}, errStreamClosed
			}
		}
	}
}

// handleAuth reads a single <auth mechanism='PLAIN'/> element and checks
// the offered credentials, replying <success/> or <failure/>. Only PLAIN
// is offered (see writeMechanisms), so it is the only mechanism handled.
func (a *Acceptor) handleAuth(w io.Writer, dec *xml.Decoder) (string, error) {
	start, err := nextStart(dec)
	if err != nil {
		return "", err
	}
	if start.Name != (xml.Name{Space: ns.SASL, Local: "auth"}) {
		return "", fmt.Errorf("stream: expected <auth/>, got %v", start.Name)
	}
	var body struct {
		Mechanism string `xml:"mechanism,attr"`
		Data      string `xml:",chardata"`
	}
	if err := dec.DecodeElement(&body, &start); err != nil {
		return "", err
	}
	if body.Mechanism != "PLAIN" {
		_ = writeRaw(w, `<failure xmlns='`+ns.SASL+`'><invalid-mechanism/></failure>`)
		return "", errAuthFailed
	}

	username, password, err := decodePlain(body.Data)
	if err != nil {
		_ = writeRaw(w, `<failure xmlns='`+ns.SASL+`'><incorrect-encoding/></failure>`)
		return "", errAuthFailed
	}

	local, _, err := jid.Validate(username, "")
	if err != nil {
		_ = writeRaw(w, `<failure xmlns='`+ns.SASL+`'><malformed-request/></failure>`)
		return "", errAuthFailed
	}

	if err := a.Checker.CheckPassword(context.Background(), local, a.Domain, password); err != nil {
		_ = writeRaw(w, `<failure xmlns='`+ns.SASL+`'><not-authorized/></failure>`)
		return "", errAuthFailed
	}

	if err := writeRaw(w, `<success xmlns='`+ns.SASL+`'/>`); err != nil {
		return "", err
	}
	return local, nil
}

// handleBind reads the <iq type='set'><bind/></iq> RFC 6121 §7 resource
// binding request, validates and/or generates the resource, registers
// the Session with the server core and replies with the bound JID.
func (a *Acceptor) handleBind(w io.Writer, dec *xml.Decoder, username string) (*server.Session, error) {
	start, err := nextStart(dec)
	if err != nil {
		return nil, err
	}
	if start.Name.Local != "iq" {
		return nil, fmt.Errorf("stream: expected bind <iq/>, got %v", start.Name)
	}
	s, err := decodeStanza(dec, start)
	if err != nil {
		return nil, err
	}

	var payload struct {
		XMLName  xml.Name
		Resource string `xml:"resource"`
	}
	_ = s.DecodePayload(&payload)

	_, resource, err := jid.Validate("", payload.Resource)
	if err != nil {
		return nil, err
	}
	if resource == "" {
		resource = attr.RandomID()
	}

	full := jid.New(username, a.Domain, resource)

	// Last connection wins: a fresh bind to an already-live resource
	// evicts the prior Session rather than erroring (spec.md §3 does not
	// specify a conflict policy, so this mirrors common server behavior).
	if prior, ok := a.Server.Registry.Session(full); ok {
		prior.Close()
	}

	sess := server.NewSession(full, remoteAddrOf(w))

	reply := s.Reply()
	boundEl := struct {
		XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
		JID     string   `xml:"jid"`
	}{JID: full.String()}
	if err := reply.EncodeElement(boundEl); err != nil {
		return nil, err
	}
	if _, err := w.Write(marshalStanza(reply)); err != nil {
		return nil, err
	}

	a.Server.Accept(sess)
	return sess, nil
}

func remoteAddrOf(w io.Writer) string {
	if conn, ok := w.(net.Conn); ok {
		return conn.RemoteAddr().String()
	}
	return ""
}

// serve drains sess's outbox to the wire and feeds stanzas decoded from
// dec into the server core until either side closes the connection.
func (a *Acceptor) serve(conn net.Conn, dec *xml.Decoder, sess *server.Session) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for st := range sess.Outbox() {
			if _, err := conn.Write(marshalStanza(st)); err != nil {
				return
			}
		}
	}()
	defer func() {
		sess.Close()
		<-done
	}()

	for {
		start, err := nextStart(dec)
		if err != nil {
			return err
		}
		switch start.Name.Local {
		case "iq", "presence", "message":
			s, err := decodeStanza(dec, start)
			if err != nil {
				return err
			}
			// Legacy session establishment (RFC 3921, obsoleted by RFC
			// 6121 but still sent by older clients since it was
			// advertised as a feature): ack it without routing, nothing
			// downstream understands the payload.
			if s.Kind == stanza.KindIQ && s.PayloadName().Space == ns.Session {
				if _, err := conn.Write(marshalStanza(s.Reply())); err != nil {
					return err
				}
				continue
			}
			a.Server.Receive(sess, s)
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}
