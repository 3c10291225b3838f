// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"encoding/xml"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
)

// wireStanza mirrors stanza.Stanza's wire shape for decoding a top-level
// iq/presence/message element straight off the stream, keeping its
// payload as raw innerxml the way stanza.rawElement does internally.
type wireStanza struct {
	XMLName xml.Name
	ID      string  `xml:"id,attr"`
	To      jid.JID `xml:"to,attr"`
	From    jid.JID `xml:"from,attr"`
	Type    string  `xml:"type,attr"`
	Lang    string  `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Inner   []byte  `xml:",innerxml"`
}

// decodeStanza decodes the element started by start (one of iq, presence,
// message) into a stanza.Stanza.
func decodeStanza(dec *xml.Decoder, start xml.StartElement) (stanza.Stanza, error) {
	var ws wireStanza
	if err := dec.DecodeElement(&ws, &start); err != nil {
		return stanza.Stanza{}, err
	}
	return stanza.Stanza{
		Kind:    stanza.Kind(start.Name.Local),
		ID:      ws.ID,
		To:      ws.To,
		From:    ws.From,
		Type:    ws.Type,
		Lang:    ws.Lang,
		Payload: ws.Inner,
	}, nil
}

// marshalStanza renders s back onto the wire. Payload is already
// serialized XML (produced by stanza.Stanza.EncodeElement or a fixed
// literal), so it is written verbatim rather than re-encoded.
func marshalStanza(s stanza.Stanza) []byte {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(string(s.Kind))
	writeAttr(&buf, "id", s.ID)
	if !s.To.IsZero() {
		writeAttr(&buf, "to", s.To.String())
	}
	if !s.From.IsZero() {
		writeAttr(&buf, "from", s.From.String())
	}
	writeAttr(&buf, "type", s.Type)
	writeAttr(&buf, "xml:lang", s.Lang)
	buf.WriteByte('>')
	buf.Write(s.Payload)
	buf.WriteString("</")
	buf.WriteString(string(s.Kind))
	buf.WriteByte('>')
	return buf.Bytes()
}

// DecodeStanza is decodeStanza exported for other transports (bosh) that
// decode the same iq/presence/message wire shape out of a different
// envelope.
func DecodeStanza(dec *xml.Decoder, start xml.StartElement) (stanza.Stanza, error) {
	return decodeStanza(dec, start)
}

// MarshalStanza is marshalStanza exported for other transports.
func MarshalStanza(s stanza.Stanza) []byte {
	return marshalStanza(s)
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	xml.EscapeText(buf, []byte(value))
	buf.WriteByte('"')
}
