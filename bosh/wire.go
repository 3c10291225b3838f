// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"encoding/xml"

	"github.com/wifirst/xmppd/internal/ns"
)

// bodyRequest is the XEP-0124 <body/> wrapper a BOSH connection manager
// receives on every POST: either the initial session-creation request
// (no Sid) or a follow-up request multiplexing zero or more stanzas as
// children, keyed to an existing Sid.
type bodyRequest struct {
	XMLName xml.Name
	Rid     uint64 `xml:"rid,attr"`
	Sid     string `xml:"sid,attr"`
	To      string `xml:"to,attr"`
	Wait    int    `xml:"wait,attr"`
	Type    string `xml:"type,attr"`
	Inner   []byte `xml:",innerxml"`
}

// bodyResponse is the <body/> wrapper written back on every reply. Inner
// carries zero or more already-marshaled stanzas (or, for the
// session-creation reply, the <stream:features/> listing the SASL
// mechanisms).
// Marshaled by hand (marshalBody) rather than encoding/xml, the same way
// internal/stream's marshalStanza avoids re-encoding an already-rendered
// payload.
type bodyResponse struct {
	Sid   string
	Type  string
	Inner []byte
}

func decodeBody(data []byte) (bodyRequest, error) {
	var req bodyRequest
	err := xml.Unmarshal(data, &req)
	return req, err
}

func marshalBody(resp bodyResponse) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<body xmlns="` + ns.BOSH + `"`)
	if resp.Sid != "" {
		writeAttr(&buf, "sid", resp.Sid)
	}
	if resp.Type != "" {
		writeAttr(&buf, "type", resp.Type)
	}
	buf.WriteByte('>')
	buf.Write(resp.Inner)
	buf.WriteString(`</body>`)
	return buf.Bytes()
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	xml.EscapeText(buf, []byte(value))
	buf.WriteByte('"')
}
