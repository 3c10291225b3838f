// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package items contains the service discovery (XEP-0030) items element,
// kept separate from disco/info for the same import-cycle reasons the
// teacher package splits them.
package items // import "github.com/wifirst/xmppd/disco/items"

import (
	"encoding/xml"

	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"mellium.im/xmlstream"
)

// Item represents a single disco#items <item/> element.
type Item struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items item"`
	JID     jid.JID  `xml:"jid,attr"`
	Name    string   `xml:"name,attr,omitempty"`
	Node    string   `xml:"node,attr,omitempty"`
}

// TokenReader implements xmlstream.Marshaler.
func (i Item) TokenReader() xml.TokenReader {
	start := xml.StartElement{
		Name: xml.Name{Space: ns.DiscoItems, Local: "item"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "jid"}, Value: i.JID.String()}},
	}
	if i.Node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: i.Node})
	}
	if i.Name != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "name"}, Value: i.Name})
	}
	return xmlstream.Wrap(nil, start)
}

// WriteXML implements xmlstream.WriterTo.
func (i Item) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, i.TokenReader())
}

// MarshalXML implements xml.Marshaler, routing encoding/xml.Encoder.Encode
// through the xmlstream.TokenReader above rather than struct tags.
func (i Item) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := i.WriteXML(e)
	return err
}
