// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package info contains service discovery (XEP-0030) feature and identity
// elements, kept in their own package (mirroring mellium.im/xmpp/disco/info)
// so that extension packages can depend on it without importing the disco
// aggregator itself.
package info // import "github.com/wifirst/xmppd/disco/info"

import (
	"encoding/xml"

	"github.com/wifirst/xmppd/internal/ns"
	"mellium.im/xmlstream"
)

// Feature represents a single disco#info <feature/> advertised by the
// server or one of its components.
type Feature struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info feature"`
	Var     string   `xml:"var,attr"`
}

// TokenReader implements xmlstream.Marshaler.
func (f Feature) TokenReader() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: ns.DiscoInfo, Local: "feature"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: f.Var}},
	})
}

// WriteXML implements xmlstream.WriterTo.
func (f Feature) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, f.TokenReader())
}

// MarshalXML implements xml.Marshaler, routing encoding/xml.Encoder.Encode
// through the xmlstream.TokenReader above rather than struct tags.
func (f Feature) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := f.WriteXML(e)
	return err
}

// Identity represents a single disco#info <identity/> element.
type Identity struct {
	XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info identity"`
	Category string   `xml:"category,attr"`
	Type     string   `xml:"type,attr"`
	Name     string   `xml:"name,attr,omitempty"`
}

// TokenReader implements xmlstream.Marshaler.
func (i Identity) TokenReader() xml.TokenReader {
	attr := []xml.Attr{
		{Name: xml.Name{Local: "category"}, Value: i.Category},
		{Name: xml.Name{Local: "type"}, Value: i.Type},
	}
	if i.Name != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "name"}, Value: i.Name})
	}
	return xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: ns.DiscoInfo, Local: "identity"},
		Attr: attr,
	})
}

// WriteXML implements xmlstream.WriterTo.
func (i Identity) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, i.TokenReader())
}

// MarshalXML implements xml.Marshaler, routing encoding/xml.Encoder.Encode
// through the xmlstream.TokenReader above rather than struct tags.
func (i Identity) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := i.WriteXML(e)
	return err
}
