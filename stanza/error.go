// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"strings"

	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
)

// ErrorType is the type attribute of a stanza <error/> element.
type ErrorType string

// The five stanza error types defined by RFC 6120 §8.3.2.
const (
	Cancel   ErrorType = "cancel"
	Continue ErrorType = "continue"
	Modify   ErrorType = "modify"
	Auth     ErrorType = "auth"
	Wait     ErrorType = "wait"
)

// Condition is one of the defined-condition element names from RFC 6120
// §8.3.3.
type Condition string

// Stanza error conditions used by the server.
const (
	BadRequest           Condition = "bad-request"
	Conflict             Condition = "conflict"
	Forbidden            Condition = "forbidden"
	ItemNotFound         Condition = "item-not-found"
	NotAcceptable        Condition = "not-acceptable"
	NotAllowed           Condition = "not-allowed"
	RegistrationRequired Condition = "registration-required"
	ServiceUnavailable   Condition = "service-unavailable"
	Redirect             Condition = "redirect"
	InternalServerError  Condition = "internal-server-error"
	FeatureNotImplemented Condition = "feature-not-implemented"
	RecipientUnavailable Condition = "recipient-unavailable"
)

// Error is a marshalable/unmarshalable XMPP stanza error, attached as the
// payload of an error-type iq/presence/message.
type Error struct {
	XMLName   xml.Name
	By        jid.JID
	Type      ErrorType
	Condition Condition
	Text      string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.Text != "" {
		return e.Text
	}
	return string(e.Condition)
}

// MarshalXML satisfies xml.Marshaler.
func (e Error) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "error"}}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(e.Type)})
	if !e.By.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "by"}, Value: e.By.String()})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Space: ns.Stanza, Local: string(e.Condition)}}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}
	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Space: ns.Stanza, Local: "text"}}
		if err := enc.EncodeToken(text); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := enc.EncodeToken(text.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// UnmarshalXML satisfies xml.Unmarshaler.
func (e *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded := struct {
		Condition struct {
			XMLName xml.Name
		} `xml:",any"`
		Type ErrorType `xml:"type,attr"`
		By   jid.JID   `xml:"by,attr"`
		Text []string  `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	}{}
	if err := d.DecodeElement(&decoded, &start); err != nil {
		return err
	}
	e.Type = decoded.Type
	e.By = decoded.By
	e.Condition = Condition(strings.ToLower(decoded.Condition.XMLName.Local))
	if len(decoded.Text) > 0 {
		e.Text = decoded.Text[0]
	}
	return nil
}

// NewError is a convenience constructor for an error of the given type
// and condition with no "by" or text.
func NewError(typ ErrorType, cond Condition) Error {
	return Error{XMLName: xml.Name{Local: "error"}, Type: typ, Condition: cond}
}
