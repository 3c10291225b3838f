// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza defines the three top-level XMPP stanza kinds (iq,
// presence, message) and the generic container that carries an opaque,
// round-trippable payload tree.
package stanza // import "github.com/wifirst/xmppd/stanza"

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/wifirst/xmppd/jid"
)

// Kind identifies which of the three stanza types a Stanza carries.
type Kind string

// The three XMPP stanza kinds.
const (
	KindIQ       Kind = "iq"
	KindPresence Kind = "presence"
	KindMessage  Kind = "message"
)

// Stanza is a parsed top-level XMPP element. Payload holds the raw,
// unparsed child elements so that an extension which does not understand a
// payload can still pass the stanza on to later extensions (and, if
// nobody consumes it, to the router) without losing data.
type Stanza struct {
	Kind Kind
	ID   string
	To   jid.JID
	From jid.JID
	Type string
	Lang string

	Payload []byte // raw, serialized child-element XML, possibly empty
}

// IsIQ, IsPresence and IsMessage are convenience predicates used throughout
// the extension pipeline.
func (s Stanza) IsIQ() bool       { return s.Kind == KindIQ }
func (s Stanza) IsPresence() bool { return s.Kind == KindPresence }
func (s Stanza) IsMessage() bool  { return s.Kind == KindMessage }

// Clone returns a deep copy of s; Payload is copied so mutating the clone's
// payload never affects the original (extensions frequently rewrite the
// From/To of a cloned stanza before re-injecting or forwarding it).
func (s Stanza) Clone() Stanza {
	clone := s
	if s.Payload != nil {
		clone.Payload = append([]byte(nil), s.Payload...)
	}
	return clone
}

// DecodePayload unmarshals the stanza's raw payload into v.
func (s Stanza) DecodePayload(v any) error {
	if len(s.Payload) == 0 {
		return io.EOF
	}
	return xml.Unmarshal(s.Payload, v)
}

// EncodeElement serializes el and sets it as the stanza's payload,
// replacing whatever was there before.
func (s *Stanza) EncodeElement(el any) error {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(el); err != nil {
		return err
	}
	s.Payload = buf.Bytes()
	return nil
}

// rawElement captures a payload element's name, attributes and raw inner
// XML, so that PayloadName can inspect an unknown payload without a
// concrete Go type for it.
type rawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// PayloadName returns the XML name of the stanza's first payload child, or
// the zero xml.Name if the payload is empty or malformed.
func (s Stanza) PayloadName() xml.Name {
	if len(s.Payload) == 0 {
		return xml.Name{}
	}
	var raw rawElement
	if err := xml.Unmarshal(s.Payload, &raw); err != nil {
		return xml.Name{}
	}
	return raw.XMLName
}

// MarshalFragment serializes children (each a distinct top-level element,
// e.g. a message's <body/> and <subject/>) and concatenates them into a
// single Payload value.
func MarshalFragment(children ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for _, c := range children {
		if err := enc.Encode(c); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFragment decodes a Payload value that may hold more than one
// sibling top-level element (which xml.Unmarshal alone cannot parse, since
// it expects a single root) by wrapping it in a synthetic root first.
func UnmarshalFragment(payload []byte, v any) error {
	if len(payload) == 0 {
		return io.EOF
	}
	wrapped := make([]byte, 0, len(payload)+18)
	wrapped = append(wrapped, "<_wrap_>"...)
	wrapped = append(wrapped, payload...)
	wrapped = append(wrapped, "</_wrap_>"...)
	return xml.Unmarshal(wrapped, v)
}
