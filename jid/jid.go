// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format (historically "Jabber ID").
//
// Unlike a general-purpose XMPP client library, the server does not
// Unicode-normalize or case-fold JIDs: comparisons here are byte-for-byte,
// matching the behavior of the original implementation this server was
// modeled on.
package jid // import "github.com/wifirst/xmppd/jid"

import (
	"encoding/xml"
	"errors"
	"strings"
)

// JID is a (user, domain, resource) triplet. The zero value is not a valid
// JID: Domain must never be empty.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// ErrEmptyDomain is returned when parsing a JID string whose domainpart is
// empty.
var ErrEmptyDomain = errors.New("jid: domainpart must not be empty")

// Parse splits s into a JID. Only the domainpart is required to be
// non-empty; user and resource parts may legitimately be empty.
func Parse(s string) (JID, error) {
	var j JID
	rest := s
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		j.Resource = rest[slash+1:]
		rest = rest[:slash]
	}
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		j.Local = rest[:at]
		rest = rest[at+1:]
	}
	j.Domain = rest
	if j.Domain == "" {
		return JID{}, ErrEmptyDomain
	}
	return j, nil
}

// MustParse is like Parse but panics on error. Intended for use with
// string literals in tests and static configuration.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// New builds a JID directly from its parts, bypassing parsing.
func New(local, domain, resource string) JID {
	return JID{Local: local, Domain: domain, Resource: resource}
}

// Bare returns the JID with its resourcepart removed.
func (j JID) Bare() JID {
	j.Resource = ""
	return j
}

// IsBare reports whether j has no resourcepart.
func (j JID) IsBare() bool {
	return j.Resource == ""
}

// IsZero reports whether j is the zero value (no domain set).
func (j JID) IsZero() bool {
	return j.Domain == "" && j.Local == "" && j.Resource == ""
}

// Equal reports whether j and other address the same entity. Comparison is
// case-sensitive and performs no Unicode normalization.
func (j JID) Equal(other JID) bool {
	return j.Local == other.Local && j.Domain == other.Domain && j.Resource == other.Resource
}

// String returns the canonical string form user@domain/resource, omitting
// parts that are empty.
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
