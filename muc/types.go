// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc

import (
	"encoding/xml"
	"errors"

	"github.com/wifirst/xmppd/jid"
)

// Affiliation is a user's long-lived relationship to a room, persisted
// independent of occupancy (spec.md §4.5). Ordering matters: comparisons
// like "requester affiliation >= Admin" rely on the numeric progression
// below, which is why AffiliationOutcast sits below the zero value rather
// than at it — an unaffiliated user (no stored row) must compare as None,
// not Outcast.
type Affiliation int

// Room affiliations, ordered Outcast < None < Member < Admin < Owner.
const (
	AffiliationOutcast Affiliation = iota - 1
	AffiliationNone
	AffiliationMember
	AffiliationAdmin
	AffiliationOwner
)

// String renders the wire value of the affiliation.
func (a Affiliation) String() string {
	switch a {
	case AffiliationOutcast:
		return "outcast"
	case AffiliationMember:
		return "member"
	case AffiliationAdmin:
		return "admin"
	case AffiliationOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseAffiliation parses the wire value of an affiliation attribute.
func ParseAffiliation(s string) (Affiliation, error) {
	switch s {
	case "outcast":
		return AffiliationOutcast, nil
	case "none", "":
		return AffiliationNone, nil
	case "member":
		return AffiliationMember, nil
	case "admin":
		return AffiliationAdmin, nil
	case "owner":
		return AffiliationOwner, nil
	}
	return AffiliationNone, errors.New("muc: unrecognized affiliation")
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (a Affiliation) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: a.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (a *Affiliation) UnmarshalXMLAttr(attr xml.Attr) error {
	v, err := ParseAffiliation(attr.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Role is an occupant's standing within a room for the duration of a
// single visit (spec.md §4.5). Zero value is RoleNone.
type Role int

// Occupant roles, ordered None < Visitor < Participant < Moderator.
const (
	RoleNone Role = iota
	RoleVisitor
	RoleParticipant
	RoleModerator
)

// String renders the wire value of the role.
func (r Role) String() string {
	switch r {
	case RoleVisitor:
		return "visitor"
	case RoleParticipant:
		return "participant"
	case RoleModerator:
		return "moderator"
	default:
		return "none"
	}
}

// ParseRole parses the wire value of a role attribute.
func ParseRole(s string) (Role, error) {
	switch s {
	case "none", "":
		return RoleNone, nil
	case "visitor":
		return RoleVisitor, nil
	case "participant":
		return RoleParticipant, nil
	case "moderator":
		return RoleModerator, nil
	}
	return RoleNone, errors.New("muc: unrecognized role")
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (r Role) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: r.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (r *Role) UnmarshalXMLAttr(attr xml.Attr) error {
	v, err := ParseRole(attr.Value)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Occupant is a single room visit: a real (session) JID bound to a
// nickname for the lifetime of the visit, carrying the role granted at
// join time and a snapshot of the affiliation that produced it.
type Occupant struct {
	ID          int
	RealJID     jid.JID
	Nick        string
	Role        Role
	Affiliation Affiliation
}

// item is the muc#user <item/> child describing an occupant.
type item struct {
	XMLName     xml.Name    `xml:"http://jabber.org/protocol/muc#user item"`
	Affiliation Affiliation `xml:"affiliation,attr"`
	Role        Role        `xml:"role,attr"`
	JID         jid.JID     `xml:"jid,attr,omitempty"`
	Nick        string      `xml:"nick,attr,omitempty"`
	Reason      string      `xml:"reason,omitempty"`
}

type statusCode struct {
	Code int `xml:"code,attr"`
}

// userX is the muc#user <x/> element carried on occupant presences.
type userX struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/muc#user x"`
	Item    item         `xml:"item"`
	Status  []statusCode `xml:"status,omitempty"`
}

func occupantItem(o Occupant, withJID bool) item {
	it := item{Affiliation: o.Affiliation, Role: o.Role, Nick: o.Nick}
	if withJID {
		it.JID = o.RealJID
	}
	return it
}

type bodyElement struct {
	XMLName xml.Name `xml:"jabber:client body"`
	Text    string   `xml:",chardata"`
}

type subjectElement struct {
	XMLName xml.Name `xml:"jabber:client subject"`
	Text    string   `xml:",chardata"`
}

// messageChildren decodes the children of an incoming groupchat message.
type messageChildren struct {
	Body    *string `xml:"jabber:client body"`
	Subject *string `xml:"jabber:client subject"`
}

// adminItem is a single {jid, affiliation?, nick?, role?, reason?} entry in
// a muc#admin get/set payload.
type adminItem struct {
	XMLName     xml.Name     `xml:"http://jabber.org/protocol/muc#admin item"`
	JID         jid.JID      `xml:"jid,attr,omitempty"`
	Nick        string       `xml:"nick,attr,omitempty"`
	Affiliation *Affiliation `xml:"affiliation,attr,omitempty"`
	Role        *Role        `xml:"role,attr,omitempty"`
	Reason      string       `xml:"reason,omitempty"`
}

type adminQuery struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/muc#admin query"`
	Item    []adminItem `xml:"item"`
}
