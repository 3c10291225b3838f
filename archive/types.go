// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package archive

import "encoding/xml"

// rsmSet is the incoming Result-Set-Management <set/> element (spec.md
// §4.6, grounded on mellium-xmpp's paging.RequestNext/RequestPrev field
// shape: max/after/before).
type rsmSet struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/rsm set"`
	Max     *int     `xml:"max"`
	After   string   `xml:"after"`
	Before  string   `xml:"before"`
}

// rsmReply is the outgoing <set/> element reporting first/last/index/
// count, grounded on mellium-xmpp's paging.Set.
type rsmReply struct {
	XMLName xml.Name  `xml:"http://jabber.org/protocol/rsm set"`
	First   *rsmFirst `xml:"first"`
	Last    string    `xml:"last,omitempty"`
	Count   int       `xml:"count"`
}

type rsmFirst struct {
	Index int    `xml:"index,attr"`
	Value string `xml:",chardata"`
}

// chatCollection is a single <chat/> entry in a list reply.
type chatCollection struct {
	XMLName xml.Name `xml:"chat"`
	With    string   `xml:"with,attr"`
	Start   int64    `xml:"start,attr"`
}

type listQuery struct {
	XMLName xml.Name `xml:"list"`
	Set     *rsmSet  `xml:"set"`
}

type listReply struct {
	XMLName xml.Name         `xml:"list"`
	Chat    []chatCollection `xml:"chat"`
	Set     rsmReply         `xml:"set"`
}

// archivedMessage is a single archived message entry in a retrieve reply.
type archivedMessage struct {
	XMLName xml.Name `xml:"msg"`
	ID      int64    `xml:"id,attr"`
	TS      int64    `xml:"secs,attr"`
	Body    string   `xml:",chardata"`
}

type retrieveQuery struct {
	XMLName xml.Name `xml:"retrieve"`
	With    string   `xml:"with,attr"`
	Start   int64    `xml:"start,attr"`
	Set     *rsmSet  `xml:"set"`
}

type retrieveReply struct {
	XMLName xml.Name          `xml:"chat"`
	With    string            `xml:"with,attr"`
	Start   int64             `xml:"start,attr"`
	Msg     []archivedMessage `xml:"msg"`
	Set     rsmReply          `xml:"set"`
}

type removeQuery struct {
	XMLName xml.Name `xml:"remove"`
	With    string   `xml:"with,attr"`
	Start   int64    `xml:"start,attr"`
}
