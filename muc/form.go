// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc

import "encoding/xml"

// roomConfig is the muc#owner configuration form (XEP-0004 data form,
// restricted to the handful of fields spec.md §4.5 names: room name,
// members-only, and persistent/public for server admins).
type roomConfig struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/muc#owner query"`
	Fields  []configField `xml:"jabber:x:data x>field"`
}

type configField struct {
	Var   string   `xml:"var,attr"`
	Type  string   `xml:"type,attr,omitempty"`
	Value []string `xml:"value"`
}

// roomConfigSubmit decodes a muc#owner set submission. It has no XMLName
// field (unlike roomConfig, used only for encoding replies) since
// xml.Unmarshal enforces an exact name match against a populated XMLName
// and a set's payload root is only the bare "query" the decoder already
// expects via DecodePayload.
type roomConfigSubmit struct {
	Fields []configField `xml:"jabber:x:data x>field"`
}

func (c roomConfigSubmit) asConfig() roomConfig {
	return roomConfig{Fields: c.Fields}
}

func (c roomConfig) field(v string) (string, bool) {
	for _, f := range c.Fields {
		if f.Var == v && len(f.Value) > 0 {
			return f.Value[0], true
		}
	}
	return "", false
}

func (c roomConfig) roomName() string {
	v, _ := c.field("muc#roomconfig_roomname")
	return v
}

func (c roomConfig) membersOnly() bool {
	v, _ := c.field("muc#roomconfig_membersonly")
	return v == "1" || v == "true"
}

func (c roomConfig) persistent() bool {
	v, _ := c.field("muc#roomconfig_persistentroom")
	return v == "1" || v == "true"
}

func (c roomConfig) public() bool {
	v, _ := c.field("muc#roomconfig_publicroom")
	return v == "1" || v == "true"
}

func boolField(name string, v bool) configField {
	val := "0"
	if v {
		val = "1"
	}
	return configField{Var: name, Type: "boolean", Value: []string{val}}
}

// roomConfigForm builds the config form returned by a muc#owner get,
// exposing persistent/public fields only to server admins (spec.md §4.5).
func roomConfigForm(room *Room, isServerAdmin bool) roomConfig {
	form := roomConfig{Fields: []configField{
		{Var: "FORM_TYPE", Type: "hidden", Value: []string{"http://jabber.org/protocol/muc#roomconfig"}},
		{Var: "muc#roomconfig_roomname", Value: []string{room.Name}},
		boolField("muc#roomconfig_membersonly", room.MembersOnly),
	}}
	if isServerAdmin {
		form.Fields = append(form.Fields,
			boolField("muc#roomconfig_persistentroom", room.Persistent),
			boolField("muc#roomconfig_publicroom", room.Public),
		)
	}
	return form
}
