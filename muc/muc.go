// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package muc implements multi-user chat (spec.md §4.5): room join/leave,
// groupchat messaging, admin/owner IQs, and room-and-service discovery.
//
// Occupants are kept in a per-room slab indexed by a stable id rather than
// referenced by pointer, so that a removal can never leave a dangling
// reference in either the nickname or real-JID lookup map (spec.md §9:
// "arena + index model").
package muc // import "github.com/wifirst/xmppd/muc"

import (
	"context"
	"encoding/xml"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
	"go.uber.org/zap"
)

// maxBodyBytes is the groupchat message body length above which the
// server truncates and appends a marker (spec.md §4.5, §8).
const maxBodyBytes = 1024

const truncateMarker = " [truncated]"

// warnBodyBytes is the length above which a groupchat message body is
// logged at warn level (spec.md §4.5).
const warnBodyBytes = 256

// Extension is the MUC engine.
type Extension struct {
	domain       string // the MUC service's own domain, e.g. "conference.example.com"
	store        storage.Store
	ctx          *server.Context
	d            server.Dispatcher
	serverAdmins map[string]bool

	mu    sync.Mutex
	rooms map[string]*Room
}

// New returns a MUC Extension serving domain (the conference subdomain).
// serverAdmins lists bare JIDs allowed to toggle persistent/public room
// configuration (spec.md §4.5 owner IQ: "persistent/public only for server
// admins").
func New(domain string, store storage.Store, serverAdmins []string) *Extension {
	admins := make(map[string]bool, len(serverAdmins))
	for _, a := range serverAdmins {
		admins[a] = true
	}
	return &Extension{domain: domain, store: store, rooms: make(map[string]*Room), serverAdmins: admins}
}

func (e *Extension) Name() string                     { return "muc" }
func (e *Extension) Priority() int                     { return 20 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) Stop() error                        { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return nil }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(ctx *server.Context, d server.Dispatcher) error {
	e.ctx = ctx
	e.d = d
	e.loadPersistentRooms()
	return nil
}

// HandleStanza implements server.Extension.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.To.Domain != e.domain {
		return server.Pass
	}

	if s.To.Local == "" {
		return e.handleService(s)
	}

	switch s.Kind {
	case stanza.KindPresence:
		e.handlePresence(s)
		return server.Consumed
	case stanza.KindMessage:
		if stanza.MessageType(s.Type) == stanza.GroupChatMessage {
			e.handleGroupchat(s)
			return server.Consumed
		}
	case stanza.KindIQ:
		return e.handleRoomIQ(s)
	}
	return server.Pass
}

func (e *Extension) getRoom(roomJID jid.JID) (*Room, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rooms[roomJID.String()]
	return r, ok
}

func (e *Extension) getOrCreateRoom(roomJID jid.JID, creator jid.JID) (room *Room, created bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rooms[roomJID.String()]; ok {
		return r, false
	}
	r := newRoom(roomJID)
	r.setAffiliation(creator.Bare(), AffiliationOwner)
	e.rooms[roomJID.String()] = r
	return r, true
}

func (e *Extension) destroyIfEmpty(room *Room) {
	if room.Persistent || !room.Empty() {
		return
	}
	e.mu.Lock()
	delete(e.rooms, room.JID.String())
	e.mu.Unlock()
}

func (e *Extension) handlePresence(s stanza.Stanza) {
	roomJID := s.To.Bare()
	nick := s.To.Resource

	switch stanza.PresenceType(s.Type) {
	case stanza.AvailablePresence:
		e.handleJoin(s, roomJID, nick)
	case stanza.UnavailablePresence:
		e.handleLeave(s, roomJID)
	}
}

func (e *Extension) handleJoin(s stanza.Stanza, roomJID jid.JID, nick string) {
	if nick == "" {
		e.deliverPresenceError(s, roomJID, stanza.NewError(stanza.Modify, stanza.BadRequest))
		return
	}
	room, created := e.getOrCreateRoom(roomJID, s.From)
	id, existing, history, rej := room.Join(s.From, nick)
	if rej != nil {
		var cond stanza.Condition
		switch rej.Condition {
		case "registration-required":
			cond = stanza.RegistrationRequired
		case "conflict":
			cond = stanza.Conflict
		default:
			cond = stanza.Forbidden
		}
		e.deliverPresenceError(s, roomJID, stanza.NewError(stanza.Cancel, cond))
		e.destroyIfEmpty(room)
		return
	}

	newcomer, _ := room.Occupant(id)
	newcomerAddr := jid.New(roomJID.Local, roomJID.Domain, nick)

	for _, occ := range existing {
		e.d.Deliver(e.occupantPresence(newcomerAddrFor(roomJID, occ.Nick), s.From, occ, nil))
	}
	for _, h := range history {
		out := h.Clone()
		out.To = s.From
		e.d.Deliver(out)
	}

	for _, occ := range room.All() {
		var codes []int
		var to jid.JID
		if occ.ID == id {
			codes = append(codes, 110)
			if created {
				codes = append(codes, 201)
			}
			to = s.From
		} else {
			to = occ.RealJID
		}
		e.d.Deliver(e.occupantPresence(newcomerAddr, to, newcomer, codes))
	}

	e.persistRoom(room)
}

func newcomerAddrFor(roomJID jid.JID, nick string) jid.JID {
	return jid.New(roomJID.Local, roomJID.Domain, nick)
}

// occupantPresence builds an available-presence broadcast for occ: every
// recipient sees the real JID in the muc#user item, since every room this
// engine serves is semianonymous-but-not-anonymous to its own occupants
// (spec.md §4.5: rooms "always" advertise muc_semianonymous; full opacity
// to non-moderators is a room-config axis this server does not expose).
func (e *Extension) occupantPresence(from, to jid.JID, occ Occupant, codes []int) stanza.Stanza {
	return e.occupantPresenceTyped(from, to, occ, codes, stanza.AvailablePresence)
}

func (e *Extension) occupantPresenceTyped(from, to jid.JID, occ Occupant, codes []int, typ stanza.PresenceType) stanza.Stanza {
	p := stanza.Stanza{Kind: stanza.KindPresence, From: from, To: to, Type: string(typ)}
	x := userX{Item: occupantItem(occ, true)}
	for _, c := range codes {
		x.Status = append(x.Status, statusCode{Code: c})
	}
	_ = p.EncodeElement(x)
	return p
}

func (e *Extension) deliverPresenceError(s stanza.Stanza, roomJID jid.JID, errEl stanza.Error) {
	reply := stanza.Stanza{Kind: stanza.KindPresence, From: s.To, To: s.From, Type: string(stanza.ErrorPresence)}
	_ = reply.EncodeElement(errEl)
	e.d.Deliver(reply)
}

func (e *Extension) handleLeave(s stanza.Stanza, roomJID jid.JID) {
	room, ok := e.getRoom(roomJID)
	if !ok {
		return
	}
	occ, ok := room.OccupantByReal(s.From)
	if !ok {
		return
	}
	remaining := room.Leave(occ.ID)
	addr := newcomerAddrFor(roomJID, occ.Nick)
	for _, other := range room.All() {
		e.d.Deliver(e.occupantPresenceTyped(addr, other.RealJID, occ, nil, stanza.UnavailablePresence))
	}
	e.d.Deliver(e.occupantPresenceTyped(addr, s.From, occ, []int{110}, stanza.UnavailablePresence))
	_ = remaining
	e.destroyIfEmpty(room)
}

func (e *Extension) handleGroupchat(s stanza.Stanza) {
	roomJID := s.To.Bare()
	room, ok := e.getRoom(roomJID)
	if !ok {
		e.deliverMessageError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}
	occ, ok := room.OccupantByReal(s.From)
	if !ok {
		e.deliverMessageError(s, stanza.NewError(stanza.Cancel, stanza.Forbidden))
		return
	}

	var children messageChildren
	_ = stanza.UnmarshalFragment(s.Payload, &children)

	if children.Subject != nil {
		if occ.Role != RoleModerator {
			e.deliverMessageError(s, stanza.NewError(stanza.Auth, stanza.Forbidden))
			return
		}
		e.broadcastFrom(room, occ, subjectElement{Text: *children.Subject})
		return
	}

	if occ.Role < RoleParticipant {
		e.deliverMessageError(s, stanza.NewError(stanza.Auth, stanza.Forbidden))
		return
	}
	if children.Body == nil {
		return
	}

	body := *children.Body
	if len(body) > warnBodyBytes && e.ctx != nil {
		e.ctx.Logger.Warn("large groupchat message", zap.String("room", roomJID.String()), zap.Int("bytes", len(body)))
	}
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes] + truncateMarker
	}

	out := e.broadcastFrom(room, occ, bodyElement{Text: body})
	room.AppendHistory(out)
}

// broadcastFrom rewrites s's sender to its room-nickname address, stamps
// the payload, appends to history eligibility, and broadcasts to every
// occupant. It returns the canonical stanza recorded for history/archive
// purposes (addressed to the room, not any specific occupant).
func (e *Extension) broadcastFrom(room *Room, occ Occupant, payload any) stanza.Stanza {
	from := newcomerAddrFor(room.JID, occ.Nick)
	canonical := stanza.Stanza{Kind: stanza.KindMessage, From: from, To: room.JID, Type: string(stanza.GroupChatMessage)}
	_ = canonical.EncodeElement(payload)

	for _, other := range room.All() {
		out := canonical.Clone()
		out.To = other.RealJID
		e.d.Deliver(out)
	}
	return canonical
}

func (e *Extension) deliverMessageError(s stanza.Stanza, errEl stanza.Error) {
	reply := stanza.Stanza{Kind: stanza.KindMessage, From: s.To, To: s.From, ID: s.ID, Type: string(stanza.ErrorMessage)}
	_ = reply.EncodeElement(errEl)
	e.d.Deliver(reply)
}

func (e *Extension) handleRoomIQ(s stanza.Stanza) server.Verdict {
	name := s.PayloadName()
	roomJID := s.To.Bare()

	switch name.Space {
	case ns.DiscoInfo:
		if name.Local == "query" && stanza.IQType(s.Type) == stanza.GetIQ {
			e.replyRoomInfo(s, roomJID)
			return server.Consumed
		}
	case ns.DiscoItems:
		if name.Local == "query" && stanza.IQType(s.Type) == stanza.GetIQ {
			e.replyRoomItems(s, roomJID)
			return server.Consumed
		}
	case ns.MUCAdmin:
		e.handleAdminIQ(s, roomJID)
		return server.Consumed
	case ns.MUCOwner:
		e.handleOwnerIQ(s, roomJID)
		return server.Consumed
	}
	return server.Pass
}

func (e *Extension) replyRoomInfo(s stanza.Stanza, roomJID jid.JID) {
	room, ok := e.getRoom(roomJID)
	if !ok {
		e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}
	features := []string{"http://jabber.org/protocol/muc", "muc_semianonymous"}
	if !room.Public {
		features = append(features, "muc_hidden")
	}
	if !room.Persistent {
		features = append(features, "muc_temporary")
	}
	type feature struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info feature"`
		Var     string   `xml:"var,attr"`
	}
	type identity struct {
		XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info identity"`
		Category string   `xml:"category,attr"`
		Type     string   `xml:"type,attr"`
		Name     string   `xml:"name,attr,omitempty"`
	}
	payload := struct {
		XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
		Identity identity
		Feature  []feature
	}{Identity: identity{Category: "conference", Type: "text", Name: room.Name}}
	for _, f := range features {
		payload.Feature = append(payload.Feature, feature{Var: f})
	}
	reply := s.Reply()
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

func (e *Extension) replyRoomItems(s stanza.Stanza, roomJID jid.JID) {
	room, ok := e.getRoom(roomJID)
	if !ok {
		e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}
	type mucItem struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items item"`
		JID     jid.JID  `xml:"jid,attr"`
		Name    string   `xml:"name,attr,omitempty"`
	}
	payload := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
		Item    []mucItem
	}{}
	for _, occ := range room.All() {
		payload.Item = append(payload.Item, mucItem{JID: newcomerAddrFor(roomJID, occ.Nick), Name: occ.Nick})
	}
	reply := s.Reply()
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

func (e *Extension) handleService(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindIQ || stanza.IQType(s.Type) != stanza.GetIQ {
		return server.Pass
	}
	name := s.PayloadName()
	switch name.Space {
	case ns.DiscoInfo:
		reply := s.Reply()
		payload := struct {
			XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
			Identity struct {
				XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info identity"`
				Category string   `xml:"category,attr"`
				Type     string   `xml:"type,attr"`
			}
			Feature struct {
				XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info feature"`
				Var     string   `xml:"var,attr"`
			}
		}{}
		payload.Identity.Category, payload.Identity.Type = "conference", "text"
		payload.Feature.Var = ns.MUC
		_ = reply.EncodeElement(payload)
		e.d.Deliver(reply)
		return server.Consumed
	case ns.DiscoItems:
		e.replyServiceItems(s)
		return server.Consumed
	}
	return server.Pass
}

// replyServiceItems lists rooms, hiding non-public rooms from requesters
// who are neither an occupant nor an affiliated member of them (spec.md
// §4.5 and §9: this implementation picks "is occupant OR affiliation ≥
// Member" as the single visibility predicate the Design Notes ask for).
func (e *Extension) replyServiceItems(s stanza.Stanza) {
	type mucItem struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items item"`
		JID     jid.JID  `xml:"jid,attr"`
		Name    string   `xml:"name,attr,omitempty"`
	}
	payload := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
		Item    []mucItem
	}{}

	e.mu.Lock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.Unlock()

	for _, r := range rooms {
		if !r.Public {
			_, isOccupant := r.OccupantByReal(s.From)
			if !isOccupant && r.AffiliationOf(s.From.Bare()) < AffiliationMember {
				continue
			}
		}
		payload.Item = append(payload.Item, mucItem{JID: r.JID, Name: r.Name})
	}
	reply := s.Reply()
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

func (e *Extension) deliverIQError(s stanza.Stanza, errEl stanza.Error) {
	e.d.Deliver(s.ErrorReply(errEl))
}

func (e *Extension) handleAdminIQ(s stanza.Stanza, roomJID jid.JID) {
	room, ok := e.getRoom(roomJID)
	if !ok {
		e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}
	if room.AffiliationOf(s.From.Bare()) < AffiliationAdmin {
		e.deliverIQError(s, stanza.NewError(stanza.Auth, stanza.Forbidden))
		return
	}

	switch stanza.IQType(s.Type) {
	case stanza.GetIQ:
		var q adminQuery
		_ = s.DecodePayload(&q)
		var filter Affiliation
		if len(q.Item) > 0 && q.Item[0].Affiliation != nil {
			filter = *q.Item[0].Affiliation
		}
		reply := s.Reply()
		out := adminQuery{}
		for _, bare := range room.AffiliatedAt(filter) {
			j, err := jid.Parse(bare)
			if err != nil {
				continue
			}
			out.Item = append(out.Item, adminItem{JID: j, Affiliation: &filter})
		}
		_ = reply.EncodeElement(out)
		e.d.Deliver(reply)
	case stanza.SetIQ:
		var q adminQuery
		if err := s.DecodePayload(&q); err != nil {
			e.deliverIQError(s, stanza.NewError(stanza.Modify, stanza.BadRequest))
			return
		}
		kicked, rejected := room.ApplyAdmin(s.From, q.Item)
		if rejected != "" {
			e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.Condition(rejected)))
			return
		}
		e.d.Deliver(s.Reply())
		for _, occ := range kicked {
			addr := newcomerAddrFor(roomJID, occ.Nick)
			x := userX{Item: item{Affiliation: occ.Affiliation, Role: RoleNone}, Status: []statusCode{{Code: 307}}}
			p := stanza.Stanza{Kind: stanza.KindPresence, From: addr, To: occ.RealJID, Type: string(stanza.UnavailablePresence)}
			_ = p.EncodeElement(x)
			e.d.Deliver(p)
			for _, other := range room.All() {
				op := p.Clone()
				op.To = other.RealJID
				e.d.Deliver(op)
			}
		}
		for _, occ := range room.All() {
			e.d.Deliver(e.occupantPresence(newcomerAddrFor(roomJID, occ.Nick), occ.RealJID, occ, nil))
		}
		e.persistRoom(room)
		e.destroyIfEmpty(room)
	}
}

func (e *Extension) handleOwnerIQ(s stanza.Stanza, roomJID jid.JID) {
	room, ok := e.getRoom(roomJID)
	if !ok {
		e.deliverIQError(s, stanza.NewError(stanza.Cancel, stanza.ItemNotFound))
		return
	}
	if room.AffiliationOf(s.From.Bare()) != AffiliationOwner {
		e.deliverIQError(s, stanza.NewError(stanza.Auth, stanza.Forbidden))
		return
	}

	switch stanza.IQType(s.Type) {
	case stanza.GetIQ:
		reply := s.Reply()
		_ = reply.EncodeElement(roomConfigForm(room, e.serverAdmins[s.From.Bare().String()]))
		e.d.Deliver(reply)
	case stanza.SetIQ:
		var submit roomConfigSubmit
		if err := s.DecodePayload(&submit); err != nil {
			e.deliverIQError(s, stanza.NewError(stanza.Modify, stanza.BadRequest))
			return
		}
		form := submit.asConfig()
		wasPersistent := room.Persistent
		room.Name = form.roomName()
		room.MembersOnly = form.membersOnly()
		if e.serverAdmins[s.From.Bare().String()] {
			room.Persistent = form.persistent()
			room.Public = form.public()
		}
		e.d.Deliver(s.Reply())
		if wasPersistent && !room.Persistent {
			e.deleteRoomStorage(room.JID)
		} else if room.Persistent {
			e.persistRoom(room)
		}
	}
}

func (e *Extension) persistRoom(room *Room) {
	if !room.Persistent || e.store == nil {
		return
	}
	ctx := context.Background()
	_ = e.store.Save(ctx, storage.TableMUCRoom, []string{"jid"}, storage.Row{
		"jid":          room.JID.String(),
		"name":         room.Name,
		"members_only": room.MembersOnly,
		"public":       room.Public,
	})
	_ = e.store.Remove(ctx, storage.TableMUCAffiliation, []storage.Predicate{{Column: "room", Op: "=", Value: room.JID.String()}})
	for bare, aff := range room.affiliationsSnapshot() {
		_ = e.store.Save(ctx, storage.TableMUCAffiliation, []string{"room", "bare"}, storage.Row{
			"room": room.JID.String(),
			"bare": bare,
			"aff":  int(aff),
		})
	}
}

func (e *Extension) deleteRoomStorage(roomJID jid.JID) {
	if e.store == nil {
		return
	}
	ctx := context.Background()
	_ = e.store.Remove(ctx, storage.TableMUCRoom, []storage.Predicate{{Column: "jid", Op: "=", Value: roomJID.String()}})
	_ = e.store.Remove(ctx, storage.TableMUCAffiliation, []storage.Predicate{{Column: "room", Op: "=", Value: roomJID.String()}})
}

func (e *Extension) loadPersistentRooms() {
	if e.store == nil {
		return
	}
	ctx := context.Background()
	cur, err := e.store.Find(ctx, storage.Query{Table: storage.TableMUCRoom})
	if err != nil {
		return
	}
	defer cur.Close()
	for cur.Next(ctx) {
		row := cur.At()
		j, err := jid.Parse(strVal(row["jid"]))
		if err != nil {
			continue
		}
		room := newRoom(j)
		room.Persistent = true
		room.Name = strVal(row["name"])
		room.MembersOnly = boolVal(row["members_only"])
		room.Public = boolVal(row["public"])
		e.loadAffiliations(room)
		e.rooms[j.String()] = room
	}
}

func (e *Extension) loadAffiliations(room *Room) {
	ctx := context.Background()
	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TableMUCAffiliation,
		Where: []storage.Predicate{{Column: "room", Op: "=", Value: room.JID.String()}},
	})
	if err != nil {
		return
	}
	defer cur.Close()
	for cur.Next(ctx) {
		row := cur.At()
		j, err := jid.Parse(strVal(row["bare"]))
		if err != nil {
			continue
		}
		room.setAffiliation(j, Affiliation(intVal(row["aff"])))
	}
}

func strVal(v any) string {
	s, _ := v.(string)
	return s
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

func intVal(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
