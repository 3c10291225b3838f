// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muc

import (
	"sync"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
)

// historyCap is the maximum number of groupchat messages retained per room
// (spec.md §4.5, §8: "after 25 groupchat messages the room keeps exactly
// 20, the oldest 5 evicted in arrival order").
const historyCap = 20

// Room is a single MUC room, owned exclusively by the Extension that holds
// it (spec.md §5: "MUC rooms: exclusively owned by the MUC engine; a lock
// permits atomic batch transitions").
//
// Occupants are held in a slab indexed by a stable id rather than
// referenced directly by nickname or real JID, so that removal never
// leaves a dangling reference in either lookup map (spec.md §9: "arena +
// index model").
type Room struct {
	mu sync.Mutex

	JID         jid.JID
	Name        string
	MembersOnly bool
	Persistent  bool
	Public      bool

	nextID       int
	occupants    map[int]*Occupant
	byNick       map[string]int // nick -> id
	byReal       map[string]int // real full JID string -> id
	affiliations map[string]Affiliation
	history      []stanza.Stanza
}

func newRoom(room jid.JID) *Room {
	return &Room{
		JID:          room,
		Public:       true,
		occupants:    make(map[int]*Occupant),
		byNick:       make(map[string]int),
		byReal:       make(map[string]int),
		affiliations: make(map[string]Affiliation),
	}
}

// AffiliationOf returns bare's stored affiliation, AffiliationNone if there
// is no row.
func (r *Room) AffiliationOf(bare jid.JID) Affiliation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.affiliations[bare.String()]
}

func (r *Room) setAffiliation(bare jid.JID, aff Affiliation) {
	if aff == AffiliationNone {
		delete(r.affiliations, bare.String())
		return
	}
	r.affiliations[bare.String()] = aff
}

// affiliationsSnapshot returns a copy of the room's full affiliation map,
// used when persisting a persistent room.
func (r *Room) affiliationsSnapshot() map[string]Affiliation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Affiliation, len(r.affiliations))
	for bare, aff := range r.affiliations {
		out[bare] = aff
	}
	return out
}

// AffiliatedAt returns every bare JID with exactly aff.
func (r *Room) AffiliatedAt(aff Affiliation) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for bare, a := range r.affiliations {
		if a == aff {
			out = append(out, bare)
		}
	}
	return out
}

// joinRejected is returned by Join when the newcomer may not enter.
type joinRejected struct {
	Condition string // "forbidden", "registration-required", or "conflict"
}

// Join admits real under nick, or reports why it was rejected. On success
// it returns the new occupant's id, the existing occupants (pre-join
// snapshot, for replay to the newcomer), and the current history.
func (r *Room) Join(real jid.JID, nick string) (id int, existing []Occupant, history []stanza.Stanza, rej *joinRejected) {
	r.mu.Lock()
	defer r.mu.Unlock()

	aff := r.affiliations[real.Bare().String()]
	if aff == AffiliationOutcast {
		return 0, nil, nil, &joinRejected{Condition: "forbidden"}
	}
	if r.MembersOnly && aff < AffiliationMember {
		return 0, nil, nil, &joinRejected{Condition: "registration-required"}
	}

	if existingID, taken := r.byNick[nick]; taken {
		occ := r.occupants[existingID]
		if !occ.RealJID.Equal(real) {
			return 0, nil, nil, &joinRejected{Condition: "conflict"}
		}
		// Same resource rejoining under the same nick: refresh in place,
		// no new arrival to announce to others.
		return occ.ID, r.snapshotExcept(occ.ID), append([]stanza.Stanza(nil), r.history...), nil
	}

	role := RoleParticipant
	if aff >= AffiliationAdmin {
		role = RoleModerator
	}

	existing = r.snapshotExcept(0)
	r.nextID++
	occ := &Occupant{ID: r.nextID, RealJID: real, Nick: nick, Role: role, Affiliation: aff}
	r.occupants[occ.ID] = occ
	r.byNick[nick] = occ.ID
	r.byReal[real.String()] = occ.ID

	return occ.ID, existing, append([]stanza.Stanza(nil), r.history...), nil
}

// snapshotExcept returns every occupant other than except (0 excludes
// none). Caller must hold r.mu.
func (r *Room) snapshotExcept(except int) []Occupant {
	var out []Occupant
	for id, occ := range r.occupants {
		if id == except {
			continue
		}
		out = append(out, *occ)
	}
	return out
}

// All returns a snapshot of every current occupant.
func (r *Room) All() []Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotExcept(0)
}

// Occupant returns a snapshot of the occupant with id, if still present.
func (r *Room) Occupant(id int) (Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occupants[id]
	if !ok {
		return Occupant{}, false
	}
	return *occ, true
}

// OccupantByReal finds the occupant whose real JID is real.
func (r *Room) OccupantByReal(real jid.JID) (Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byReal[real.String()]
	if !ok {
		return Occupant{}, false
	}
	return *r.occupants[id], true
}

// OccupantByNick finds the occupant currently holding nick.
func (r *Room) OccupantByNick(nick string) (Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byNick[nick]
	if !ok {
		return Occupant{}, false
	}
	return *r.occupants[id], true
}

// Leave removes the occupant with id from the room. It reports the
// remaining occupant count, used by the caller to decide whether a
// non-persistent room should be destroyed.
func (r *Room) Leave(id int) (remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
	return len(r.occupants)
}

func (r *Room) removeLocked(id int) {
	occ, ok := r.occupants[id]
	if !ok {
		return
	}
	delete(r.occupants, id)
	delete(r.byNick, occ.Nick)
	delete(r.byReal, occ.RealJID.String())
}

// Empty reports whether the room currently has zero occupants.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occupants) == 0
}

// AppendHistory records msg, evicting the oldest entry once historyCap is
// exceeded.
func (r *Room) AppendHistory(msg stanza.Stanza) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, msg)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
}

// History returns a snapshot of the room's retained history.
func (r *Room) History() []stanza.Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stanza.Stanza(nil), r.history...)
}

type affChange struct {
	bare jid.JID
	aff  Affiliation
}

// ApplyAdmin validates and, if the whole batch passes, applies a muc#admin
// set batch atomically (spec.md §4.5). On rejection rejected names the
// stanza error condition and no change is made. kicked holds the
// occupants removed by a Role=None item.
func (r *Room) ApplyAdmin(requesterReal jid.JID, items []adminItem) (kicked []Occupant, rejected string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requesterAff := r.affiliations[requesterReal.Bare().String()]
	requesterOccID, hasRequesterOcc := r.byReal[requesterReal.String()]

	var affChanges []affChange
	roleChanges := make(map[int]Role)

	for _, it := range items {
		if it.Affiliation != nil {
			if it.JID.Resource != "" {
				return nil, "bad-request"
			}
			bare := it.JID.Bare()
			cur := r.affiliations[bare.String()]
			target := *it.Affiliation
			if requesterAff != AffiliationOwner {
				if target == AffiliationAdmin || target == AffiliationOwner {
					return nil, "not-allowed"
				}
				if cur == AffiliationAdmin || cur == AffiliationOwner {
					return nil, "not-allowed"
				}
			}
			affChanges = append(affChanges, affChange{bare: bare, aff: target})
		}
		if it.Role != nil {
			targetID, ok := r.byNick[it.Nick]
			if !ok {
				return nil, "item-not-found"
			}
			if hasRequesterOcc && targetID == requesterOccID {
				return nil, "not-allowed"
			}
			roleChanges[targetID] = *it.Role
		}
	}

	resultAff := make(map[string]Affiliation, len(r.affiliations))
	for bare, aff := range r.affiliations {
		resultAff[bare] = aff
	}
	for _, c := range affChanges {
		if c.aff == AffiliationNone {
			delete(resultAff, c.bare.String())
		} else {
			resultAff[c.bare.String()] = c.aff
		}
	}
	ownerCount := 0
	for _, aff := range resultAff {
		if aff == AffiliationOwner {
			ownerCount++
		}
	}
	if ownerCount == 0 {
		return nil, "not-allowed"
	}

	for _, c := range affChanges {
		r.setAffiliation(c.bare, c.aff)
	}
	for id, role := range roleChanges {
		occ, ok := r.occupants[id]
		if !ok {
			continue
		}
		if role == RoleNone {
			kicked = append(kicked, *occ)
			r.removeLocked(id)
			continue
		}
		occ.Role = role
	}
	return kicked, ""
}
