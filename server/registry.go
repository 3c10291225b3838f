// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"sort"
	"sync"

	"github.com/wifirst/xmppd/jid"
)

// Registry maps a bare JID to its set of bound resources (spec.md §3
// Session / §4.2 routing). It is exclusively owned by the Server; the
// Router is the only other reader.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]*Session // bare -> resource -> Session
	connected  []func(full jid.JID)
	disconnected []func(full jid.JID)
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]*Session)}
}

// OnConnected registers a callback fired when a Session transitions to
// StateLive (spec.md §3: "On live entry the Server emits
// clientConnected(full_jid)"). Multiple callbacks may be registered; the
// Server registers one that logs the connection.
func (r *Registry) OnConnected(f func(full jid.JID)) { r.connected = append(r.connected, f) }

// OnDisconnected registers a callback fired when a Session is removed
// from the registry (spec.md §3: "on gone exit clientDisconnected(full_jid)").
func (r *Registry) OnDisconnected(f func(full jid.JID)) {
	r.disconnected = append(r.disconnected, f)
}

// Bind adds sess to the registry under its own JID and marks it live,
// firing OnConnected.
func (r *Registry) Bind(sess *Session) {
	full := sess.JID()
	bare := full.Bare().String()

	r.mu.Lock()
	byResource, ok := r.sessions[bare]
	if !ok {
		byResource = make(map[string]*Session)
		r.sessions[bare] = byResource
	}
	byResource[full.Resource] = sess
	r.mu.Unlock()

	sess.SetState(StateLive)
	sess.OnClose(func(full jid.JID) { r.remove(full) })
	for _, f := range r.connected {
		f(full)
	}
}

func (r *Registry) remove(full jid.JID) {
	bare := full.Bare().String()
	r.mu.Lock()
	if byResource, ok := r.sessions[bare]; ok {
		delete(byResource, full.Resource)
		if len(byResource) == 0 {
			delete(r.sessions, bare)
		}
	}
	r.mu.Unlock()

	for _, f := range r.disconnected {
		f(full)
	}
}

// Session returns the live Session for a full JID, if any.
func (r *Registry) Session(full jid.JID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byResource, ok := r.sessions[full.Bare().String()]
	if !ok {
		return nil, false
	}
	s, ok := byResource[full.Resource]
	return s, ok
}

// Resources returns every live Session for a bare JID.
func (r *Registry) Resources(bare jid.JID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byResource, ok := r.sessions[bare.Bare().String()]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(byResource))
	for _, s := range byResource {
		out = append(out, s)
	}
	return out
}

// HasLive reports whether any resource of bare is currently live.
func (r *Registry) HasLive(bare jid.JID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byResource, ok := r.sessions[bare.Bare().String()]
	return ok && len(byResource) > 0
}

// BestResource selects the resource to deliver a bare-addressed stanza to:
// the highest-priority resource according to priority (all resources
// rank equal when priority is nil), tie-broken by most recent activity:
// the latest Touch or, for a Session never touched, its creation time.
// The order in which resources were bound is not consulted.
func (r *Registry) BestResource(bare jid.JID, priority func(full jid.JID) int) (*Session, bool) {
	sessions := r.Resources(bare)
	if len(sessions) == 0 {
		return nil, false
	}
	sort.Slice(sessions, func(i, j int) bool {
		pi, pj := 0, 0
		if priority != nil {
			pi = priority(sessions[i].JID())
			pj = priority(sessions[j].JID())
		}
		if pi != pj {
			return pi > pj
		}
		return sessions[i].LastActivity().After(sessions[j].LastActivity())
	})
	return sessions[0], true
}

// All returns every live Session in the registry, used by the HTTP admin
// /clients/ surface.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, byResource := range r.sessions {
		for _, s := range byResource {
			out = append(out, s)
		}
	}
	return out
}
