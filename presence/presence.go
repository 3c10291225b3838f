// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package presence implements the presence engine (spec.md §4.3): the
// available-presence table, directed-presence table, probe/subscriber
// fan-out, and disconnect synthesis.
//
// It runs at priority -1000 so that roster rewriting and privacy
// filtering (which run at higher priority) see a stanza before the
// presence engine records it — an unsubscribed message must never be
// recorded as a presence subscriber (spec.md §4.1).
package presence // import "github.com/wifirst/xmppd/presence"

import (
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// Priority is the pipeline priority the presence engine registers at
// (spec.md §4.1: "the presence engine declares priority −1000 so that it
// runs *last*").
const Priority = -1000

// Subscriptions lets the presence engine ask the rest of the pipeline
// "who is from subscribed to" / "who subscribes to from" without a direct
// dependency on the roster package (spec.md §4.3: "asked of every
// extension").
type Subscriptions interface {
	Subscriptions(from string) []string
	Subscribers(from string) []string
}

// OfflineDrainer is notified when a bare JID's first available resource
// appears (spec.md §4.6: "on a local user's initial available presence to
// the domain, drain the offline queue"). The archive extension is the
// only current implementer.
type OfflineDrainer interface {
	DrainOffline(bare jid.JID)
}

// Extension is the presence engine.
type Extension struct {
	domain string
	d      server.Dispatcher

	aware    []Subscriptions
	drainers []OfflineDrainer

	mu       sync.Mutex
	table    map[string]map[string]stanza.Stanza // bare -> full -> last presence
	directed map[string]map[string]bool          // full -> target -> true
}

// New returns a presence Extension for domain. Each PresenceAware
// extension (primarily the roster engine) should be appended to aware
// before Start is called.
func New(domain string, aware ...Subscriptions) *Extension {
	return &Extension{
		domain:   domain,
		aware:    aware,
		table:    make(map[string]map[string]stanza.Stanza),
		directed: make(map[string]map[string]bool),
	}
}

// AddAware registers an additional Subscriptions provider (used when the
// roster engine is constructed after the presence engine).
func (e *Extension) AddAware(s Subscriptions) { e.aware = append(e.aware, s) }

// AddDrainer registers an OfflineDrainer notified on every bare JID's
// initial available presence.
func (e *Extension) AddDrainer(d OfflineDrainer) { e.drainers = append(e.drainers, d) }

func (e *Extension) Name() string                       { return "presence" }
func (e *Extension) Priority() int                       { return Priority }
func (e *Extension) Configure(*koanf.Koanf) error         { return nil }
func (e *Extension) Stop() error                          { return nil }
func (e *Extension) DiscoveryFeatures() []string          { return nil }
func (e *Extension) DiscoveryItems() []server.DiscoItem   { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

// HandleStanza implements server.Extension.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.Kind != stanza.KindPresence {
		return server.Pass
	}

	if s.To.Domain == e.domain && s.To.Local == "" && s.To.Resource == "" {
		e.handleBroadcast(s)
		return server.Consumed
	}

	e.handleDirected(s)
	return server.Pass
}

func (e *Extension) handleBroadcast(s stanza.Stanza) {
	full := s.From.String()
	bare := s.From.Bare().String()

	switch stanza.PresenceType(s.Type) {
	case stanza.UnavailablePresence:
		e.mu.Lock()
		if byFull, ok := e.table[bare]; ok {
			delete(byFull, full)
			if len(byFull) == 0 {
				delete(e.table, bare)
			}
		}
		e.mu.Unlock()
		e.broadcastToSubscribers(s)
	default: // available
		e.mu.Lock()
		byFull, ok := e.table[bare]
		if !ok {
			byFull = make(map[string]stanza.Stanza)
			e.table[bare] = byFull
		}
		_, hadEntry := byFull[full]
		byFull[full] = s
		e.mu.Unlock()

		if !hadEntry {
			e.onInitialAvailable(s.From)
		}
		e.broadcastToSubscribers(s)
	}
}

// onInitialAvailable implements spec.md §4.3 step 1: on the first
// available presence from a full JID, either re-broadcast the last known
// presences of its subscriptions locally, or probe remote ones.
func (e *Extension) onInitialAvailable(from jid.JID) {
	for _, d := range e.drainers {
		d.DrainOffline(from.Bare())
	}
	for _, aware := range e.aware {
		for _, target := range aware.Subscriptions(from.String()) {
			targetJID, err := jid.Parse(target)
			if err != nil {
				continue
			}
			if targetJID.Domain == e.domain {
				e.sendKnownPresences(targetJID, from)
			} else {
				e.sendProbe(from, targetJID)
			}
		}
	}
}

func (e *Extension) sendKnownPresences(subject jid.JID, to jid.JID) {
	e.mu.Lock()
	byFull := e.table[subject.Bare().String()]
	var known []stanza.Stanza
	for _, p := range byFull {
		known = append(known, p)
	}
	e.mu.Unlock()

	for _, p := range known {
		out := p
		out.To = to
		e.d.Deliver(out)
	}
}

func (e *Extension) sendProbe(from jid.JID, to jid.JID) {
	e.d.Deliver(stanza.Stanza{
		Kind: stanza.KindPresence,
		From: from,
		To:   to,
		Type: string(stanza.ProbePresence),
	})
}

func (e *Extension) broadcastToSubscribers(s stanza.Stanza) {
	seen := make(map[string]bool)
	for _, aware := range e.aware {
		for _, target := range aware.Subscribers(s.From.String()) {
			if seen[target] {
				continue
			}
			seen[target] = true
			targetJID, err := jid.Parse(target)
			if err != nil {
				continue
			}
			out := s
			out.To = targetJID
			e.d.Deliver(out)
		}
	}
}

func (e *Extension) handleDirected(s stanza.Stanza) {
	if s.From.Domain != e.domain {
		return
	}
	full := s.From.String()
	target := s.To.String()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch stanza.PresenceType(s.Type) {
	case stanza.AvailablePresence:
		targets, ok := e.directed[full]
		if !ok {
			targets = make(map[string]bool)
			e.directed[full] = targets
		}
		targets[target] = true
	case stanza.UnavailablePresence, stanza.ErrorPresence:
		if targets, ok := e.directed[full]; ok {
			delete(targets, target)
			if len(targets) == 0 {
				delete(e.directed, full)
			}
		}
	}
}

// PresencePriority resolves a presence's <priority/> for the router's
// BestResource tie-breaking. The wire priority element is not modeled
// above stanza.Stanza in this design; recency is used instead, so this
// always reports 0 (see DESIGN.md: priority element parsing).
func (e *Extension) PresencePriority(jid.JID) int { return 0 }

// ClientDisconnected implements the disconnect-synthesis half of spec.md
// §4.3: called by the registry's OnDisconnected hook.
func (e *Extension) ClientDisconnected(full jid.JID) {
	bare := full.Bare().String()

	e.mu.Lock()
	byFull, hadPresence := e.table[bare]
	var hadFull bool
	if hadPresence {
		_, hadFull = byFull[full.String()]
		if hadFull {
			delete(byFull, full.String())
			if len(byFull) == 0 {
				delete(e.table, bare)
			}
		}
	}
	var directedTargets []string
	if targets, ok := e.directed[full.String()]; ok {
		for t := range targets {
			directedTargets = append(directedTargets, t)
		}
		delete(e.directed, full.String())
	}
	e.mu.Unlock()

	if hadFull {
		e.d.Dispatch(stanza.Stanza{
			Kind: stanza.KindPresence,
			From: full,
			To:   jid.New("", e.domain, ""),
			Type: string(stanza.UnavailablePresence),
		})
		return
	}
	for _, t := range directedTargets {
		targetJID, err := jid.Parse(t)
		if err != nil {
			continue
		}
		e.d.Dispatch(stanza.Stanza{
			Kind: stanza.KindPresence,
			From: full,
			To:   targetJID,
			Type: string(stanza.UnavailablePresence),
		})
	}
}

// HasAvailable reports whether any resource of bare currently has a
// recorded available presence.
func (e *Extension) HasAvailable(bare jid.JID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	byFull, ok := e.table[bare.Bare().String()]
	return ok && len(byFull) > 0
}
