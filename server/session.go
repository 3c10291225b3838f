// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"sync"
	"time"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
)

// State is a Session's position in its connect/authenticate/bind
// lifecycle (spec.md §3).
type State int

// Session lifecycle states.
const (
	StateAuthenticating State = iota
	StateBound
	StateLive
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateGone:
		return "gone"
	}
	return "unknown"
}

// outboxHighWaterMark is the number of queued stanzas at which a Session's
// outbox is considered overflowing and the Session is closed (spec.md
// §4.2: "the outbox is non-blocking with a high-water mark that closes
// the Session on overflow").
const outboxHighWaterMark = 256

// Session is owned by the network acceptor and referenced by the Server's
// registry. It is exclusively responsible for its own outbox; only the
// Router enqueues onto it (spec.md §5).
type Session struct {
	mu sync.Mutex

	jid          jid.JID
	remoteAddr   string
	state        State
	lastActivity time.Time

	outbox  chan stanza.Stanza
	closed  bool
	onClose func(full jid.JID)
}

// NewSession constructs a Session bound to full (the authenticated full
// JID) with an outbox of the default high-water mark.
func NewSession(full jid.JID, remoteAddr string) *Session {
	return &Session{
		jid:          full,
		remoteAddr:   remoteAddr,
		state:        StateAuthenticating,
		lastActivity: time.Now(),
		outbox:       make(chan stanza.Stanza, outboxHighWaterMark),
	}
}

// JID returns the Session's authenticated full JID.
func (s *Session) JID() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jid
}

// RemoteAddr returns the peer address recorded at connect time, used by
// the HTTP admin surface's /clients/ listing.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the Session to state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Touch records activity for idle-timeout bookkeeping.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the timestamp of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Enqueue places st on the Session's outbox. It never blocks: if the
// outbox is full the Session is closed and Enqueue reports false.
func (s *Session) Enqueue(st stanza.Stanza) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.outbox <- st:
		return true
	default:
		s.Close()
		return false
	}
}

// Outbox returns the channel the owning acceptor should drain to write
// stanzas to the wire.
func (s *Session) Outbox() <-chan stanza.Stanza {
	return s.outbox
}

// OnClose registers a callback invoked exactly once when the Session
// transitions to StateGone.
func (s *Session) OnClose(f func(full jid.JID)) {
	s.mu.Lock()
	s.onClose = f
	s.mu.Unlock()
}

// Close transitions the Session to closing/gone and fires its onClose
// callback. Calling it multiple times has no additional effect.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateGone
	full := s.jid
	cb := s.onClose
	s.mu.Unlock()

	close(s.outbox)
	if cb != nil {
		cb(full)
	}
}
