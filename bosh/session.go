// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"sync"
	"time"

	"github.com/wifirst/xmppd/server"
)

// authState tracks a boshSession through the same authenticate/bind
// lifecycle internal/stream's negotiate drives over a raw connection,
// just paced by individual HTTP requests instead of stream restarts.
type authState int

const (
	stateNeedAuth authState = iota
	stateNeedBind
	stateLive
	stateDone
)

// boshSession is one BOSH connection manager session: a sid binds a
// sequence of HTTP requests (XEP-0124 §3) to a single underlying
// server.Session once resource binding completes.
type boshSession struct {
	mu sync.Mutex

	sid      string
	rid      uint64 // last accepted rid
	state    authState
	domain   string
	local    string // authenticated username, set once stateNeedBind
	sess     *server.Session
	lastSeen time.Time
}

// checkRidLocked enforces the "basic ordered-arrival check" this
// transport narrows BOSH's rid window management down to: each
// request's rid must be exactly the previous one plus one. No replay
// buffering, no out-of-order redelivery (spec.md §1 Non-goals). Caller
// must hold bs.mu.
func (bs *boshSession) checkRidLocked(rid uint64) bool {
	if rid != bs.rid+1 {
		return false
	}
	bs.rid = rid
	return true
}
