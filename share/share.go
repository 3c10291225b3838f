// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package share implements the file-share coordinator (spec.md §4.10): a
// peer registry fed by presence registration, a periodic exploration
// loop that keeps each peer's (bytes, files) totals fresh, a
// server-driven catalog broadcast, and federated search fan-out with a
// deadline.
package share // import "github.com/wifirst/xmppd/share"

import (
	"encoding/xml"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/internal/attr"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// exploreTick is the exploration loop's tick period. firstExploreWait is
// how long after registration a new peer becomes due for exploration; it
// is then explored on the next tick. exploreRenewal is how long an
// explored peer waits before the next exploration, and searchDeadline
// bounds a federated search (spec.md §4.10).
const (
	exploreTick      = 60 * time.Second
	firstExploreWait = 59 * time.Second
	exploreRenewal   = 3 * time.Hour
	searchDeadline   = 10 * time.Second
)

// Peer is a registered share client (spec.md §3 "Share peer").
type Peer struct {
	Full              jid.JID
	Nickname          string
	Bytes             int64
	Files             int64
	Explored          bool
	NextExploreTime   time.Time
	PendingExploreTag string
}

// searchContext tracks one in-flight federated search fan-out (spec.md §3
// "Search context").
type searchContext struct {
	requester jid.JID
	requestID string
	pending   map[string]bool // peer full JID -> awaiting reply
	order     map[string]int  // peer full JID -> catalog rank, for stable result ordering
	results   []rankedCollection
	deadline  time.Time
	timer     *time.Timer
}

// Extension is the share coordinator, advertised as identity store/file
// at the configured share domain.
type Extension struct {
	domain         string
	allowedDomains []string
	forceProxy     bool
	redirectDomain string

	d server.Dispatcher

	mu       sync.Mutex
	peers    map[string]*Peer
	searches map[string]*searchContext
	stop     chan struct{}
}

// New returns a share Extension serving domain (e.g. "shares.example.com").
func New(domain string, allowedDomains []string, forceProxy bool, redirectDomain string) *Extension {
	return &Extension{
		domain:         domain,
		allowedDomains: allowedDomains,
		forceProxy:     forceProxy,
		redirectDomain: redirectDomain,
		peers:          make(map[string]*Peer),
		searches:       make(map[string]*searchContext),
	}
}

func (e *Extension) Name() string                     { return "share" }
func (e *Extension) Priority() int                     { return -600 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return []string{ns.Share} }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

func (e *Extension) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	e.stop = make(chan struct{})
	go e.exploreLoop()
	return nil
}

func (e *Extension) Stop() error {
	if e.stop != nil {
		close(e.stop)
	}
	return nil
}

func (e *Extension) exploreLoop() {
	ticker := time.NewTicker(exploreTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.explorePeers()
		}
	}
}

func (e *Extension) isAllowed(domain string) bool {
	if len(e.allowedDomains) == 0 {
		return true
	}
	for _, d := range e.allowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// HandleStanza implements server.Extension: presence registration at the
// share domain, and the search/browse IQ profile.
func (e *Extension) HandleStanza(s stanza.Stanza) server.Verdict {
	if s.To.Domain != e.domain || s.To.Local != "" {
		return server.Pass
	}
	switch s.Kind {
	case stanza.KindPresence:
		e.handlePresence(s)
		return server.Consumed
	case stanza.KindIQ:
		if s.PayloadName().Space != ns.Share {
			return server.Pass
		}
		switch stanza.IQType(s.Type) {
		case stanza.GetIQ:
			e.handleSearchRequest(s)
		case stanza.ResultIQ:
			e.handlePeerReply(s)
		}
		return server.Consumed
	}
	return server.Pass
}

type sharesPresence struct {
	XMLName    xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
	ForceProxy bool     `xml:"force-proxy,attr,omitempty"`
}

func (e *Extension) handlePresence(s stanza.Stanza) {
	switch stanza.PresenceType(s.Type) {
	case stanza.UnavailablePresence:
		e.mu.Lock()
		delete(e.peers, s.From.String())
		e.mu.Unlock()
		e.broadcastCatalog()
	default: // available
		if e.redirectDomain != "" {
			e.deliverPresenceError(s, stanza.NewError(stanza.Modify, stanza.Redirect))
			return
		}
		if !e.isAllowed(s.From.Domain) {
			e.deliverPresenceError(s, stanza.NewError(stanza.Auth, stanza.Forbidden))
			return
		}
		e.register(s.From)

		reply := stanza.Stanza{Kind: stanza.KindPresence, From: s.To, To: s.From, Type: string(stanza.AvailablePresence)}
		_ = reply.EncodeElement(sharesPresence{ForceProxy: e.forceProxy})
		e.d.Deliver(reply)
	}
}

func (e *Extension) deliverPresenceError(s stanza.Stanza, errEl stanza.Error) {
	reply := stanza.Stanza{Kind: stanza.KindPresence, From: s.To, To: s.From, Type: string(stanza.ErrorPresence)}
	_ = reply.EncodeElement(errEl)
	e.d.Deliver(reply)
}

func (e *Extension) register(full jid.JID) {
	key := full.String()
	e.mu.Lock()
	_, existed := e.peers[key]
	if !existed {
		e.peers[key] = &Peer{Full: full, Nickname: full.Local, NextExploreTime: time.Now().Add(firstExploreWait)}
	}
	e.mu.Unlock()
	if !existed {
		e.broadcastCatalog()
	}
}

// catalog returns the registered peers sorted per spec.md §3: bytes desc,
// nickname asc case-insensitive.
func (e *Extension) catalog() []*Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return strings.ToLower(out[i].Nickname) < strings.ToLower(out[j].Nickname)
	})
	return out
}

type collectionWire struct {
	XMLName xml.Name `xml:"http://www.wifirst.fr/protocol/shares collection"`
	Peer    string   `xml:"peer,attr"`
	Bytes   int64    `xml:"bytes,attr"`
	Files   int64    `xml:"files,attr"`
}

type catalogWire struct {
	XMLName    xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
	Collection []collectionWire
}

func toCollectionWire(peers []*Peer) []collectionWire {
	out := make([]collectionWire, 0, len(peers))
	for _, p := range peers {
		out = append(out, collectionWire{Peer: p.Full.String(), Bytes: p.Bytes, Files: p.Files})
	}
	return out
}

// broadcastCatalog implements spec.md §4.10's server-driven fan-out: sent
// as iq[set]{shares} to every registered peer after any membership or
// size change.
func (e *Extension) broadcastCatalog() {
	peers := e.catalog()
	wire := catalogWire{Collection: toCollectionWire(peers)}
	for _, p := range peers {
		msg := stanza.Stanza{Kind: stanza.KindIQ, ID: attr.RandomID(), From: jid.New("", e.domain, ""), To: p.Full, Type: string(stanza.SetIQ)}
		_ = msg.EncodeElement(wire)
		e.d.Deliver(msg)
	}
}

// explorePeers implements spec.md §4.10's periodic tick: scan peers due
// for exploration and send each a depth-0 search.
func (e *Extension) explorePeers() {
	now := time.Now()
	var due []*Peer
	e.mu.Lock()
	for _, p := range e.peers {
		if !p.NextExploreTime.After(now) {
			due = append(due, p)
		}
	}
	e.mu.Unlock()

	for _, p := range due {
		tag := attr.RandomID()
		e.mu.Lock()
		p.PendingExploreTag = tag
		e.mu.Unlock()

		req := searchWire{Depth: 0, Tag: tag}
		out := stanza.Stanza{Kind: stanza.KindIQ, ID: tag, From: jid.New("", e.domain, ""), To: p.Full, Type: string(stanza.GetIQ)}
		_ = out.EncodeElement(req)
		e.d.Deliver(out)
	}
}

type searchWire struct {
	XMLName xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
	Search  string   `xml:"search,omitempty"`
	Depth   int      `xml:"depth,attr"`
	Tag     string   `xml:"tag,attr,omitempty"`
}
