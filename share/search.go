// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package share

import (
	"encoding/xml"
	"time"

	"github.com/wifirst/xmppd/internal/attr"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
)

// sharesResult is what a peer client sends back for both an exploration
// probe (Bytes/Files totals, no sub-collections) and a federated search
// fan-out (a list of matching sub-collections).
type sharesResult struct {
	XMLName    xml.Name `xml:"http://www.wifirst.fr/protocol/shares shares"`
	Bytes      int64    `xml:"bytes,attr,omitempty"`
	Files      int64    `xml:"files,attr,omitempty"`
	Collection []collectionWire
}

// handleSearchRequest answers a client's iq[get]{shares}: an immediate
// browse (empty search, depth 1) from the local catalog, or a federated
// search fanned out to every registered peer with a deadline (spec.md
// §4.10).
func (e *Extension) handleSearchRequest(s stanza.Stanza) {
	var q searchWire
	_ = s.DecodePayload(&q)

	if q.Search == "" && q.Depth == 1 {
		e.replyBrowse(s)
		return
	}
	e.startSearch(s, q)
}

func (e *Extension) replyBrowse(s stanza.Stanza) {
	reply := s.Reply()
	_ = reply.EncodeElement(catalogWire{Collection: toCollectionWire(e.catalog())})
	e.d.Deliver(reply)
}

func (e *Extension) startSearch(s stanza.Stanza, q searchWire) {
	depth := q.Depth - 1
	if depth < 1 {
		depth = 1
	}

	peers := e.catalog()
	order := make(map[string]int, len(peers))
	for i, p := range peers {
		order[p.Full.String()] = i
	}

	ctx := &searchContext{
		requester: s.From,
		requestID: s.ID,
		pending:   make(map[string]bool, len(peers)),
		order:     order,
	}
	tag := attr.RandomID()
	ctx.deadline = time.Now().Add(searchDeadline)

	e.mu.Lock()
	e.searches[tag] = ctx
	e.mu.Unlock()

	for _, p := range peers {
		ctx.pending[p.Full.String()] = true
		forward := stanza.Stanza{Kind: stanza.KindIQ, ID: tag, From: jid.New("", e.domain, ""), To: p.Full, Type: string(stanza.GetIQ)}
		_ = forward.EncodeElement(searchWire{Search: q.Search, Depth: depth, Tag: tag})
		e.d.Deliver(forward)
	}

	ctx.timer = time.AfterFunc(searchDeadline, func() { e.finishSearch(tag) })

	if len(peers) == 0 {
		e.finishSearch(tag)
	}
}

// handlePeerReply correlates an inbound iq[result]{shares} against both
// the exploration loop (by PendingExploreTag) and any open search context
// (by the forwarded request's id), dropping replies that match neither
// (late or superseded — spec.md §4.10).
func (e *Extension) handlePeerReply(s stanza.Stanza) {
	var q sharesResult
	_ = s.DecodePayload(&q)

	e.mu.Lock()
	changed := false
	for _, p := range e.peers {
		if p.Full.Equal(s.From) && p.PendingExploreTag != "" && p.PendingExploreTag == s.ID {
			if p.Bytes != q.Bytes || p.Files != q.Files {
				changed = true
			}
			p.Bytes, p.Files = q.Bytes, q.Files
			p.Explored = true
			p.PendingExploreTag = ""
			p.NextExploreTime = time.Now().Add(exploreRenewal)
		}
	}
	e.mu.Unlock()

	if changed {
		e.broadcastCatalog()
	}

	e.recordSearchReply(s.ID, s.From, q.Collection)
}

// recordSearchReply merges peer's sub-collections into the search context
// identified by tag, preserving the catalog's peer ordering so results
// are stable regardless of reply arrival order.
func (e *Extension) recordSearchReply(tag string, from jid.JID, collections []collectionWire) {
	e.mu.Lock()
	ctx, ok := e.searches[tag]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(ctx.pending, from.String())
	for _, c := range collections {
		ctx.results = append(ctx.results, rankedCollection{wire: c, rank: ctx.order[from.String()]})
	}
	done := len(ctx.pending) == 0
	if done {
		delete(e.searches, tag)
	}
	e.mu.Unlock()

	if done {
		ctx.timer.Stop()
		e.deliverAggregate(ctx)
	}
}

func (e *Extension) finishSearch(tag string) {
	e.mu.Lock()
	ctx, ok := e.searches[tag]
	if ok {
		delete(e.searches, tag)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.deliverAggregate(ctx)
}

func (e *Extension) deliverAggregate(ctx *searchContext) {
	sorted := make([]collectionWire, len(ctx.results))
	order := append([]rankedCollection(nil), ctx.results...)
	stableSortByRank(order)
	for i, r := range order {
		sorted[i] = r.wire
	}

	reply := stanza.Stanza{Kind: stanza.KindIQ, ID: ctx.requestID, From: jid.New("", e.domain, ""), To: ctx.requester, Type: string(stanza.ResultIQ)}
	_ = reply.EncodeElement(catalogWire{Collection: sorted})
	e.d.Deliver(reply)
}

// rankedCollection pairs a sub-collection with the rank of the peer that
// contributed it, so results can be reordered to match the catalog's peer
// sort even though replies arrive out of order.
type rankedCollection struct {
	wire collectionWire
	rank int
}

func stableSortByRank(rc []rankedCollection) {
	for i := 1; i < len(rc); i++ {
		for j := i; j > 0 && rc[j].rank < rc[j-1].rank; j-- {
			rc[j], rc[j-1] = rc[j-1], rc[j]
		}
	}
}
