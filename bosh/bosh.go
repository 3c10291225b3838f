// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bosh implements the BOSH (XEP-0124) HTTP long-poll binding: a
// net/http handler that terminates the same authenticate/bind/stanza
// lifecycle internal/stream drives over a raw TCP connection, but paced
// by individual HTTP request/response pairs instead of a single
// long-lived socket, and hands bound sessions into the same
// server.Server/Router pipeline c2s connections use.
//
// This is a narrow shim (spec.md §1 Non-goals): there is no rid replay
// window, no multi-stream multiplexing and no HTTP pipelining support,
// only the ordered-arrival check XEP-0124 requires at minimum.
package bosh // import "github.com/wifirst/xmppd/bosh"

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wifirst/xmppd/auth"
	"github.com/wifirst/xmppd/internal/attr"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/internal/stream"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
)

// defaultWait and maxWait bound the long-poll hold time: each request's
// wait attribute (seconds) sets how long it is held, a missing or zero
// wait means defaultWait, and anything longer is capped at maxWait.
const (
	defaultWait = 30 * time.Second
	maxWait     = 60 * time.Second

	// staleAfter is how long a sid may go without a request before a
	// later create sweeps it out and closes its bound Session, the BOSH
	// analogue of a dropped TCP connection never sending a close frame.
	staleAfter = 2 * maxWait
)

var (
	errUnknownSid = errors.New("bosh: unknown sid")
	errBadRid     = errors.New("bosh: rid out of order")
	errAuthFailed = errors.New("bosh: authentication failed")
)

// Manager is the BOSH connection manager: it holds every live
// bosh-to-server.Session mapping and implements http.Handler for the
// /http-bind endpoint.
type Manager struct {
	Server  *server.Server
	Checker auth.Checker
	Domain  string
	Logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*boshSession
}

// NewManager constructs a Manager ready to serve requests.
func NewManager(srv *server.Server, checker auth.Checker, domain string, logger *zap.Logger) *Manager {
	return &Manager{
		Server:   srv,
		Checker:  checker,
		Domain:   domain,
		Logger:   logger,
		sessions: make(map[string]*boshSession),
	}
}

// ServeHTTP implements the single BOSH endpoint. Every request and
// response is a <body/> wrapper POSTed as text/xml (XEP-0124 §5).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "bosh: POST only", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bosh: body read error", http.StatusBadRequest)
		return
	}
	req, err := decodeBody(data)
	if err != nil {
		http.Error(w, "bosh: malformed body", http.StatusBadRequest)
		return
	}

	var resp bodyResponse
	if req.Sid == "" {
		resp, err = m.create(req)
	} else {
		resp, err = m.resume(req)
	}
	if err != nil {
		m.logf("bosh request failed", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(marshalBody(resp))
}

// create handles the session-establishment request (no sid): it mints a
// new sid, records the request's initial rid, and advertises SASL PLAIN
// the same way internal/stream's writeMechanisms does for a fresh
// stream.
func (m *Manager) create(req bodyRequest) (bodyResponse, error) {
	domain := req.To
	if domain == "" {
		domain = m.Domain
	}
	bs := &boshSession{
		sid:      attr.RandomID(),
		rid:      req.Rid,
		state:    stateNeedAuth,
		domain:   domain,
		lastSeen: time.Now(),
	}
	m.mu.Lock()
	m.reapStaleLocked()
	m.sessions[bs.sid] = bs
	m.mu.Unlock()

	features := `<stream:features xmlns:stream="` + ns.Stream + `">` +
		`<mechanisms xmlns="` + ns.SASL + `"><mechanism>PLAIN</mechanism></mechanisms>` +
		`</stream:features>`
	return bodyResponse{Sid: bs.sid, Inner: []byte(features)}, nil
}

// resume handles every follow-up request against an existing sid:
// rid check, then dispatch of the body's children (SASL auth, resource
// bind, or ordinary stanzas), then a bounded drain of the bound
// session's outbox.
func (m *Manager) resume(req bodyRequest) (bodyResponse, error) {
	m.mu.Lock()
	bs, ok := m.sessions[req.Sid]
	m.mu.Unlock()
	if !ok {
		return bodyResponse{}, errUnknownSid
	}

	bs.mu.Lock()
	if !bs.checkRidLocked(req.Rid) {
		bs.mu.Unlock()
		return bodyResponse{}, errBadRid
	}
	bs.lastSeen = time.Now()

	if req.Type == "terminate" {
		sess := bs.sess
		bs.state = stateDone
		bs.mu.Unlock()
		m.removeSession(bs.sid)
		if sess != nil {
			sess.Close()
		}
		return bodyResponse{Sid: bs.sid, Type: "terminate"}, nil
	}
	bs.mu.Unlock()

	var out bytes.Buffer
	if err := m.dispatchChildren(bs, req.Inner, &out); err != nil {
		m.removeSession(bs.sid)
		return bodyResponse{Sid: bs.sid, Type: "terminate"}, nil
	}

	m.drainOutbox(bs, req.Wait, &out)

	return bodyResponse{Sid: bs.sid, Inner: out.Bytes()}, nil
}

// dispatchChildren walks inner's top-level elements in document order,
// handling a SASL <auth/>, a bind <iq/>, or routing an already-bound
// session's ordinary stanzas, appending any synchronous reply (auth
// success/failure, bind result) to out.
func (m *Manager) dispatchChildren(bs *boshSession, inner []byte, out *bytes.Buffer) error {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch {
		case start.Name == (xml.Name{Space: ns.SASL, Local: "auth"}):
			if err := m.handleAuth(bs, dec, start, out); err != nil {
				return err
			}
		case start.Name.Local == "iq" || start.Name.Local == "presence" || start.Name.Local == "message":
			s, err := stream.DecodeStanza(dec, start)
			if err != nil {
				return err
			}
			m.handleStanza(bs, s, out)
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) handleAuth(bs *boshSession, dec *xml.Decoder, start xml.StartElement, out *bytes.Buffer) error {
	var body struct {
		Mechanism string `xml:"mechanism,attr"`
		Data      string `xml:",chardata"`
	}
	if err := dec.DecodeElement(&body, &start); err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.state != stateNeedAuth || body.Mechanism != "PLAIN" {
		out.WriteString(`<failure xmlns="` + ns.SASL + `"><invalid-mechanism/></failure>`)
		return errAuthFailed
	}

	username, password, err := stream.DecodePlain(body.Data)
	if err != nil {
		out.WriteString(`<failure xmlns="` + ns.SASL + `"><incorrect-encoding/></failure>`)
		return errAuthFailed
	}
	local, _, err := jid.Validate(username, "")
	if err != nil {
		out.WriteString(`<failure xmlns="` + ns.SASL + `"><malformed-request/></failure>`)
		return errAuthFailed
	}
	if err := m.Checker.CheckPassword(context.Background(), local, bs.domain, password); err != nil {
		out.WriteString(`<failure xmlns="` + ns.SASL + `"><not-authorized/></failure>`)
		return errAuthFailed
	}

	bs.local = local
	bs.state = stateNeedBind
	out.WriteString(`<success xmlns="` + ns.SASL + `"/>`)
	return nil
}

// handleStanza processes one decoded stanza: a resource bind request
// while stateNeedBind, otherwise routing into the server core once
// stateLive. Anything arriving out of turn is silently dropped, the
// same "nothing downstream understands it" treatment internal/stream
// gives an unexpected legacy payload.
func (m *Manager) handleStanza(bs *boshSession, s stanza.Stanza, out *bytes.Buffer) {
	bs.mu.Lock()
	state := bs.state
	bs.mu.Unlock()

	if state == stateNeedBind && s.IsIQ() && s.PayloadName().Space == ns.Bind {
		m.handleBind(bs, s, out)
		return
	}
	if state == stateLive && bs.sess != nil {
		m.Server.Receive(bs.sess, s)
	}
}

func (m *Manager) handleBind(bs *boshSession, s stanza.Stanza, out *bytes.Buffer) {
	var payload struct {
		XMLName  xml.Name
		Resource string `xml:"resource"`
	}
	_ = s.DecodePayload(&payload)

	_, resource, err := jid.Validate("", payload.Resource)
	if err != nil || resource == "" {
		resource = attr.RandomID()
	}

	bs.mu.Lock()
	full := jid.New(bs.local, bs.domain, resource)
	bs.mu.Unlock()

	if prior, ok := m.Server.Registry.Session(full); ok {
		prior.Close()
	}

	sess := server.NewSession(full, "bosh")
	m.Server.Accept(sess)

	bs.mu.Lock()
	bs.sess = sess
	bs.state = stateLive
	bs.mu.Unlock()

	reply := s.Reply()
	boundEl := struct {
		XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
		JID     string   `xml:"jid"`
	}{JID: full.String()}
	_ = reply.EncodeElement(boundEl)
	out.Write(stream.MarshalStanza(reply))
}

// drainOutbox waits up to the request's wait interval (defaultWait when
// the request gives none, capped at maxWait) for at least one outbound
// stanza, writing every stanza
// already queued once one arrives (or returning an empty body on
// timeout — a normal, traffic-free long-poll cycle).
func (m *Manager) drainOutbox(bs *boshSession, wait int, out *bytes.Buffer) {
	bs.mu.Lock()
	sess := bs.sess
	bs.mu.Unlock()
	if sess == nil {
		return
	}

	holdFor := defaultWait
	if wait > 0 {
		holdFor = time.Duration(wait) * time.Second
		if holdFor > maxWait {
			holdFor = maxWait
		}
	}
	timer := time.NewTimer(holdFor)
	defer timer.Stop()

	select {
	case st, ok := <-sess.Outbox():
		if !ok {
			return
		}
		out.Write(stream.MarshalStanza(st))
	case <-timer.C:
		return
	}

	for {
		select {
		case st, ok := <-sess.Outbox():
			if !ok {
				return
			}
			out.Write(stream.MarshalStanza(st))
		default:
			return
		}
	}
}

func (m *Manager) removeSession(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

// reapStaleLocked drops and closes any sid that has gone quiet past
// staleAfter. Called from create rather than on a ticker: a BOSH
// deployment's request volume is itself the natural sweep trigger, and
// this avoids adding a background goroutine not grounded in any
// concrete requirement. Caller must hold m.mu.
func (m *Manager) reapStaleLocked() {
	cutoff := time.Now().Add(-staleAfter)
	for sid, bs := range m.sessions {
		bs.mu.Lock()
		stale := bs.lastSeen.Before(cutoff)
		sess := bs.sess
		bs.mu.Unlock()
		if !stale {
			continue
		}
		delete(m.sessions, sid)
		if sess != nil {
			sess.Close()
		}
	}
}

func (m *Manager) logf(msg string, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.Debug(msg, zap.Error(err))
}
