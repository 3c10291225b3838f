// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package turn

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/metrics"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"go.uber.org/zap"
)

// defaultLifetime and maximumLifetime bound every Allocate/Refresh
// lifetime negotiation (spec.md §4.9).
const (
	defaultLifetime = 600 * time.Second
	maximumLifetime = 3600 * time.Second
)

// Extension is the STUN/TURN relay. It runs its own UDP listener separate
// from the XMPP stream and never touches the stanza pipeline, but
// implements server.Extension for the same start/stop/config lifecycle
// every other component gets (spec.md §9 Design Notes: "Extension
// polymorphism").
type Extension struct {
	host        string
	port        int
	realm       string
	credentials CredentialProvider

	logger  *zap.Logger
	metrics metrics.Sink

	conn       *net.UDPConn
	bindIP     net.IP
	secret     []byte
	stop       chan struct{}

	mu          sync.Mutex
	allocations map[string]*allocation
}

// New returns a turn Extension listening on host:port (defaults to the
// server domain and 3478 when host/realm are empty or port is 0).
func New(host string, port int, realm string, credentials CredentialProvider) *Extension {
	return &Extension{
		host:        host,
		port:        port,
		realm:       realm,
		credentials: credentials,
		allocations: make(map[string]*allocation),
	}
}

func (e *Extension) Name() string                     { return "turn" }
func (e *Extension) Priority() int                     { return -900 }
func (e *Extension) Configure(*koanf.Koanf) error       { return nil }
func (e *Extension) DiscoveryFeatures() []string        { return nil }
func (e *Extension) DiscoveryItems() []server.DiscoItem { return nil }

// HandleStanza implements server.Extension; TURN has no stanza surface.
func (e *Extension) HandleStanza(stanza.Stanza) server.Verdict { return server.Pass }

func (e *Extension) Start(ctx *server.Context, _ server.Dispatcher) error {
	if e.realm == "" {
		e.realm = ctx.Domain
	}
	if e.host == "" {
		e.host = ctx.Domain
	}
	if e.port == 0 {
		e.port = 3478
	}
	e.logger = ctx.Logger.With(zap.String("component", "turn"))
	e.metrics = ctx.Metrics

	ip, err := resolveHost(e.host)
	if err != nil {
		return err
	}
	e.bindIP = ip

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: e.port})
	if err != nil {
		return err
	}
	e.conn = conn

	e.secret = make([]byte, 16)
	if _, err := rand.Read(e.secret); err != nil {
		conn.Close()
		return err
	}

	e.stop = make(chan struct{})
	go e.readLoop()
	return nil
}

func (e *Extension) Stop() error {
	if e.stop != nil {
		close(e.stop)
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.mu.Lock()
	for key, alloc := range e.allocations {
		alloc.close()
		delete(e.allocations, key)
	}
	e.mu.Unlock()
	return nil
}

func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
			return ip, nil
		}
	}
	return nil, errors.New("turn: could not resolve host " + host)
}

func (e *Extension) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, remote, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		go e.handlePacket(data, remote)
	}
}

func (e *Extension) handlePacket(buf []byte, remote *net.UDPAddr) {
	if isChannelData(buf) {
		e.relayOutbound(buf, remote)
		return
	}

	msg, err := decodeMessage(buf)
	if err != nil || msg.class != classRequest {
		return
	}

	switch msg.method {
	case methodBinding:
		e.replyBinding(msg, remote)
		return
	case methodAllocate, methodChannelBind, methodRefresh:
	default:
		return
	}

	if msg.realm != e.realm || msg.username == "" || !verifyNonce(msg.nonce, e.secret) {
		e.replyUnauthorized(msg, remote)
		return
	}

	// Password lookup is this component's one suspension point
	// (spec.md §5): it may block, so it runs off the read loop.
	go e.authenticate(msg, remote)
}

// relayOutbound forwards channel data arriving from the client to the
// bound peer on that allocation's relay socket (spec.md §4.9 "Channel
// data plane").
func (e *Extension) relayOutbound(buf []byte, remote *net.UDPAddr) {
	e.mu.Lock()
	alloc := e.allocations[remote.String()]
	e.mu.Unlock()
	if alloc == nil {
		return
	}
	channel, payload, ok := decodeChannelData(buf)
	if !ok {
		return
	}
	pk, ok := alloc.peerFor(channel)
	if !ok {
		return
	}
	peerAddr := &net.UDPAddr{IP: net.ParseIP(pk.ip), Port: pk.port}
	if _, err := alloc.relay.WriteToUDP(payload, peerAddr); err == nil {
		alloc.addBytes(int64(len(payload)))
	}
}

func (e *Extension) authenticate(msg *message, remote *net.UDPAddr) {
	ha1, err := e.credentials.HA1(context.Background(), msg.username, msg.realm)
	if err != nil || !msg.verifyIntegrity(ha1) {
		e.replyUnauthorized(msg, remote)
		return
	}
	switch msg.method {
	case methodAllocate:
		e.handleAllocate(msg, remote, ha1)
	case methodChannelBind:
		e.handleChannelBind(msg, remote, ha1)
	case methodRefresh:
		e.handleRefresh(msg, remote, ha1)
	}
}

func newResponse(req *message, class uint16) *message {
	return &message{method: req.method, class: class, txID: req.txID, software: "xmppd-turn"}
}

func (e *Extension) send(resp *message, key []byte, addr *net.UDPAddr) {
	e.conn.WriteToUDP(resp.encode(key), addr)
}

func (e *Extension) replyBinding(req *message, remote *net.UDPAddr) {
	resp := newResponse(req, classSuccess)
	resp.mappedAddr = remote
	e.send(resp, nil, remote)
}

func (e *Extension) replyUnauthorized(req *message, remote *net.UDPAddr) {
	resp := newResponse(req, classError)
	resp.errorCode = 401
	resp.errorReason = "Unauthorized"
	resp.nonce = generateNonce(e.secret)
	resp.realm = e.realm
	e.send(resp, nil, remote)
}

// replyError answers an authenticated request that failed for an
// operational reason (bad transport, unknown allocation, bad channel).
// Unlike the 401 path, no fresh nonce/realm is needed here: the request
// already carried valid long-term credentials.
func (e *Extension) replyError(req *message, remote *net.UDPAddr, code int, reason string, key []byte) {
	resp := newResponse(req, classError)
	resp.errorCode = code
	resp.errorReason = reason
	e.send(resp, key, remote)
}

// validChannelNumber reports whether ch falls in TURN's channel number
// range [0x4000, 0x7ffe] (spec.md §4.9; RFC 5766 §11 reserves 0x7fff).
func validChannelNumber(ch uint16) bool {
	return ch >= 0x4000 && ch <= 0x7ffe
}

func clampLifetime(requestedSeconds uint32) time.Duration {
	req := time.Duration(requestedSeconds) * time.Second
	if req > maximumLifetime {
		req = maximumLifetime
	}
	if req < defaultLifetime {
		req = defaultLifetime
	}
	return req
}

func (e *Extension) handleAllocate(req *message, remote *net.UDPAddr, ha1 []byte) {
	key := remote.String()
	e.mu.Lock()
	_, exists := e.allocations[key]
	e.mu.Unlock()
	if exists {
		e.replyError(req, remote, 437, "Allocation Mismatch", ha1)
		return
	}
	if req.requestedTransport != 0x11 {
		e.replyError(req, remote, 442, "Unsupported Transport Protocol", ha1)
		return
	}

	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: e.bindIP, Port: 0})
	if err != nil {
		e.replyError(req, remote, 508, "Insufficient Capacity", ha1)
		return
	}

	alloc := newAllocation(remote, req.username, relayConn)
	lifetime := clampLifetime(req.lifetime)

	e.mu.Lock()
	e.allocations[key] = alloc
	e.mu.Unlock()

	alloc.refresh(lifetime, func() { e.expireAllocation(key) })
	go e.relayReadLoop(alloc)

	if e.logger != nil {
		e.logger.Info("created allocation", zap.String("client", key), zap.String("username", req.username))
	}

	relayAddr := relayConn.LocalAddr().(*net.UDPAddr)
	resp := newResponse(req, classSuccess)
	resp.nonce = req.nonce
	resp.realm = req.realm
	resp.lifetime = uint32(lifetime / time.Second)
	resp.mappedAddr = remote
	resp.relayedAddr = &net.UDPAddr{IP: e.bindIP, Port: relayAddr.Port}
	e.send(resp, ha1, remote)
}

func (e *Extension) handleChannelBind(req *message, remote *net.UDPAddr, ha1 []byte) {
	e.mu.Lock()
	alloc := e.allocations[remote.String()]
	e.mu.Unlock()
	if alloc == nil {
		e.replyError(req, remote, 437, "Allocation Mismatch", ha1)
		return
	}
	if !validChannelNumber(req.channelNumber) || req.peerAddr == nil {
		e.replyError(req, remote, 400, "Bad Request", ha1)
		return
	}
	if !alloc.bind(req.channelNumber, req.peerAddr) {
		e.replyError(req, remote, 400, "Bad Request", ha1)
		return
	}
	resp := newResponse(req, classSuccess)
	resp.nonce = req.nonce
	resp.realm = req.realm
	e.send(resp, ha1, remote)
}

func (e *Extension) handleRefresh(req *message, remote *net.UDPAddr, ha1 []byte) {
	key := remote.String()
	e.mu.Lock()
	alloc := e.allocations[key]
	e.mu.Unlock()
	if alloc == nil {
		e.replyError(req, remote, 437, "Allocation Mismatch", ha1)
		return
	}

	resp := newResponse(req, classSuccess)
	resp.nonce = req.nonce
	resp.realm = req.realm

	if req.lifetime == 0 {
		e.teardownAllocation(key, alloc)
		resp.lifetime = 0
		e.send(resp, ha1, remote)
		return
	}

	lifetime := clampLifetime(req.lifetime)
	alloc.refresh(lifetime, func() { e.expireAllocation(key) })
	resp.lifetime = uint32(lifetime / time.Second)
	e.send(resp, ha1, remote)
}

func (e *Extension) teardownAllocation(key string, alloc *allocation) {
	e.mu.Lock()
	delete(e.allocations, key)
	e.mu.Unlock()
	alloc.close()
	if e.metrics != nil {
		e.metrics.Count("turn.bytes", alloc.transferBytes())
		e.metrics.Count("turn.transfers", 1)
	}
}

// expireAllocation is the Refresh-timeout path: an allocation whose
// lifetime timer lapses is torn down the same way an explicit
// Refresh{lifetime: 0} would (spec.md §5 "Search and TURN allocation
// timeouts are authoritative").
func (e *Extension) expireAllocation(key string) {
	e.mu.Lock()
	alloc, ok := e.allocations[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	if e.logger != nil {
		e.logger.Info("timed out allocation", zap.String("client", key), zap.Int64("bytes", alloc.transferBytes()))
	}
	e.teardownAllocation(key, alloc)
}

// relayReadLoop forwards datagrams arriving on alloc's relay socket back
// to the client, wrapped as channel data for whichever channel the
// sending peer is bound to (spec.md §4.9).
func (e *Extension) relayReadLoop(alloc *allocation) {
	buf := make([]byte, 65535)
	for {
		n, peer, err := alloc.relay.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ch, ok := alloc.channelFor(peer)
		if !ok {
			continue
		}
		data := encodeChannelData(ch, buf[:n])
		if _, err := e.conn.WriteToUDP(data, alloc.client); err == nil {
			alloc.addBytes(int64(n))
		}
	}
}
