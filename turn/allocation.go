// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package turn

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// peerKey identifies a bound channel's remote side.
type peerKey struct {
	ip   string
	port int
}

func keyOf(addr *net.UDPAddr) peerKey {
	return peerKey{ip: addr.IP.String(), port: addr.Port}
}

// allocation is one client's relayed UDP socket (spec.md §4.9 Allocate,
// §5 "TURN allocations map: exclusively owned by the TURN component").
type allocation struct {
	client   *net.UDPAddr
	username string
	relay    *net.UDPConn

	mu       sync.Mutex
	channels map[uint16]peerKey
	peers    map[peerKey]uint16
	bytes    int64

	timer *time.Timer
}

func newAllocation(client *net.UDPAddr, username string, relay *net.UDPConn) *allocation {
	return &allocation{
		client:   client,
		username: username,
		relay:    relay,
		channels: make(map[uint16]peerKey),
		peers:    make(map[peerKey]uint16),
	}
}

// bind installs a channel<->peer binding, rejecting a conflicting
// existing binding (spec.md §4.9 ChannelBind "one-to-one").
func (a *allocation) bind(channel uint16, peer *net.UDPAddr) bool {
	pk := keyOf(peer)
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.channels[channel]; ok && existing != pk {
		return false
	}
	if existingCh, ok := a.peers[pk]; ok && existingCh != channel {
		return false
	}
	a.channels[channel] = pk
	a.peers[pk] = channel
	return true
}

func (a *allocation) channelFor(peer *net.UDPAddr) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.peers[keyOf(peer)]
	return ch, ok
}

func (a *allocation) peerFor(channel uint16) (peerKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pk, ok := a.channels[channel]
	return pk, ok
}

func (a *allocation) addBytes(n int64) {
	a.mu.Lock()
	a.bytes += n
	a.mu.Unlock()
}

func (a *allocation) transferBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// refresh (re)arms the lifetime timer; onExpire fires once when it lapses
// and was not stopped first (Refresh with lifetime=0 or Stop tears the
// allocation down explicitly instead of waiting for this).
func (a *allocation) refresh(lifetime time.Duration, onExpire func()) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(lifetime, onExpire)
	a.mu.Unlock()
}

func (a *allocation) close() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.relay.Close()
}

// encodeChannelData frames payload for delivery to the client as TURN
// channel data (spec.md §4.9 "Channel data plane"): channel, length,
// then the raw payload.
func encodeChannelData(channel uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], channel)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// isChannelData reports whether buf's first two bits are 01, the
// discriminator between channel data and a STUN message (spec.md §4.9).
func isChannelData(buf []byte) bool {
	return len(buf) >= 4 && buf[0]&0xc0 == 0x40
}

func decodeChannelData(buf []byte) (channel uint16, payload []byte, ok bool) {
	if !isChannelData(buf) {
		return 0, nil, false
	}
	channel = binary.BigEndian.Uint16(buf[0:2])
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length > len(buf)-4 {
		return 0, nil, false
	}
	return channel, buf[4 : 4+length], true
}
