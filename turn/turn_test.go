// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package turn

import (
	"context"
	"crypto/md5"
	"net"
	"testing"
	"time"

	"github.com/wifirst/xmppd/server"
)

func TestNonceRoundTrips(t *testing.T) {
	secret := []byte("server-secret")
	nonce := generateNonce(secret)
	if len(nonce) != 48 {
		t.Fatalf("want a 48-byte nonce, got %d", len(nonce))
	}
	if !verifyNonce(nonce, secret) {
		t.Fatalf("want a freshly generated nonce to verify")
	}
	if verifyNonce(nonce, []byte("wrong-secret")) {
		t.Fatalf("want verification to fail against the wrong secret")
	}
}

func TestNonceAtExactExpiryIsRejected(t *testing.T) {
	secret := []byte("server-secret")
	head := paddedHex(time.Now().Unix())
	sum := md5AppendSum(head, secret)
	nonce := head + sum
	if verifyNonce(nonce, secret) {
		t.Fatalf("want a nonce expiring exactly now to be rejected")
	}
}

func md5AppendSum(head string, secret []byte) string {
	h := md5.Sum(append([]byte(head+":"), secret...))
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range h {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

func TestNonceWrongSizeRejected(t *testing.T) {
	if verifyNonce("tooshort", []byte("k")) {
		t.Fatalf("want an undersized nonce to be rejected")
	}
}

func TestChannelNumberBoundary(t *testing.T) {
	cases := []struct {
		ch   uint16
		want bool
	}{
		{0x3fff, false},
		{0x4000, true},
		{0x7ffe, true},
		{0x7fff, false},
	}
	for _, c := range cases {
		if got := validChannelNumber(c.ch); got != c.want {
			t.Errorf("validChannelNumber(0x%x) = %v, want %v", c.ch, got, c.want)
		}
	}
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	req := &message{method: methodAllocate, class: classRequest}
	req.txID = [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	req.username = "alice"
	req.realm = "example.d"
	req.nonce = generateNonce([]byte("secret"))
	req.requestedTransport = 0x11
	req.lifetime = 600

	ha1 := md5.Sum([]byte("alice:example.d:hunter2"))
	buf := req.encode(ha1[:])

	decoded, err := decodeMessage(buf)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if decoded.method != methodAllocate || decoded.class != classRequest {
		t.Fatalf("want method/class to round-trip, got %v/%v", decoded.method, decoded.class)
	}
	if decoded.username != "alice" || decoded.realm != "example.d" {
		t.Fatalf("want username/realm to round-trip, got %q/%q", decoded.username, decoded.realm)
	}
	if decoded.requestedTransport != 0x11 || decoded.lifetime != 600 {
		t.Fatalf("want requestedTransport/lifetime to round-trip, got %v/%v", decoded.requestedTransport, decoded.lifetime)
	}
	if !decoded.verifyIntegrity(ha1[:]) {
		t.Fatalf("want MESSAGE-INTEGRITY to verify against the same key")
	}
	wrongKey := md5.Sum([]byte("wrong"))
	if decoded.verifyIntegrity(wrongKey[:]) {
		t.Fatalf("want MESSAGE-INTEGRITY to fail against the wrong key")
	}
}

func TestXorAddressRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5").To4(), Port: 54321}
	var txID [12]byte
	val := encodeXorAddr(addr, txID)
	got := decodeXorAddr(val, txID)
	if got == nil || !got.IP.Equal(addr.IP) || got.Port != addr.Port {
		t.Fatalf("want xor address round-trip, got %+v", got)
	}
}

func TestChannelDataFraming(t *testing.T) {
	payload := []byte("hello turn")
	framed := encodeChannelData(0x4001, payload)
	if !isChannelData(framed) {
		t.Fatalf("want encoded channel data to be recognized as such")
	}
	ch, got, ok := decodeChannelData(framed)
	if !ok || ch != 0x4001 || string(got) != string(payload) {
		t.Fatalf("want channel data to decode back to (0x4001, %q), got (0x%x, %q, %v)", payload, ch, got, ok)
	}
}

func TestClampLifetime(t *testing.T) {
	if got := clampLifetime(0); got != defaultLifetime {
		t.Fatalf("want a zero request to clamp to the default, got %v", got)
	}
	if got := clampLifetime(100); got != defaultLifetime {
		t.Fatalf("want a too-small request to clamp up to the default, got %v", got)
	}
	if got := clampLifetime(100000); got != maximumLifetime {
		t.Fatalf("want an oversized request to clamp down to the maximum, got %v", got)
	}
}

// fixedPasswordCredentials is a CredentialProvider that always resolves
// to the HA1 of "hunter2", for tests that need a real
// Extension.Start/handlePacket round trip.
type fixedPasswordCredentials struct{}

func (fixedPasswordCredentials) HA1(_ context.Context, username, realm string) ([]byte, error) {
	ha1 := md5.Sum([]byte(username + ":" + realm + ":hunter2"))
	return ha1[:], nil
}

func TestAllocateChannelBindAndRelay(t *testing.T) {
	ext := New("127.0.0.1", 0, "example.d", fixedPasswordCredentials{})
	ctx := server.NewTestContext("example.d")
	if err := ext.Start(ctx, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ext.Stop()

	client, err := net.DialUDP("udp", nil, ext.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// Unauthenticated Allocate should come back 401 with a nonce.
	allocateReq := &message{method: methodAllocate, class: classRequest, requestedTransport: 0x11}
	allocateReq.txID = randomTxID()
	if _, err := client.Write(allocateReq.encode(nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readResponse(t, client)
	if resp.class != classError || resp.errorCode != 401 {
		t.Fatalf("want a 401 for an unauthenticated Allocate, got class=%v code=%v", resp.class, resp.errorCode)
	}

	// Retry with credentials using the nonce/realm from the 401.
	ha1 := md5.Sum([]byte("alice:example.d:hunter2"))
	allocateReq = &message{method: methodAllocate, class: classRequest, requestedTransport: 0x11}
	allocateReq.txID = randomTxID()
	allocateReq.username = "alice"
	allocateReq.realm = resp.realm
	allocateReq.nonce = resp.nonce
	if _, err := client.Write(allocateReq.encode(ha1[:])); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp = readResponse(t, client)
	if resp.class != classSuccess {
		t.Fatalf("want a successful Allocate, got class=%v code=%v", resp.class, resp.errorCode)
	}
	if resp.relayedAddr == nil {
		t.Fatalf("want a relayed address in the Allocate response")
	}

	// A second Allocate from the same 5-tuple is a mismatch.
	dup := &message{method: methodAllocate, class: classRequest, requestedTransport: 0x11}
	dup.txID = randomTxID()
	dup.username = "alice"
	dup.realm = resp.realm
	dup.nonce = allocateReq.nonce
	if _, err := client.Write(dup.encode(ha1[:])); err != nil {
		t.Fatalf("write: %v", err)
	}
	dupResp := readResponse(t, client)
	if dupResp.class != classError || dupResp.errorCode != 437 {
		t.Fatalf("want 437 Allocation Mismatch for a second Allocate, got class=%v code=%v", dupResp.class, dupResp.errorCode)
	}

	// Bind a channel to a real loopback peer tuple (so it can actually
	// send the relay a datagram below).
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peerConn.Close()
	peer := peerConn.LocalAddr().(*net.UDPAddr)

	bindReq := &message{method: methodChannelBind, class: classRequest}
	bindReq.txID = randomTxID()
	bindReq.username = "alice"
	bindReq.realm = resp.realm
	bindReq.nonce = allocateReq.nonce
	bindReq.channelNumber = 0x4001
	bindReq.peerAddr = peer
	if _, err := client.Write(bindReq.encode(ha1[:])); err != nil {
		t.Fatalf("write: %v", err)
	}
	bindResp := readResponse(t, client)
	if bindResp.class != classSuccess {
		t.Fatalf("want a successful ChannelBind, got class=%v code=%v", bindResp.class, bindResp.errorCode)
	}

	// Relay a datagram from the bound peer through the allocation's relay
	// socket and confirm it arrives at the client wrapped as channel data.
	if _, err := peerConn.WriteToUDP([]byte("payload"), resp.relayedAddr); err != nil {
		t.Fatalf("write to relay: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read channel data: %v", err)
	}
	ch, payload, ok := decodeChannelData(buf[:n])
	if !ok || ch != 0x4001 || string(payload) != "payload" {
		t.Fatalf("want channel data (0x4001, %q), got (0x%x, %q, %v)", "payload", ch, payload, ok)
	}

	// Refresh with lifetime 0 tears the allocation down.
	refreshReq := &message{method: methodRefresh, class: classRequest}
	refreshReq.txID = randomTxID()
	refreshReq.username = "alice"
	refreshReq.realm = resp.realm
	refreshReq.nonce = allocateReq.nonce
	refreshReq.lifetime = 0
	if _, err := client.Write(refreshReq.encode(ha1[:])); err != nil {
		t.Fatalf("write: %v", err)
	}
	refreshResp := readResponse(t, client)
	if refreshResp.class != classSuccess {
		t.Fatalf("want a successful teardown Refresh, got class=%v code=%v", refreshResp.class, refreshResp.errorCode)
	}
}

func randomTxID() [12]byte {
	var id [12]byte
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func readResponse(t *testing.T, conn *net.UDPConn) *message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := decodeMessage(buf[:n])
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	return msg
}
