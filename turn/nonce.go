// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package turn

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"
)

var errBadNonce = errors.New("turn: bad nonce")

// nonceValidity is how far in the future a freshly generated nonce's
// expiry is set (spec.md §4.9: "Expiry is set to now + 3600 seconds").
const nonceValidity = 3600 * time.Second

// generateNonce builds the 48-byte nonce spec.md §4.9 describes: 8 hex
// digits of expiry, 8 bytes of '0' padding, then a 32-hex-digit MD5 hash
// of the first 16 bytes plus the server secret.
func generateNonce(secret []byte) string {
	expiry := time.Now().Add(nonceValidity).Unix()
	head := paddedHex(expiry)
	sum := md5.Sum(append([]byte(head+":"), secret...))
	return head + hex.EncodeToString(sum[:])
}

// verifyNonce rejects a nonce of the wrong size, wrong padding, expired,
// or with a mismatching hash (spec.md §4.9).
func verifyNonce(nonce string, secret []byte) bool {
	if len(nonce) != 48 || nonce[8:16] != "00000000" {
		return false
	}
	expiry, err := parseHexUint(nonce[0:8])
	if err != nil {
		return false
	}
	if expiry <= time.Now().Unix() {
		return false
	}
	sum := md5.Sum(append([]byte(nonce[0:16]+":"), secret...))
	return nonce[16:48] == hex.EncodeToString(sum[:])
}

// paddedHex renders t as 8 lowercase hex digits followed by 8 '0' bytes,
// matching the original implementation's fixed-width nonce head.
func paddedHex(t int64) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[t&0xf]
		t >>= 4
	}
	for i := 8; i < 16; i++ {
		b[i] = '0'
	}
	return string(b)
}

func parseHexUint(s string) (int64, error) {
	var v int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'f':
			d = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int64(c-'A') + 10
		default:
			return 0, errBadNonce
		}
		v = v<<4 | d
	}
	return v, nil
}
