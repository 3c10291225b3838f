// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr contains small helpers shared by the stanza and extension
// packages for working with XML attributes and generating opaque ids.
package attr // import "github.com/wifirst/xmppd/internal/attr"

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
)

// Get returns the value and index of the first attribute with the given
// local name, or -1 and an empty string if no such attribute exists.
func Get(attrs []xml.Attr, local string) (int, string) {
	for idx, a := range attrs {
		if a.Name.Local == local {
			return idx, a.Value
		}
	}
	return -1, ""
}

// RandomID returns a random hex-encoded identifier suitable for use as a
// stanza id, SOCKS5 stream id, or share search tag.
func RandomID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand on a supported platform does not fail; if it somehow
		// does we still want a usable (if predictable) id rather than a panic.
		return "00000000000000000000000000"
	}
	return hex.EncodeToString(buf[:])
}
