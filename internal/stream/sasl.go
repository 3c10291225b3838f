// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"encoding/base64"
	"errors"
)

// errMalformedPlain is returned when a PLAIN SASL initial response does
// not contain the three NUL-separated fields RFC 4616 requires.
var errMalformedPlain = errors.New("stream: malformed PLAIN response")

// decodePlain decodes a base64 PLAIN initial response of the form
// authzid\0authcid\0passwd (RFC 4616 §2) into its authentication
// identity and password. authzid is accepted but ignored: this server
// does not support authenticating as one identity and acting as
// another.
func decodePlain(b64 string) (authcid, passwd string, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", err
	}
	parts := bytes.SplitN(raw, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", errMalformedPlain
	}
	return string(parts[1]), string(parts[2]), nil
}

// DecodePlain is decodePlain exported for other transports (bosh) that
// also terminate SASL PLAIN inline rather than over a raw stream.
func DecodePlain(b64 string) (authcid, passwd string, err error) {
	return decodePlain(b64)
}
