// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/unicode/precis"
)

// ErrInvalidUTF8 is returned by Validate when a part is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("jid: part is not valid UTF-8")

// Validate enforces RFC 7622 §3.2's PRECIS profiles on a candidate
// localpart/resourcepart pair read off the wire (SASL authcid, resource
// binding), the way the teacher's SafeJID constructor does, without
// touching Parse/Equal's byte-for-byte comparison semantics used
// everywhere else in this module.
//
// It returns the canonicalized local/resource parts on success. An empty
// resourcepart is passed through unchanged (the caller is expected to
// generate one).
func Validate(local, resource string) (string, string, error) {
	if !utf8.ValidString(local) || !utf8.ValidString(resource) {
		return "", "", ErrInvalidUTF8
	}

	var err error
	if local != "" {
		local, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return "", "", err
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return "", "", err
		}
	}
	return local, resource, nil
}
