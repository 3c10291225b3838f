// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth implements the password provider contract (spec.md §6):
// resolving either a plaintext-password check or a long-term-credential
// HA1 digest for a username in a domain, against one of three concrete
// backends (file, HTTP, SQL), mirroring the backend selection in
// mod_auth.cpp's XmppPasswordChecker.
package auth // import "github.com/wifirst/xmppd/auth"

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrNoSuchUser is returned when the backend has no record for the given
// username/domain pair.
var ErrNoSuchUser = errors.New("auth: no such user")

// ErrTemporary is returned when the backend could not be reached or
// answer at all (network failure, unreadable file, SQL error), distinct
// from a confirmed authorization failure.
var ErrTemporary = errors.New("auth: temporary failure")

// Checker resolves credentials for SASL PLAIN (CheckPassword) and for
// SASL DIGEST-MD5/TURN long-term credentials (HA1). A given backend need
// not make both cheap: HTTPChecker round-trips on a cache miss, FileChecker and
// SQLChecker are in-memory/in-process lookups.
type Checker interface {
	// CheckPassword verifies that password is username@domain's current
	// plaintext password.
	CheckPassword(ctx context.Context, username, domain, password string) error
	// HA1 returns MD5("username:domain:password"), the digest used by
	// both SASL DIGEST-MD5 and TURN long-term credentials.
	HA1(ctx context.Context, username, domain string) ([]byte, error)
}

// ha1 computes the long-term-credential digest the same way every
// backend below needs to, whether it is hashing a plaintext password
// pulled from storage or verifying one handed to CheckPassword.
func ha1(username, domain, password string) [16]byte {
	return md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", username, domain, password)))
}

// checkPasswordViaHA1 is the shared CheckPassword body for backends that
// only know how to produce a reference HA1 (SQL, file): it hashes the
// candidate password the same way and compares digests, so a backend
// implementing HA1 gets CheckPassword for free.
func checkPasswordViaHA1(ctx context.Context, c Checker, username, domain, password string) error {
	want, err := c.HA1(ctx, username, domain)
	if err != nil {
		return err
	}
	got := ha1(username, domain, password)
	if len(want) != 16 || subtle.ConstantTimeCompare(got[:], want) != 1 {
		return ErrNoSuchUser
	}
	return nil
}
