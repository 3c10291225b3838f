// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FileChecker is the file-backed password provider (mod_auth.cpp's
// FileBackend), except the file holds precomputed HA1 digests rather
// than plaintext passwords: one "user@domain:hexha1" line per account.
// Lines starting with '#' and blank lines are ignored.
type FileChecker struct {
	path string

	mu      sync.RWMutex
	entries map[string][16]byte
}

// NewFileChecker loads path and returns a FileChecker over its contents.
func NewFileChecker(path string) (*FileChecker, error) {
	c := &FileChecker{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file, replacing the in-memory table
// atomically. Call it on SIGHUP to pick up edits without a restart.
func (c *FileChecker) Reload() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("auth: open %s: %w", c.path, err)
	}
	defer f.Close()

	entries := make(map[string][16]byte)
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, hexDigest, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("auth: %s:%d: expected user@domain:hexha1", c.path, lineNo)
		}
		raw, err := hex.DecodeString(hexDigest)
		if err != nil || len(raw) != 16 {
			return fmt.Errorf("auth: %s:%d: bad HA1 digest", c.path, lineNo)
		}
		var digest [16]byte
		copy(digest[:], raw)
		entries[key] = digest
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("auth: reading %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// HA1 implements Checker.
func (c *FileChecker) HA1(_ context.Context, username, domain string) ([]byte, error) {
	c.mu.RLock()
	digest, ok := c.entries[username+"@"+domain]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoSuchUser
	}
	out := make([]byte, 16)
	copy(out, digest[:])
	return out, nil
}

// CheckPassword implements Checker by hashing password and comparing
// against the stored digest, since the file never holds plaintext.
func (c *FileChecker) CheckPassword(ctx context.Context, username, domain, password string) error {
	return checkPasswordViaHA1(ctx, c, username, domain, password)
}
