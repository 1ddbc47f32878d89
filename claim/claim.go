// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package claim implements single-use pairing claims: short
// human-shareable codes that gate relay-mediated pairing between a new
// player device and a home server.
//
// A claim moves from usable to locked to consumed, or simply ages out.
// The lock is a short reservation window that serializes redemption
// attempts: exactly one caller wins the lock for a given claim at a
// time, and an abandoned lock expires on its own so a crashed
// redemption never strands the claim.
package claim

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// Alphabet is the 32-symbol claim code alphabet. It excludes the
// visually ambiguous 0/O and 1/I so codes survive being read aloud or
// typed from a TV screen.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultCodeLength is the code length used when callers pass zero.
const DefaultCodeLength = 8

// DefaultTTL is the claim lifetime used when callers pass zero.
const DefaultTTL = 10 * time.Minute

// DefaultLockTTL is the redemption lock window: long enough for one
// WebRTC offer round-trip, short enough that an abandoned attempt
// frees the claim quickly.
const DefaultLockTTL = 30 * time.Second

// Claim errors. All are request-scoped and map to distinct user-facing
// remediation: for not found, re-check the code; for expired, generate
// a new one; for consumed, the code was already used on another device;
// for locked, someone else is mid-pairing, try again shortly.
var (
	ErrNotFound        = errors.New("claim not found")
	ErrExpired         = errors.New("claim expired")
	ErrAlreadyConsumed = errors.New("claim already consumed")
	ErrLocked          = errors.New("claim locked")
)

// Claim is a single-use pairing invitation. Zero time values mean
// "unset".
type Claim struct {
	ID         string
	Code       string
	InstanceID string

	CreatedAt time.Time
	ExpiresAt time.Time

	// LockedAt / LockExpiresAt mark the reservation window during
	// which exactly one redemption attempt may proceed.
	LockedAt      time.Time
	LockExpiresAt time.Time

	// ConsumedAt, once set, permanently spends the claim. DeviceID
	// records which device redeemed it.
	ConsumedAt time.Time
	DeviceID   string
}

// Expired reports whether the claim's lifetime has passed.
func (c *Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Consumed reports whether the claim has been spent.
func (c *Claim) Consumed() bool {
	return !c.ConsumedAt.IsZero()
}

// Valid reports whether the claim is still usable: not consumed and
// not expired.
func (c *Claim) Valid(now time.Time) bool {
	return !c.Consumed() && !c.Expired(now)
}

// Locked reports whether an unexpired redemption lock is held.
func (c *Claim) Locked(now time.Time) bool {
	return !c.LockedAt.IsZero() && c.LockExpiresAt.After(now)
}

// Lockable reports whether a redemption attempt may take the lock:
// the claim is usable and no live lock is held. These predicates must
// agree with the storage-layer conditional update: the SQLite store's
// WHERE clause encodes exactly this logic.
func (c *Claim) Lockable(now time.Time) bool {
	return c.Valid(now) && !c.Locked(now)
}

// NormalizeCode canonicalizes user-entered codes: uppercased, with
// spaces and hyphens stripped. Codes are displayed in this canonical
// form, so normalization makes hand-typed input match.
func NormalizeCode(code string) string {
	normalized := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == ' ' || c == '-':
		case c >= 'a' && c <= 'z':
			normalized = append(normalized, c-'a'+'A')
		default:
			normalized = append(normalized, c)
		}
	}
	return string(normalized)
}

// GenerateCode returns a cryptographically random code of the given
// length drawn uniformly from Alphabet. length <= 0 means
// DefaultCodeLength.
//
// Codes gate network access, so this uses crypto/rand. The 32-symbol
// alphabet divides 256 evenly, so a plain modulo keeps the
// per-character distribution uniform with no rejection sampling.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("claim: reading random bytes: %w", err)
	}

	code := make([]byte, length)
	for i, b := range buffer {
		code[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(code), nil
}
