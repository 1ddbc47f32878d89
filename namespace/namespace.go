// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package namespace derives the rendezvous identifier two parties
// compute independently from a shared claim code.
//
// The derivation is a keyed BLAKE3 digest of (code, epoch) where epoch
// is the current Unix hour. Both ends of a pairing attempt, the player
// holding the code and the relay holding the claim row, produce
// byte-identical namespaces without a round trip. Because the epoch
// rolls hourly and validation accepts only the current and previous
// epoch, an observed namespace string stops being useful within one to
// two hours.
//
// All functions are pure. Malformed input and stale epochs both simply
// fail validation; there is no error taxonomy here so the check leaks
// nothing about why a candidate was rejected.
package namespace

import (
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Prefix precedes the hex token in every namespace string.
const Prefix = "mydia-claim:"

// epochSeconds is the width of one epoch bucket.
const epochSeconds = 3600

// derivationKey is the fixed BLAKE3 key for namespace derivation. It is
// a public constant, not a secret: the one-way property of the digest
// is what prevents recovering the claim code from an observed
// namespace. The ASCII encoding keeps the key inspectable in hex dumps.
// Changing it invalidates every in-flight namespace.
var derivationKey = [32]byte{
	'm', 'y', 'd', 'i', 'a', '.', 'c', 'l', 'a', 'i', 'm', '.',
	'n', 'a', 'm', 'e', 's', 'p', 'a', 'c', 'e', '.', 'v', '1',
	0, 0, 0, 0, 0, 0, 0, 0,
}

// Epoch returns the epoch bucket containing the given time.
func Epoch(now time.Time) int64 {
	return now.Unix() / epochSeconds
}

// DeriveToken computes the hex-encoded keyed digest of (code, epoch).
// Identical inputs produce identical output in every process.
func DeriveToken(code string, epoch int64) string {
	hasher, err := blake3.NewKeyed(derivationKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length; the key is a
		// 32-byte constant.
		panic("namespace: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(code))
	hasher.Write([]byte{':'})
	hasher.Write([]byte(strconv.FormatInt(epoch, 10)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// DeriveAt formats the full namespace string for the epoch containing
// now.
func DeriveAt(code string, now time.Time) string {
	return Prefix + DeriveToken(code, Epoch(now))
}

// Derive formats the full namespace string for the current epoch.
func Derive(code string) string {
	return DeriveAt(code, time.Now())
}

// ValidAt reports whether candidate is a well-formed namespace for code
// at the current or immediately preceding epoch relative to now.
// Anything older, any wrong prefix, and any non-hex token fail.
func ValidAt(code, candidate string, now time.Time) bool {
	token, ok := strings.CutPrefix(candidate, Prefix)
	if !ok {
		return false
	}
	raw, err := hex.DecodeString(token)
	if err != nil {
		return false
	}

	epoch := Epoch(now)
	for _, e := range []int64{epoch, epoch - 1} {
		expected, err := hex.DecodeString(DeriveToken(code, e))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare(raw, expected) == 1 {
			return true
		}
	}
	return false
}

// Valid is ValidAt against the current wall clock.
func Valid(code, candidate string) bool {
	return ValidAt(code, candidate, time.Now())
}

// WellFormed reports whether candidate has the shape of a derived
// namespace: the prefix followed by a full-length hex token. A relay
// forwarding between parties cannot recompute the derivation (it does
// not see the code at forward time) but can still refuse junk.
func WellFormed(candidate string) bool {
	token, ok := strings.CutPrefix(candidate, Prefix)
	if !ok {
		return false
	}
	raw, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	return len(raw) == 32
}
