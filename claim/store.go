// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package claim

import (
	"context"
	"time"
)

// Resolution is the read-only answer to "what does this code mean":
// the derived rendezvous namespace, when the claim dies, and where to
// meet. Resolving neither locks nor consumes.
type Resolution struct {
	Namespace        string
	ExpiresAt        time.Time
	RendezvousPoints []string
}

// Store persists claims. The relay is the only writer; a horizontally
// scaled deployment shares one store, so Lock must be a storage-layer
// conditional update, not an in-process mutex.
type Store interface {
	// Create persists a new claim for the instance with a freshly
	// generated code. ttl <= 0 means DefaultTTL. A code-uniqueness
	// collision is retried internally with a new code, never surfaced.
	Create(ctx context.Context, instanceID string, ttl time.Duration) (*Claim, error)

	// Resolve looks up a code without locking or consuming it. Check
	// order is fixed: ErrNotFound, then ErrAlreadyConsumed, then
	// ErrExpired. A consumed claim is never reported as merely
	// expired, because the user remediation differs.
	Resolve(ctx context.Context, code string) (*Resolution, error)

	// Lock atomically reserves the claim for one redemption attempt.
	// Exactly one concurrent caller succeeds; the rest get ErrLocked
	// until the lock expires. Errors follow the Resolve taxonomy plus
	// ErrLocked.
	Lock(ctx context.Context, code string) (*Claim, error)

	// Consume permanently spends the claim, recording the redeeming
	// device. Reachable only after a successful Lock in the intended
	// flow; a later Resolve or Lock observes ErrAlreadyConsumed.
	Consume(ctx context.Context, instanceID, claimID, deviceID string) (*Claim, error)

	// Get returns the claim row for a code, or ErrNotFound. Used by
	// admin surfaces and tests; no state checks applied.
	Get(ctx context.Context, code string) (*Claim, error)
}
