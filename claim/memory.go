// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package claim

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/namespace"
)

// MemoryStore is an in-process Store for tests and single-binary
// embedded deployments. The mutex gives it the same per-claim lock
// exclusivity the SQLite store gets from its conditional update.
type MemoryStore struct {
	clock      clock.Clock
	ttl        time.Duration
	lockTTL    time.Duration
	rendezvous []string

	mu     sync.Mutex
	byCode map[string]*Claim
	byID   map[string]*Claim
}

var _ Store = (*MemoryStore)(nil)

// MemoryStoreConfig holds the parameters for NewMemoryStore.
type MemoryStoreConfig struct {
	// Clock provides the current time. Nil means the real clock.
	Clock clock.Clock

	// TTL is the claim lifetime applied when Create receives a zero
	// TTL. Zero means DefaultTTL.
	TTL time.Duration

	// LockTTL is the redemption lock window. Zero means
	// DefaultLockTTL.
	LockTTL time.Duration

	// RendezvousPoints are returned verbatim from Resolve: relay/ICE
	// hints for the pairing parties.
	RendezvousPoints []string
}

// NewMemoryStore creates an empty in-memory claim store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &MemoryStore{
		clock:      cfg.Clock,
		ttl:        cfg.TTL,
		lockTTL:    cfg.LockTTL,
		rendezvous: cfg.RendezvousPoints,
		byCode:     make(map[string]*Claim),
		byID:       make(map[string]*Claim),
	}
}

// Create persists a new claim with a freshly generated code.
func (s *MemoryStore) Create(_ context.Context, instanceID string, ttl time.Duration) (*Claim, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Retry on the astronomically rare code collision rather than
	// surfacing it.
	var code string
	for {
		generated, err := GenerateCode(DefaultCodeLength)
		if err != nil {
			return nil, err
		}
		if _, exists := s.byCode[generated]; !exists {
			code = generated
			break
		}
	}

	now := s.clock.Now()
	created := &Claim{
		ID:         uuid.NewString(),
		Code:       code,
		InstanceID: instanceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	s.byCode[code] = created
	s.byID[created.ID] = created
	return copyClaim(created), nil
}

// Resolve looks up a code read-only. Check order: not found, consumed,
// expired.
func (s *MemoryStore) Resolve(_ context.Context, code string) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.clock.Now()
	if stored.Consumed() {
		return nil, ErrAlreadyConsumed
	}
	if stored.Expired(now) {
		return nil, ErrExpired
	}
	return &Resolution{
		Namespace:        namespace.DeriveAt(code, now),
		ExpiresAt:        stored.ExpiresAt,
		RendezvousPoints: s.rendezvous,
	}, nil
}

// Lock reserves the claim for one redemption attempt.
func (s *MemoryStore) Lock(_ context.Context, code string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.clock.Now()
	if stored.Consumed() {
		return nil, ErrAlreadyConsumed
	}
	if stored.Expired(now) {
		return nil, ErrExpired
	}
	if stored.Locked(now) {
		return nil, ErrLocked
	}

	stored.LockedAt = now
	stored.LockExpiresAt = now.Add(s.lockTTL)
	return copyClaim(stored), nil
}

// Consume permanently spends the claim.
func (s *MemoryStore) Consume(_ context.Context, instanceID, claimID, deviceID string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[claimID]
	if !ok || stored.InstanceID != instanceID {
		return nil, ErrNotFound
	}
	if stored.Consumed() {
		return nil, ErrAlreadyConsumed
	}

	stored.ConsumedAt = s.clock.Now()
	stored.DeviceID = deviceID
	return copyClaim(stored), nil
}

// Get returns the raw claim row for a code.
func (s *MemoryStore) Get(_ context.Context, code string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return copyClaim(stored), nil
}

// ExpireLock forces a claim's lock window into the past. Test hook for
// exercising lock re-acquisition after an abandoned attempt.
func (s *MemoryStore) ExpireLock(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.byCode[code]; ok && !stored.LockedAt.IsZero() {
		stored.LockExpiresAt = s.clock.Now().Add(-time.Second)
	}
}

func copyClaim(c *Claim) *Claim {
	duplicate := *c
	return &duplicate
}
