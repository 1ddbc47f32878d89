// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/lib/sqlitepool"
	"github.com/dwongdev/mydia-sub014/namespace"
)

// Schema is the claim table definition, applied via the pool's
// OnConnect hook. Timestamps are Unix milliseconds; NULL means unset.
const Schema = `
CREATE TABLE IF NOT EXISTS claims (
	id              TEXT PRIMARY KEY,
	code            TEXT NOT NULL UNIQUE,
	instance_id     TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	locked_at       INTEGER,
	lock_expires_at INTEGER,
	consumed_at     INTEGER,
	device_id       TEXT
);
CREATE INDEX IF NOT EXISTS claims_instance ON claims(instance_id);
`

// createRetries bounds code-collision retries on insert. At 32^8
// combinations a single retry is already extraordinary.
const createRetries = 5

// SQLiteStore is the durable claim store. The redemption lock is a
// conditional UPDATE whose WHERE clause re-states the Lockable
// predicate, decided by affected-row count, so two relay nodes sharing
// the database cannot both win.
type SQLiteStore struct {
	pool       *sqlitepool.Pool
	clock      clock.Clock
	ttl        time.Duration
	lockTTL    time.Duration
	rendezvous []string
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStoreConfig holds the parameters for NewSQLiteStore.
type SQLiteStoreConfig struct {
	// Pool is the connection pool. Its OnConnect hook must have
	// applied Schema. Required.
	Pool *sqlitepool.Pool

	// Clock provides the current time. Nil means the real clock.
	Clock clock.Clock

	// TTL is the claim lifetime applied when Create receives a zero
	// TTL. Zero means DefaultTTL.
	TTL time.Duration

	// LockTTL is the redemption lock window. Zero means
	// DefaultLockTTL.
	LockTTL time.Duration

	// RendezvousPoints are returned verbatim from Resolve.
	RendezvousPoints []string
}

// NewSQLiteStore creates a claim store over an open pool.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("claim: SQLiteStoreConfig.Pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &SQLiteStore{
		pool:       cfg.Pool,
		clock:      cfg.Clock,
		ttl:        cfg.TTL,
		lockTTL:    cfg.LockTTL,
		rendezvous: cfg.RendezvousPoints,
	}, nil
}

// Create persists a new claim, retrying on the rare code collision.
func (s *SQLiteStore) Create(ctx context.Context, instanceID string, ttl time.Duration) (*Claim, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	for attempt := 0; attempt < createRetries; attempt++ {
		code, err := GenerateCode(DefaultCodeLength)
		if err != nil {
			return nil, err
		}

		created := &Claim{
			ID:         uuid.NewString(),
			Code:       code,
			InstanceID: instanceID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO claims (id, code, instance_id, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					created.ID, created.Code, created.InstanceID,
					created.CreatedAt.UnixMilli(), created.ExpiresAt.UnixMilli(),
				},
			})
		if err == nil {
			return created, nil
		}
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			continue
		}
		return nil, fmt.Errorf("claim: inserting claim: %w", err)
	}
	return nil, fmt.Errorf("claim: %d consecutive code collisions, giving up", createRetries)
}

// Resolve looks up a code read-only. Check order: not found, consumed,
// expired.
func (s *SQLiteStore) Resolve(ctx context.Context, code string) (*Resolution, error) {
	stored, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
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

// Lock reserves the claim via a single conditional UPDATE. The WHERE
// clause encodes Lockable; the affected-row count decides the winner
// under concurrency, so there is no read-then-write window.
func (s *SQLiteStore) Lock(ctx context.Context, code string) (*Claim, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	now := s.clock.Now()
	nowMillis := now.UnixMilli()

	err = sqlitex.Execute(conn,
		`UPDATE claims
		 SET locked_at = ?, lock_expires_at = ?
		 WHERE code = ?
		   AND consumed_at IS NULL
		   AND expires_at > ?
		   AND (locked_at IS NULL OR lock_expires_at <= ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				nowMillis, now.Add(s.lockTTL).UnixMilli(),
				code, nowMillis, nowMillis,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("claim: locking claim: %w", err)
	}

	if conn.Changes() == 1 {
		return s.getOnConn(conn, code)
	}

	// Lost the conditional update. Classify why from the current row;
	// losing the race is an ordinary outcome, not an exception.
	stored, err := s.getOnConn(conn, code)
	if err != nil {
		return nil, err
	}
	switch {
	case stored.Consumed():
		return nil, ErrAlreadyConsumed
	case stored.Expired(now):
		return nil, ErrExpired
	default:
		return nil, ErrLocked
	}
}

// Consume permanently spends the claim. Conditional on consumed_at
// still being NULL so a double consume never double-grants.
func (s *SQLiteStore) Consume(ctx context.Context, instanceID, claimID, deviceID string) (*Claim, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE claims SET consumed_at = ?, device_id = ?
		 WHERE id = ? AND instance_id = ? AND consumed_at IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), deviceID, claimID, instanceID},
		})
	if err != nil {
		return nil, fmt.Errorf("claim: consuming claim: %w", err)
	}

	stored, err := s.getByIDOnConn(conn, claimID)
	if err != nil {
		return nil, err
	}
	if stored.InstanceID != instanceID {
		return nil, ErrNotFound
	}
	if conn.Changes() == 0 && stored.Consumed() {
		return nil, ErrAlreadyConsumed
	}
	return stored, nil
}

// Get returns the raw claim row for a code.
func (s *SQLiteStore) Get(ctx context.Context, code string) (*Claim, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.getOnConn(conn, code)
}

// ExpireLock forces a claim's lock window into the past. Test hook for
// exercising lock re-acquisition after an abandoned attempt.
func (s *SQLiteStore) ExpireLock(ctx context.Context, code string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE claims SET lock_expires_at = ? WHERE code = ? AND locked_at IS NOT NULL`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().Add(-time.Second).UnixMilli(), code},
		})
}

const claimColumns = `id, code, instance_id, created_at, expires_at,
	IFNULL(locked_at, 0), IFNULL(lock_expires_at, 0),
	IFNULL(consumed_at, 0), IFNULL(device_id, '')`

func (s *SQLiteStore) getOnConn(conn *sqlite.Conn, code string) (*Claim, error) {
	return s.queryOne(conn,
		`SELECT `+claimColumns+` FROM claims WHERE code = ?`, code)
}

func (s *SQLiteStore) getByIDOnConn(conn *sqlite.Conn, id string) (*Claim, error) {
	return s.queryOne(conn,
		`SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
}

func (s *SQLiteStore) queryOne(conn *sqlite.Conn, query, arg string) (*Claim, error) {
	var found *Claim
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = &Claim{
				ID:         stmt.ColumnText(0),
				Code:       stmt.ColumnText(1),
				InstanceID: stmt.ColumnText(2),
				CreatedAt:  millisTime(stmt.ColumnInt64(3)),
				ExpiresAt:  millisTime(stmt.ColumnInt64(4)),
				DeviceID:   stmt.ColumnText(8),
			}
			found.LockedAt = millisTime(stmt.ColumnInt64(5))
			found.LockExpiresAt = millisTime(stmt.ColumnInt64(6))
			found.ConsumedAt = millisTime(stmt.ColumnInt64(7))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claim: querying claim: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// millisTime converts stored Unix milliseconds to a time.Time, mapping
// the 0 sentinel back to the zero value.
func millisTime(millis int64) time.Time {
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
