// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package pending correlates asynchronous request dispatch with
// asynchronous response arrival. A request goes out tagged with an ID;
// the response comes back on a different logical flow (a relayed
// signaling message, a data channel read loop) and must find its way
// to the goroutine that is waiting.
//
// The ledger also carries the disconnect cascade: when an instance's
// connection drops, FailAll delivers a distinguishable error to every
// waiter owned by that instance so nobody blocks on a connection that
// will never answer.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dwongdev/mydia-sub014/lib/clock"
)

// DefaultTimeout is the await window used when callers pass zero,
// matching the connection-level response timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned by AwaitResponse when no outcome arrives
	// in time. The entry is removed on the way out, so a late response
	// finds nothing to resolve and no-ops.
	ErrTimeout = errors.New("request timed out")

	// ErrDisconnected is the default FailAll outcome. Distinguishable
	// from an ordinary error response so callers can offer "reconnect"
	// rather than "retry request".
	ErrDisconnected = errors.New("tunnel disconnected")
)

// outcome is what a waiter receives: a response or an error, never
// both.
type outcome[T any] struct {
	response T
	err      error
}

type entry[T any] struct {
	instanceID string
	waiter     chan outcome[T]
}

// Ledger tracks in-flight requests keyed by request ID. T is the
// response payload type. Safe for heavy concurrent use; each entry's
// waiter channel is buffered so delivery never blocks the resolver.
type Ledger[T any] struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]entry[T]
}

// New creates an empty ledger. A nil clock means the real clock.
func New[T any](clk clock.Clock) *Ledger[T] {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger[T]{
		clock:   clk,
		entries: make(map[string]entry[T]),
	}
}

// Waiter is one registered in-flight request. Obtained from Register;
// redeemed with Wait. Registering first and sending the request after
// closes the window where a fast response could arrive before anyone
// is listening.
type Waiter[T any] struct {
	ledger    *Ledger[T]
	requestID string
	outcomes  chan outcome[T]
}

// Register records an in-flight request and returns its waiter.
// Request IDs are caller-generated and must be unique; registering an
// ID that is already present replaces the old entry (the displaced
// waiter is failed with ErrDisconnected so it cannot hang).
func (l *Ledger[T]) Register(instanceID, requestID string) *Waiter[T] {
	outcomes := make(chan outcome[T], 1)

	l.mu.Lock()
	if old, ok := l.entries[requestID]; ok {
		old.waiter <- outcome[T]{err: ErrDisconnected}
	}
	l.entries[requestID] = entry[T]{instanceID: instanceID, waiter: outcomes}
	l.mu.Unlock()

	return &Waiter[T]{ledger: l, requestID: requestID, outcomes: outcomes}
}

// Wait blocks until Resolve, Fail, or FailAll delivers an outcome, ctx
// is cancelled, or timeout elapses (zero means DefaultTimeout). On
// timeout or cancellation it removes its own entry, preferring a real
// outcome that raced in just before removal.
func (w *Waiter[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	select {
	case result := <-w.outcomes:
		return result.response, result.err
	case <-w.ledger.clock.After(timeout):
		return w.ledger.abandon(w.requestID, w.outcomes, ErrTimeout)
	case <-ctx.Done():
		return w.ledger.abandon(w.requestID, w.outcomes, ctx.Err())
	}
}

// Lookup returns the owning instance for a pending request ID.
func (l *Ledger[T]) Lookup(requestID string) (instanceID string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	found, ok := l.entries[requestID]
	if !ok {
		return "", false
	}
	return found.instanceID, true
}

// Resolve delivers response to the registered waiter and removes the
// entry. Returns false if no entry exists (already resolved, timed
// out and self-cleaned, or never registered). Races between timeout and
// a late response are expected; callers must treat false as benign.
func (l *Ledger[T]) Resolve(requestID string, response T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	found, ok := l.entries[requestID]
	if !ok {
		return false
	}
	delete(l.entries, requestID)
	found.waiter <- outcome[T]{response: response}
	return true
}

// Fail delivers an error to the registered waiter and removes the
// entry. Same absent-ID semantics as Resolve.
func (l *Ledger[T]) Fail(requestID string, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	found, ok := l.entries[requestID]
	if !ok {
		return false
	}
	delete(l.entries, requestID)
	found.waiter <- outcome[T]{err: err}
	return true
}

// Delete removes an entry without notifying its waiter. Used by the
// timeout path after it has already synthesized its own outcome.
// Deleting an absent ID is a no-op.
func (l *Ledger[T]) Delete(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, requestID)
}

// FailAll fails every pending request owned by instanceID with err
// (ErrDisconnected if nil) and returns the count. Entries for other
// instances are untouched. Invoked by the signaling session's
// termination path for every instance it was serving.
func (l *Ledger[T]) FailAll(instanceID string, err error) int {
	if err == nil {
		err = ErrDisconnected
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	failed := 0
	for requestID, found := range l.entries {
		if found.instanceID != instanceID {
			continue
		}
		delete(l.entries, requestID)
		found.waiter <- outcome[T]{err: err}
		failed++
	}
	return failed
}

// AwaitResponse is Register followed by Wait, for callers that have
// already dispatched the request.
func (l *Ledger[T]) AwaitResponse(ctx context.Context, instanceID, requestID string, timeout time.Duration) (T, error) {
	return l.Register(instanceID, requestID).Wait(ctx, timeout)
}

// abandon removes the caller's entry and returns err, unless an
// outcome won the race and is already sitting in the buffered waiter,
// in which case that outcome wins.
func (l *Ledger[T]) abandon(requestID string, waiter <-chan outcome[T], err error) (T, error) {
	l.Delete(requestID)
	select {
	case result := <-waiter:
		return result.response, result.err
	default:
		var zero T
		return zero, err
	}
}

// Count returns the number of pending entries.
func (l *Ledger[T]) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// CountForInstance returns the number of pending entries owned by
// instanceID.
func (l *Ledger[T]) CountForInstance(instanceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, found := range l.entries {
		if found.instanceID == instanceID {
			count++
		}
	}
	return count
}

// ListForInstance returns a snapshot of request IDs owned by
// instanceID. Observability surface; snapshot consistency only.
func (l *Ledger[T]) ListForInstance(instanceID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for requestID, found := range l.entries {
		if found.instanceID == instanceID {
			ids = append(ids, requestID)
		}
	}
	return ids
}
