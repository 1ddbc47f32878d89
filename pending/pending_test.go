// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/lib/testutil"
)

func TestResolveDeliversAndRemoves(t *testing.T) {
	ledger := New[string](nil)

	waiter := ledger.Register("srv-1", "req-1")

	if instance, ok := ledger.Lookup("req-1"); !ok || instance != "srv-1" {
		t.Fatalf("Lookup = (%q, %v), want (srv-1, true)", instance, ok)
	}

	if !ledger.Resolve("req-1", "payload") {
		t.Fatal("Resolve of registered request returned false")
	}

	result := testutil.RequireReceive(t, waiter.outcomes, time.Second, "waiting for resolved outcome")
	if result.err != nil {
		t.Fatalf("outcome error = %v", result.err)
	}
	if result.response != "payload" {
		t.Errorf("response = %q, want %q", result.response, "payload")
	}

	if _, ok := ledger.Lookup("req-1"); ok {
		t.Error("entry still present after Resolve")
	}
	if ledger.Resolve("req-1", "again") {
		t.Error("second Resolve reported success for an absent entry")
	}
}

func TestDeleteIsSilent(t *testing.T) {
	ledger := New[string](nil)

	waiter := ledger.Register("srv-1", "req-1")
	ledger.Delete("req-1")

	select {
	case result := <-waiter.outcomes:
		t.Errorf("Delete notified the waiter: %+v", result)
	default:
	}

	// Absent ID is a no-op.
	ledger.Delete("req-404")
}

func TestFailAllScopedToInstance(t *testing.T) {
	ledger := New[string](nil)
	failure := errors.New("connection dropped")

	waiterA1 := ledger.Register("A", "req-a1")
	waiterA2 := ledger.Register("A", "req-a2")
	waiterB := ledger.Register("B", "req-b1")

	if got := ledger.FailAll("A", failure); got != 2 {
		t.Errorf("FailAll count = %d, want 2", got)
	}

	for _, waiter := range []*Waiter[string]{waiterA1, waiterA2} {
		result := testutil.RequireReceive(t, waiter.outcomes, time.Second, "failed A waiter")
		if !errors.Is(result.err, failure) {
			t.Errorf("A waiter error = %v, want %v", result.err, failure)
		}
	}

	// B is untouched and still resolvable.
	if ledger.CountForInstance("B") != 1 {
		t.Errorf("CountForInstance(B) = %d, want 1", ledger.CountForInstance("B"))
	}
	if !ledger.Resolve("req-b1", "still alive") {
		t.Error("B request no longer resolvable after FailAll(A)")
	}
	result := testutil.RequireReceive(t, waiterB.outcomes, time.Second, "B outcome")
	if result.response != "still alive" {
		t.Errorf("B response = %q", result.response)
	}
}

func TestFailAllDefaultError(t *testing.T) {
	ledger := New[string](nil)
	waiter := ledger.Register("A", "req-1")
	ledger.FailAll("A", nil)

	result := testutil.RequireReceive(t, waiter.outcomes, time.Second, "failed waiter")
	if !errors.Is(result.err, ErrDisconnected) {
		t.Errorf("default FailAll error = %v, want ErrDisconnected", result.err)
	}
}

func TestAwaitResponseResolved(t *testing.T) {
	ledger := New[string](nil)

	go func() {
		// Wait for the entry to appear, then resolve it.
		for !ledger.Resolve("req-1", "answer") {
			time.Sleep(time.Millisecond)
		}
	}()

	response, err := ledger.AwaitResponse(context.Background(), "srv-1", "req-1", time.Second)
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if response != "answer" {
		t.Errorf("response = %q, want %q", response, "answer")
	}
}

func TestAwaitResponseTimeout(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	ledger := New[string](fake)

	done := make(chan error, 1)
	go func() {
		_, err := ledger.AwaitResponse(context.Background(), "srv-1", "req-1", 100*time.Millisecond)
		done <- err
	}()

	// Wait for the entry to register before advancing the clock.
	for ledger.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	fake.Advance(100 * time.Millisecond)

	err := testutil.RequireReceive(t, done, time.Second, "await outcome")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("AwaitResponse error = %v, want ErrTimeout", err)
	}

	// The timeout path cleans up its own entry, so a late response
	// no-ops.
	if _, ok := ledger.Lookup("req-1"); ok {
		t.Error("entry still present after timeout")
	}
	if ledger.Resolve("req-1", "late") {
		t.Error("late Resolve found an entry after timeout cleanup")
	}
}

func TestAwaitResponseDisconnect(t *testing.T) {
	ledger := New[string](nil)

	done := make(chan error, 1)
	go func() {
		_, err := ledger.AwaitResponse(context.Background(), "srv-1", "req-1", 5*time.Second)
		done <- err
	}()

	for ledger.CountForInstance("srv-1") == 0 {
		time.Sleep(time.Millisecond)
	}
	ledger.FailAll("srv-1", nil)

	err := testutil.RequireReceive(t, done, time.Second, "await outcome")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("AwaitResponse error = %v, want ErrDisconnected", err)
	}
}

func TestAwaitResponseContextCancel(t *testing.T) {
	ledger := New[string](nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := ledger.AwaitResponse(ctx, "srv-1", "req-1", 5*time.Second)
		done <- err
	}()

	for ledger.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := testutil.RequireReceive(t, done, time.Second, "await outcome")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("AwaitResponse error = %v, want context.Canceled", err)
	}
	if ledger.Count() != 0 {
		t.Error("entry leaked after cancellation")
	}
}

func TestListForInstance(t *testing.T) {
	ledger := New[string](nil)
	ledger.Register("A", "req-a1")
	ledger.Register("A", "req-a2")
	ledger.Register("B", "req-b1")

	ids := ledger.ListForInstance("A")
	if len(ids) != 2 {
		t.Fatalf("ListForInstance(A) = %v, want 2 entries", ids)
	}
	if ledger.Count() != 3 {
		t.Errorf("Count = %d, want 3", ledger.Count())
	}
}
