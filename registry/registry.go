// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the relay's directory of live signaling
// connections: which home server instances are currently reachable,
// and through which channel handle.
//
// Entries are process-lifetime-scoped. The registry holds a
// back-reference to each connection's handle but never owns its
// lifecycle: the signaling session registers itself on handshake and
// unregisters on its own termination. Registering does not validate
// that the handle is alive.
package registry

import (
	"sync"
	"time"

	"github.com/dwongdev/mydia-sub014/lib/clock"
)

// Handle is the live signaling channel for a registered instance. The
// relay's websocket connection implements it; tests use stubs.
type Handle interface {
	// Send delivers one encoded signaling message to the connection.
	Send(payload []byte) error

	// Close tears the connection down. The owning session's
	// termination path is responsible for unregistering.
	Close() error
}

// Entry is one registered instance.
type Entry struct {
	InstanceID   string
	Handle       Handle
	Metadata     map[string]string
	RegisteredAt time.Time
}

// Registry maps instance IDs to live connection entries. Safe for
// heavy concurrent registration and lookup from independent
// connections; per-key operations are atomic, cross-key ordering is
// not guaranteed.
type Registry struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry. A nil clock means the real clock.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock:   clk,
		entries: make(map[string]Entry),
	}
}

// Register inserts or overwrites the entry for instanceID. Last writer
// wins: a reconnecting instance simply replaces its stale entry.
func (r *Registry) Register(instanceID string, handle Handle, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[instanceID] = Entry{
		InstanceID:   instanceID,
		Handle:       handle,
		Metadata:     metadata,
		RegisteredAt: r.clock.Now(),
	}
}

// Lookup returns the handle and metadata for instanceID.
func (r *Registry) Lookup(instanceID string) (Handle, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[instanceID]
	if !ok {
		return nil, nil, false
	}
	return entry.Handle, entry.Metadata, true
}

// Handle returns just the channel handle for instanceID.
func (r *Registry) Handle(instanceID string) (Handle, bool) {
	handle, _, ok := r.Lookup(instanceID)
	return handle, ok
}

// Online reports whether instanceID has a registered connection.
func (r *Registry) Online(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[instanceID]
	return ok
}

// Unregister removes the entry for instanceID. Idempotent; removing an
// absent instance is not an error.
func (r *Registry) Unregister(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, instanceID)
}

// ListOnline returns a snapshot of all registered entries. Full scan;
// meant for admin and monitoring surfaces, not the request hot path.
func (r *Registry) ListOnline() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
