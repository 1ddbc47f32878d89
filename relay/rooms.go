// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync"

// roomBacklog bounds how many messages a rendezvous room holds for a
// party that has not arrived yet. An SDP offer plus a burst of ICE
// candidates fits comfortably; an abusive sender hits the cap and
// loses the oldest.
const roomBacklog = 64

// rendezvous tracks the namespaces peers are currently meeting in.
// Each room exists only while it has members or backlog; rooms are
// created on first use and removed when the last member leaves.
type rendezvous struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	members map[*conn]bool
	backlog [][]byte
}

func newRendezvous() *rendezvous {
	return &rendezvous{rooms: make(map[string]*room)}
}

// deliver forwards payload to every member of the namespace except the
// sender. When the sender is alone the payload is buffered so the
// other party receives it on arrival. Returns the targets to send to;
// sending happens outside the lock.
func (r *rendezvous) deliver(namespace string, sender *conn, payload []byte) []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[namespace]
	if !ok {
		current = &room{members: make(map[*conn]bool)}
		r.rooms[namespace] = current
	}
	current.members[sender] = true
	sender.joinRoom(namespace)

	var targets []*conn
	for member := range current.members {
		if member != sender {
			targets = append(targets, member)
		}
	}
	if len(targets) == 0 {
		current.backlog = append(current.backlog, payload)
		if len(current.backlog) > roomBacklog {
			current.backlog = current.backlog[len(current.backlog)-roomBacklog:]
		}
	}
	return targets
}

// join adds a connection to a namespace room and returns any backlog
// buffered before it arrived. The backlog is cleared: each stored
// message is delivered once.
func (r *rendezvous) join(namespace string, member *conn) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[namespace]
	if !ok {
		current = &room{members: make(map[*conn]bool)}
		r.rooms[namespace] = current
	}
	alreadyMember := current.members[member]
	current.members[member] = true
	member.joinRoom(namespace)

	if alreadyMember {
		return nil
	}
	backlog := current.backlog
	current.backlog = nil
	return backlog
}

// leave removes a connection from one namespace room, deleting the
// room when it empties.
func (r *rendezvous) leave(namespace string, member *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[namespace]
	if !ok {
		return
	}
	delete(current.members, member)
	if len(current.members) == 0 {
		delete(r.rooms, namespace)
	}
}

// count returns the number of live rooms.
func (r *rendezvous) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
