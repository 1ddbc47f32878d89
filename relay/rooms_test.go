// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"testing"
)

func bareConn() *conn {
	return &conn{rooms: make(map[string]bool)}
}

func TestDeliverForwardsToOtherMembers(t *testing.T) {
	rooms := newRendezvous()
	a, b := bareConn(), bareConn()

	rooms.join("mydia-claim:ns1", b)

	targets := rooms.deliver("mydia-claim:ns1", a, []byte("offer"))
	if len(targets) != 1 || targets[0] != b {
		t.Fatalf("targets = %v, want [b]", targets)
	}
}

func TestDeliverExcludesSender(t *testing.T) {
	rooms := newRendezvous()
	a := bareConn()

	targets := rooms.deliver("mydia-claim:ns1", a, []byte("offer"))
	if len(targets) != 0 {
		t.Fatalf("lone sender got targets %v", targets)
	}
}

func TestBacklogDeliveredOnJoin(t *testing.T) {
	rooms := newRendezvous()
	a, b := bareConn(), bareConn()

	rooms.deliver("mydia-claim:ns1", a, []byte("offer"))
	rooms.deliver("mydia-claim:ns1", a, []byte("candidate"))

	backlog := rooms.join("mydia-claim:ns1", b)
	if len(backlog) != 2 || !bytes.Equal(backlog[0], []byte("offer")) {
		t.Fatalf("backlog = %q", backlog)
	}

	// Backlog is delivered once.
	if again := rooms.join("mydia-claim:ns1", b); len(again) != 0 {
		t.Errorf("rejoin returned backlog %q", again)
	}
}

func TestBacklogBounded(t *testing.T) {
	rooms := newRendezvous()
	a, b := bareConn(), bareConn()

	for i := 0; i < roomBacklog*2; i++ {
		rooms.deliver("mydia-claim:ns1", a, []byte{byte(i)})
	}

	backlog := rooms.join("mydia-claim:ns1", b)
	if len(backlog) != roomBacklog {
		t.Fatalf("backlog length = %d, want %d", len(backlog), roomBacklog)
	}
	// The oldest messages are the ones dropped.
	if backlog[len(backlog)-1][0] != byte(roomBacklog*2-1) {
		t.Errorf("newest retained byte = %d", backlog[len(backlog)-1][0])
	}
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	rooms := newRendezvous()
	a, b := bareConn(), bareConn()

	rooms.join("mydia-claim:ns1", a)
	rooms.join("mydia-claim:ns1", b)
	if rooms.count() != 1 {
		t.Fatalf("room count = %d, want 1", rooms.count())
	}

	rooms.leave("mydia-claim:ns1", a)
	if rooms.count() != 1 {
		t.Errorf("room removed while b is still a member")
	}
	rooms.leave("mydia-claim:ns1", b)
	if rooms.count() != 0 {
		t.Errorf("empty room retained")
	}

	// Leaving an unknown room is a no-op.
	rooms.leave("mydia-claim:gone", a)
}
