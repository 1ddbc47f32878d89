// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dwongdev/mydia-sub014/claim"
	"github.com/dwongdev/mydia-sub014/lib/testutil"
	"github.com/dwongdev/mydia-sub014/namespace"
	"github.com/dwongdev/mydia-sub014/pending"
	"github.com/dwongdev/mydia-sub014/signal"
	"github.com/dwongdev/mydia-sub014/tunnel"
)

// newTestRelay starts a relay over an in-memory claim store and
// returns its websocket URL.
func newTestRelay(t *testing.T) (*Server, string) {
	t.Helper()
	server, _, url := newTestRelayWithStore(t)
	return server, url
}

func newTestRelayWithStore(t *testing.T) (*Server, *claim.MemoryStore, string) {
	t.Helper()
	store := claim.NewMemoryStore(claim.MemoryStoreConfig{
		RendezvousPoints: []string{"wss://relay.test/signal"},
	})
	server := NewServer(ServerConfig{Claims: store})
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return server, store, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dialTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), ClientConfig{URL: url, RPCTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClaimLifecycleOverRelay(t *testing.T) {
	ctx := context.Background()
	_, url := newTestRelay(t)

	agent := dialTestClient(t, url)
	if err := agent.Register("srv-1", "pk", []string{"http://10.0.0.5:4000"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	created, err := agent.CreateClaim(ctx, 0)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	if len(created.Code) != claim.DefaultCodeLength {
		t.Errorf("code = %q", created.Code)
	}

	device := dialTestClient(t, url)
	resolved, err := device.ResolveClaim(ctx, created.Code)
	if err != nil {
		t.Fatalf("ResolveClaim: %v", err)
	}
	if !namespace.Valid(created.Code, resolved.Namespace) {
		t.Errorf("resolved namespace %q fails validation for code", resolved.Namespace)
	}
	if len(resolved.RendezvousPoints) != 1 {
		t.Errorf("rendezvous points = %v", resolved.RendezvousPoints)
	}

	// A concurrent second resolver is locked out.
	other := dialTestClient(t, url)
	_, err = other.ResolveClaim(ctx, created.Code)
	var remote *tunnel.RemoteError
	if !errors.As(err, &remote) || remote.Code != "locked" {
		t.Fatalf("second resolve = %v, want locked", err)
	}

	if err := agent.ConsumeClaim(ctx, created.ClaimID, "device-1"); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	// Spent claims answer already_consumed, never merely expired.
	_, err = other.ResolveClaim(ctx, created.Code)
	if !errors.As(err, &remote) || remote.Code != "already_consumed" {
		t.Fatalf("resolve after consume = %v, want already_consumed", err)
	}
}

func TestResolveUnknownCode(t *testing.T) {
	_, url := newTestRelay(t)
	device := dialTestClient(t, url)

	_, err := device.ResolveClaim(context.Background(), "WRONG234")
	var remote *tunnel.RemoteError
	if !errors.As(err, &remote) || remote.Code != "not_found" {
		t.Fatalf("ResolveClaim = %v, want not_found", err)
	}
}

func TestClaimCreateRequiresRegistration(t *testing.T) {
	_, url := newTestRelay(t)
	client := dialTestClient(t, url)

	_, err := client.CreateClaim(context.Background(), 0)
	var remote *tunnel.RemoteError
	if !errors.As(err, &remote) || remote.Code != "unregistered" {
		t.Fatalf("CreateClaim without registration = %v, want unregistered", err)
	}
}

func TestSignalForwarding(t *testing.T) {
	ctx := context.Background()
	_, url := newTestRelay(t)

	agent := dialTestClient(t, url)
	agentSignals := make(chan signal.Message, 16)
	agent.OnSignal(func(message signal.Message) { agentSignals <- message })
	if err := agent.Register("srv-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	created, err := agent.CreateClaim(ctx, 0)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}

	device := dialTestClient(t, url)
	deviceSignals := make(chan signal.Message, 16)
	device.OnSignal(func(message signal.Message) { deviceSignals <- message })
	resolved, err := device.ResolveClaim(ctx, created.Code)
	if err != nil {
		t.Fatalf("ResolveClaim: %v", err)
	}

	// Offer travels device to agent.
	if err := device.SendSignal(signal.Offer{Namespace: resolved.Namespace, SDP: "v=0 offer", SDPType: "offer"}); err != nil {
		t.Fatalf("SendSignal(offer): %v", err)
	}
	received := testutil.RequireReceive(t, agentSignals, 5*time.Second, "relayed offer")
	offer, ok := received.(*signal.Offer)
	if !ok || offer.SDP != "v=0 offer" {
		t.Fatalf("agent received %#v", received)
	}

	// Answer travels agent to device.
	if err := agent.SendSignal(signal.Answer{Namespace: resolved.Namespace, SDP: "v=0 answer", SDPType: "answer"}); err != nil {
		t.Fatalf("SendSignal(answer): %v", err)
	}
	received = testutil.RequireReceive(t, deviceSignals, 5*time.Second, "relayed answer")
	if answer, ok := received.(*signal.Answer); !ok || answer.SDP != "v=0 answer" {
		t.Fatalf("device received %#v", received)
	}

	// Candidates flow both ways.
	if err := device.SendSignal(signal.Candidate{Namespace: resolved.Namespace, Candidate: "candidate:1"}); err != nil {
		t.Fatalf("SendSignal(candidate): %v", err)
	}
	received = testutil.RequireReceive(t, agentSignals, 5*time.Second, "relayed candidate")
	if _, ok := received.(*signal.Candidate); !ok {
		t.Fatalf("agent received %#v", received)
	}
}

func TestForwardingBuffersForLateParty(t *testing.T) {
	ctx := context.Background()
	_, store, url := newTestRelayWithStore(t)

	// The agent creates a claim, then its connection drops: the
	// pre-joined room membership dies with it.
	agent := dialTestClient(t, url)
	if err := agent.Register("srv-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	created, err := agent.CreateClaim(ctx, 0)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	agent.Close()

	device := dialTestClient(t, url)
	resolved, err := device.ResolveClaim(ctx, created.Code)
	if err != nil {
		t.Fatalf("ResolveClaim: %v", err)
	}
	if err := device.SendSignal(signal.Offer{Namespace: resolved.Namespace, SDP: "v=0 buffered", SDPType: "offer"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	reconnected := dialTestClient(t, url)
	reconnectedSignals := make(chan signal.Message, 16)
	reconnected.OnSignal(func(message signal.Message) { reconnectedSignals <- message })
	if err := reconnected.Register("srv-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The device abandons its locked attempt and retries once the lock
	// lapses; the relay then joins the reconnected owner into the room
	// and flushes the buffered offer to it.
	store.ExpireLock(created.Code)
	if _, err := device.ResolveClaim(ctx, created.Code); err != nil {
		t.Fatalf("ResolveClaim retry: %v", err)
	}

	received := testutil.RequireReceive(t, reconnectedSignals, 5*time.Second, "buffered offer")
	if offer, ok := received.(*signal.Offer); !ok || offer.SDP != "v=0 buffered" {
		t.Fatalf("reconnected agent received %#v", received)
	}
}

func TestForwardingRejectsMalformedNamespace(t *testing.T) {
	_, url := newTestRelay(t)
	client := dialTestClient(t, url)

	signals := make(chan signal.Message, 1)
	client.OnSignal(func(message signal.Message) { signals <- message })

	if err := client.SendSignal(signal.Offer{Namespace: "not-a-namespace", SDP: "v=0"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	// The refusal arrives as a logged relay error, not a relayed
	// message; nothing must reach the signal handler.
	select {
	case message := <-signals:
		t.Fatalf("malformed namespace was relayed: %#v", message)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectCascade(t *testing.T) {
	server, url := newTestRelay(t)

	agent := dialTestClient(t, url)
	if err := agent.Register("srv-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !server.Registry().Online("srv-1") {
		if time.Now().After(deadline) {
			t.Fatal("instance never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	agent.Close()
	for server.Registry().Online("srv-1") {
		if time.Now().After(deadline) {
			t.Fatal("instance still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectReplacesRegistration(t *testing.T) {
	server, url := newTestRelay(t)

	first := dialTestClient(t, url)
	if err := first.Register("srv-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second := dialTestClient(t, url)
	if err := second.Register("srv-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.Registry().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d, want 1", server.Registry().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The stale connection's disconnect must not evict the fresh
	// registration.
	first.Close()
	time.Sleep(100 * time.Millisecond)
	if !server.Registry().Online("srv-1") {
		t.Fatal("stale disconnect evicted the fresh registration")
	}
}

func TestClientCloseFailsInflightRPCs(t *testing.T) {
	_, url := newTestRelay(t)
	client := dialTestClient(t, url)

	// Register a waiter directly so there is an in-flight RPC without
	// the server ever answering it.
	waiter := client.rpc.Register(rpcOwner, "req-hanging")
	client.Close()

	_, err := waiter.Wait(context.Background(), time.Second)
	if !errors.Is(err, pending.ErrDisconnected) {
		t.Fatalf("in-flight RPC after close = %v, want ErrDisconnected", err)
	}
}
