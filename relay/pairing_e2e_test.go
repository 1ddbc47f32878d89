// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dwongdev/mydia-sub014/signal"
	"github.com/dwongdev/mydia-sub014/tunnel"
)

// TestPairingEndToEnd walks the whole flow on loopback: the home
// server registers and mints a claim, the device resolves the code,
// both negotiate a real WebRTC tunnel through the relay, the device
// pairs, authenticates, issues an API request, and streams a media
// range. After channel establishment the relay carries nothing.
func TestPairingEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full WebRTC establishment in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	_, url := newTestRelay(t)

	// Home server side: register, mint a claim, prepare media.
	agent := dialTestClient(t, url)
	if err := agent.Register("srv-1", "", []string{"http://10.0.0.5:4000"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	created, err := agent.CreateClaim(ctx, 0)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}

	mediaRoot := t.TempDir()
	mediaContent := make([]byte, 100_000)
	if _, err := rand.Read(mediaContent); err != nil {
		t.Fatalf("generating media: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mediaRoot, "movie.mp4"), mediaContent, 0o644); err != nil {
		t.Fatalf("writing media: %v", err)
	}

	issuer := &tunnel.TokenIssuer{Secret: []byte("e2e-secret"), Issuer: "srv-1"}
	pairer := tunnel.NewPairer(tunnel.PairerConfig{
		Tokens:     issuer,
		Claims:     agent,
		DirectURLs: []string{"http://10.0.0.5:4000"},
	})
	pairer.Expect(created.Code, created.ClaimID)

	// Device side: resolve the code to learn the namespace.
	device := dialTestClient(t, url)
	resolved, err := device.ResolveClaim(ctx, created.Code)
	if err != nil {
		t.Fatalf("ResolveClaim: %v", err)
	}

	// Both sides build their tunnel sessions on the shared namespace.
	serverSession, err := tunnel.New(tunnel.Config{
		Namespace:   resolved.Namespace,
		Role:        tunnel.RoleAnswerer,
		Signals:     agent,
		Pairing:     pairer,
		Auth:        issuer,
		RequireAuth: true,
		Media:       &tunnel.RootedFileReader{Root: mediaRoot},
		Requests: tunnel.RequestHandlerFunc(func(ctx context.Context, deviceID string, request *signal.Request) *signal.Response {
			return &signal.Response{
				Status: 200,
				Body:   json.RawMessage(`{"path":"` + request.Path + `","device":"` + deviceID + `"}`),
			}
		}),
	})
	if err != nil {
		t.Fatalf("server session: %v", err)
	}
	defer serverSession.Close()
	agent.OnSignal(func(message signal.Message) {
		if err := serverSession.HandleSignal(message); err != nil {
			t.Logf("server signal: %v", err)
		}
	})
	if err := serverSession.Start(ctx); err != nil {
		t.Fatalf("server Start: %v", err)
	}

	deviceSession, err := tunnel.New(tunnel.Config{
		Namespace: resolved.Namespace,
		Role:      tunnel.RoleOfferer,
		Signals:   device,
	})
	if err != nil {
		t.Fatalf("device session: %v", err)
	}
	defer deviceSession.Close()
	device.OnSignal(func(message signal.Message) {
		if err := deviceSession.HandleSignal(message); err != nil {
			t.Logf("device signal: %v", err)
		}
	})
	if err := deviceSession.Start(ctx); err != nil {
		t.Fatalf("device Start: %v", err)
	}

	if err := deviceSession.WaitOpen(ctx); err != nil {
		t.Fatalf("tunnel never opened: %v", err)
	}

	// Pair with the claim code, then authenticate with the issued
	// device token.
	tokens, err := deviceSession.Pair(ctx, created.Code, "E2E Device", "test")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if tokens.DeviceToken == "" {
		t.Fatal("pairing issued no device token")
	}
	if err := deviceSession.Authenticate(ctx, tokens.DeviceToken); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// The consumed claim cannot be redeemed again.
	if _, err := device.ResolveClaim(ctx, created.Code); err == nil {
		t.Error("consumed claim resolved again")
	}

	// General request over the open tunnel.
	response, err := deviceSession.Call(ctx, &signal.Request{Method: "GET", Path: "/api/library"}, 10*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if response.Status != 200 {
		t.Fatalf("response status = %d: %s", response.Status, response.Body)
	}

	// Media range over the media channel.
	data, _, err := deviceSession.FetchRange(ctx, "movie.mp4", 1000, 49_999)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if !bytes.Equal(data, mediaContent[1000:50_000]) {
		t.Errorf("fetched %d bytes, range mismatch", len(data))
	}

	// Keepalive round trip and transfer accounting.
	if err := deviceSession.Ping(ctx, 5*time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	stats := deviceSession.Stats()
	if stats.State != tunnel.StateOpen || stats.BytesReceived == 0 {
		t.Errorf("stats = %+v", stats)
	}
}
