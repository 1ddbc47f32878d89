// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/signal"
)

func TestTokenIssueAndAuthenticate(t *testing.T) {
	issuer := &TokenIssuer{Secret: []byte("secret"), Issuer: "mydia-test"}

	tokens, err := issuer.Issue("device-7", "Bedroom TV")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tokens.AccessToken == "" || tokens.MediaToken == "" || tokens.DeviceToken == "" {
		t.Fatalf("Issue returned empty tokens: %+v", tokens)
	}

	deviceID, err := issuer.AuthenticateDevice(tokens.DeviceToken)
	if err != nil {
		t.Fatalf("AuthenticateDevice: %v", err)
	}
	if deviceID != "device-7" {
		t.Errorf("deviceID = %q, want device-7", deviceID)
	}
}

func TestTokenAudienceEnforced(t *testing.T) {
	issuer := &TokenIssuer{Secret: []byte("secret")}
	tokens, err := issuer.Issue("device-7", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Access and media tokens must not open the device auth gate.
	if _, err := issuer.AuthenticateDevice(tokens.AccessToken); err == nil {
		t.Error("access token accepted as device token")
	}
	if _, err := issuer.AuthenticateDevice(tokens.MediaToken); err == nil {
		t.Error("media token accepted as device token")
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	issuer := &TokenIssuer{Secret: []byte("secret")}
	tokens, err := issuer.Issue("device-7", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := &TokenIssuer{Secret: []byte("different")}
	if _, err := other.AuthenticateDevice(tokens.DeviceToken); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestTokenExpiryEnforced(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	issuer := &TokenIssuer{
		Secret:    []byte("secret"),
		DeviceTTL: time.Hour,
		Clock:     fake,
	}

	tokens, err := issuer.Issue("device-7", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuer.AuthenticateDevice(tokens.DeviceToken); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	fake.Advance(2 * time.Hour)
	if _, err := issuer.AuthenticateDevice(tokens.DeviceToken); err == nil {
		t.Error("expired token accepted")
	}
}

// recordingConsumer captures claim consumption calls.
type recordingConsumer struct {
	mu       sync.Mutex
	claimIDs []string
	fail     error
}

func (r *recordingConsumer) ConsumeClaim(ctx context.Context, claimID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.claimIDs = append(r.claimIDs, claimID)
	return nil
}

func TestPairerCompletesKnownCode(t *testing.T) {
	consumer := &recordingConsumer{}
	pairer := NewPairer(PairerConfig{
		Tokens:     &TokenIssuer{Secret: []byte("secret")},
		Claims:     consumer,
		DirectURLs: []string{"http://10.0.0.5:4000"},
	})
	pairer.Expect("ABCD2345", "claim-1")

	result := pairer.CompletePairing(context.Background(), &signal.ClaimCode{
		Code:       "ABCD2345",
		DeviceName: "Phone",
		Platform:   "ios",
	})
	if !result.Success {
		t.Fatalf("pairing failed: %s", result.Error)
	}
	if result.DeviceToken == "" || result.AccessToken == "" || result.MediaToken == "" {
		t.Errorf("missing tokens: %+v", result)
	}
	if len(result.DirectURLs) != 1 {
		t.Errorf("direct URLs = %v", result.DirectURLs)
	}
	if len(consumer.claimIDs) != 1 || consumer.claimIDs[0] != "claim-1" {
		t.Errorf("consumed claims = %v, want [claim-1]", consumer.claimIDs)
	}
}

func TestPairerRejectsUnknownCode(t *testing.T) {
	pairer := NewPairer(PairerConfig{Tokens: &TokenIssuer{Secret: []byte("secret")}})

	result := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "WRONG234"})
	if result.Success {
		t.Fatal("unknown code paired successfully")
	}
}

func TestPairerCodeIsSingleUse(t *testing.T) {
	pairer := NewPairer(PairerConfig{Tokens: &TokenIssuer{Secret: []byte("secret")}})
	pairer.Expect("ABCD2345", "claim-1")

	first := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "ABCD2345"})
	if !first.Success {
		t.Fatalf("first pairing failed: %s", first.Error)
	}
	second := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "ABCD2345"})
	if second.Success {
		t.Fatal("code redeemed twice")
	}
}

func TestPairerRetriesAfterConsumeFailure(t *testing.T) {
	consumer := &recordingConsumer{fail: errors.New("relay unreachable")}
	pairer := NewPairer(PairerConfig{
		Tokens: &TokenIssuer{Secret: []byte("secret")},
		Claims: consumer,
	})
	pairer.Expect("ABCD2345", "claim-1")

	failed := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "ABCD2345"})
	if failed.Success {
		t.Fatal("pairing succeeded despite consume failure")
	}

	// The code stays redeemable once the relay recovers.
	consumer.mu.Lock()
	consumer.fail = nil
	consumer.mu.Unlock()

	retried := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "ABCD2345"})
	if !retried.Success {
		t.Fatalf("retry failed: %s", retried.Error)
	}
}

func TestPairingOverTunnel(t *testing.T) {
	pairer := NewPairer(PairerConfig{Tokens: &TokenIssuer{Secret: []byte("secret")}})
	pairer.Expect("ABCD2345", "claim-1")
	session, general, _ := newOpenSession(t, Config{Role: RoleAnswerer, Pairing: pairer})

	request, err := signal.Encode(signal.ClaimCode{Code: "ABCD2345", DeviceName: "Phone", Platform: "ios"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	session.handleGeneralData(request)

	result := decodeFrame(t, general, "pairing result").(*signal.PairingComplete)
	if !result.Success {
		t.Fatalf("pairing over tunnel failed: %s", result.Error)
	}
}

func TestPairClientSide(t *testing.T) {
	session, general, _ := newOpenSession(t, Config{Role: RoleOfferer})

	go func() {
		<-general.notify
		result, _ := signal.Encode(signal.PairingComplete{
			Success:     true,
			DeviceToken: "dt",
			AccessToken: "at",
			MediaToken:  "mt",
		})
		session.handleGeneralData(result)
	}()

	result, err := session.Pair(context.Background(), "ABCD2345", "Phone", "ios")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if result.DeviceToken != "dt" {
		t.Errorf("device token = %q", result.DeviceToken)
	}
}

func TestPairClientSideFailure(t *testing.T) {
	session, general, _ := newOpenSession(t, Config{Role: RoleOfferer})

	go func() {
		<-general.notify
		result, _ := signal.Encode(signal.PairingComplete{Success: false, Error: "unknown claim code"})
		session.handleGeneralData(result)
	}()

	if _, err := session.Pair(context.Background(), "WRONG234", "Phone", "ios"); err == nil {
		t.Fatal("failed pairing reported no error")
	}
}

func TestPairerAcceptsNonCanonicalCode(t *testing.T) {
	// The relay normalizes presented codes at resolve, so a device that
	// typed the code lowercased or hyphenated reaches pairing; the
	// Pairer must agree with that normalization.
	pairer := NewPairer(PairerConfig{Tokens: &TokenIssuer{Secret: []byte("secret")}})
	pairer.Expect("ABCD2345", "claim-1")

	result := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "abcd-2345"})
	if !result.Success {
		t.Fatalf("non-canonical code rejected: %s", result.Error)
	}

	// Normalization must not open a second redemption path.
	again := pairer.CompletePairing(context.Background(), &signal.ClaimCode{Code: "ABCD2345"})
	if again.Success {
		t.Fatal("code redeemed twice via differing spellings")
	}
}
