// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dwongdev/mydia-sub014/claim"
	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/signal"
)

// Default token lifetimes. Access and media tokens are short-lived and
// refreshed over the tunnel; the device token is the durable pairing
// credential.
const (
	DefaultAccessTokenTTL = time.Hour
	DefaultMediaTokenTTL  = 4 * time.Hour
	DefaultDeviceTokenTTL = 365 * 24 * time.Hour
)

// ErrUnknownCode is returned when a presented claim code matches no
// pairing this instance is waiting on.
var ErrUnknownCode = errors.New("unknown claim code")

// Tokens is one issued credential set.
type Tokens struct {
	AccessToken string
	MediaToken  string
	DeviceToken string
}

// TokenIssuer mints and verifies the HMAC-signed tokens handed to
// paired devices. It implements DeviceAuthenticator for the tunnel's
// auth gate.
type TokenIssuer struct {
	Secret []byte
	Issuer string

	AccessTTL time.Duration
	MediaTTL  time.Duration
	DeviceTTL time.Duration

	Clock clock.Clock
}

func (t *TokenIssuer) clock() clock.Clock {
	if t.Clock != nil {
		return t.Clock
	}
	return clock.Real()
}

// Issue mints the three tokens for a device. The device token carries
// the device identity; access and media tokens additionally carry the
// audience their bearer may call.
func (t *TokenIssuer) Issue(deviceID, deviceName string) (Tokens, error) {
	now := t.clock().Now()

	access, err := t.sign(deviceID, deviceName, "api", now, t.ttl(t.AccessTTL, DefaultAccessTokenTTL))
	if err != nil {
		return Tokens{}, err
	}
	media, err := t.sign(deviceID, deviceName, "media", now, t.ttl(t.MediaTTL, DefaultMediaTokenTTL))
	if err != nil {
		return Tokens{}, err
	}
	device, err := t.sign(deviceID, deviceName, "device", now, t.ttl(t.DeviceTTL, DefaultDeviceTokenTTL))
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{AccessToken: access, MediaToken: media, DeviceToken: device}, nil
}

func (t *TokenIssuer) ttl(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

func (t *TokenIssuer) sign(deviceID, deviceName, audience string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": deviceID,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if t.Issuer != "" {
		claims["iss"] = t.Issuer
	}
	if deviceName != "" {
		claims["device_name"] = deviceName
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", audience, err)
	}
	return signed, nil
}

// AuthenticateDevice verifies a device token and returns its device
// ID. Only tokens with the device audience open the auth gate.
func (t *TokenIssuer) AuthenticateDevice(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience("device"),
		jwt.WithTimeFunc(t.clock().Now),
	)
	if err != nil {
		return "", fmt.Errorf("parsing device token: %w", err)
	}

	deviceID, err := parsed.Claims.GetSubject()
	if err != nil || deviceID == "" {
		return "", fmt.Errorf("device token has no subject")
	}
	return deviceID, nil
}

// ClaimConsumer spends a claim with the relay once the pairing
// handshake succeeds. The relay client implements it.
type ClaimConsumer interface {
	ConsumeClaim(ctx context.Context, claimID, deviceID string) error
}

// Pairer completes pairing on the home server side: it tracks the
// claims this instance has minted, matches a presented code against
// them, consumes the claim with the relay, and issues tokens.
type Pairer struct {
	tokens     *TokenIssuer
	claims     ClaimConsumer
	directURLs []string
	logger     *slog.Logger

	mu   sync.Mutex
	open map[string]string // code to claim ID
}

// PairerConfig assembles a Pairer. Tokens is required; Claims may be
// nil when no relay-side consumption is wanted (tests).
type PairerConfig struct {
	Tokens     *TokenIssuer
	Claims     ClaimConsumer
	DirectURLs []string
	Logger     *slog.Logger
}

func NewPairer(config PairerConfig) *Pairer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pairer{
		tokens:     config.Tokens,
		claims:     config.Claims,
		directURLs: config.DirectURLs,
		logger:     config.Logger,
		open:       make(map[string]string),
	}
}

// Expect registers a minted claim so a device presenting its code can
// pair. Called after the relay answers a claim creation. Keys are
// stored in canonical form so a non-canonical retry cannot fork the
// open set.
func (p *Pairer) Expect(code, claimID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[claim.NormalizeCode(code)] = claimID
}

// Forget drops an expected code, for claims that expired unredeemed.
func (p *Pairer) Forget(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, claim.NormalizeCode(code))
}

// take claims the code for one redemption, removing it from the open
// set. The presented code is normalized first: minted codes are stored
// canonical, but a device may send what its user typed, and the relay
// accepted that same input at resolve time.
func (p *Pairer) take(code string) (string, bool) {
	code = claim.NormalizeCode(code)
	p.mu.Lock()
	defer p.mu.Unlock()
	claimID, ok := p.open[code]
	if ok {
		delete(p.open, code)
	}
	return claimID, ok
}

// CompletePairing implements PairingHandler. A failure never reveals
// whether the code was wrong, expired, or already used to the
// presenting device beyond the relayed claim state.
func (p *Pairer) CompletePairing(ctx context.Context, request *signal.ClaimCode) *signal.PairingComplete {
	claimID, ok := p.take(request.Code)
	if !ok {
		p.logger.Warn("pairing attempt with unknown code")
		return &signal.PairingComplete{Success: false, Error: ErrUnknownCode.Error()}
	}

	deviceID := uuid.NewString()

	if p.claims != nil {
		if err := p.claims.ConsumeClaim(ctx, claimID, deviceID); err != nil {
			p.logger.Error("consuming claim failed", "claim_id", claimID, "error", err)
			// The claim is still live on the relay; allow a retry.
			p.Expect(request.Code, claimID)
			return &signal.PairingComplete{Success: false, Error: "claim consumption failed"}
		}
	}

	tokens, err := p.tokens.Issue(deviceID, request.DeviceName)
	if err != nil {
		p.logger.Error("issuing tokens failed", "device_id", deviceID, "error", err)
		return &signal.PairingComplete{Success: false, Error: "token issuance failed"}
	}

	p.logger.Info("pairing completed",
		"device_id", deviceID,
		"device_name", request.DeviceName,
		"platform", request.Platform,
	)
	return &signal.PairingComplete{
		Success:     true,
		AccessToken: tokens.AccessToken,
		MediaToken:  tokens.MediaToken,
		DeviceToken: tokens.DeviceToken,
		DirectURLs:  p.directURLs,
	}
}
