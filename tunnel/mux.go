// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dwongdev/mydia-sub014/signal"
)

// RemoteError is a peer-reported failure carried by an error message.
// Code holds the machine-readable category when the peer set one.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// handleGeneralData dispatches one general-channel message. Responses
// resolve their waiting callers; requests are served in their own
// goroutine so a slow handler never stalls the channel's read path.
func (s *Session) handleGeneralData(data []byte) {
	message, err := signal.Decode(data)
	if err != nil {
		s.logger.Warn("undecodable general message", "error", err)
		return
	}

	switch m := message.(type) {
	case *signal.Response:
		if !s.calls.Resolve(m.ID, m) {
			s.logger.Debug("response for unknown request", "id", m.ID)
		}
	case *signal.Error:
		s.dispatchError(m)
	case *signal.Request:
		go s.serveRequest(m)
	case *signal.ClaimCode:
		go s.servePairing(m)
	case *signal.PairingComplete:
		s.control.Resolve(controlKeyPairing, m)
	case *signal.Auth:
		s.serveAuth(m)
	case *signal.AuthResponse:
		s.control.Resolve(controlKeyAuth, m)
	case *signal.Ping:
		if err := s.sendGeneral(signal.Pong{}); err != nil {
			s.logger.Warn("sending pong failed", "error", err)
		}
	case *signal.Pong:
		s.lastPongUnix.Store(s.clock.Now().Unix())
		s.control.Resolve(controlKeyPing, m)
	default:
		s.logger.Warn("unexpected general message", "type", message.MessageType())
	}
}

// dispatchError routes a peer error to whichever exchange it belongs
// to: a correlated call, a stream, or one of the control exchanges.
func (s *Session) dispatchError(message *signal.Error) {
	err := &RemoteError{Code: message.Code, Message: message.Message}
	if message.RequestID != "" {
		if s.calls.Fail(message.RequestID, err) {
			return
		}
		if s.failStream(message.RequestID, err) {
			return
		}
	}
	if s.control.Fail(controlKeyPairing, err) {
		return
	}
	if s.control.Fail(controlKeyAuth, err) {
		return
	}
	s.logger.Warn("unattributed peer error", "code", message.Code, "message", message.Message)
}

// serveRequest runs the configured handler for one inbound request.
// Behind the auth gate when RequireAuth is set.
func (s *Session) serveRequest(request *signal.Request) {
	deviceID, ok := s.authorizedDevice()
	if s.requireAuth && !ok {
		s.respondError(request.ID, signal.Response{
			ID:     request.ID,
			Status: 401,
			Body:   jsonError("authentication required"),
		})
		return
	}
	if s.requests == nil {
		s.respondError(request.ID, signal.Response{
			ID:     request.ID,
			Status: 501,
			Body:   jsonError("no request handler"),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.openTimeout)
	defer cancel()

	response := s.requests.HandleRequest(ctx, deviceID, request)
	if response == nil {
		response = &signal.Response{ID: request.ID, Status: 500, Body: jsonError("handler returned nothing")}
	}
	response.ID = request.ID
	if err := s.sendGeneral(*response); err != nil {
		s.logger.Warn("sending response failed", "id", request.ID, "error", err)
	}
}

func (s *Session) respondError(requestID string, response signal.Response) {
	if err := s.sendGeneral(response); err != nil {
		s.logger.Warn("sending error response failed", "id", requestID, "error", err)
	}
}

func jsonError(message string) []byte {
	return []byte(`{"error":` + strconv.Quote(message) + `}`)
}

// servePairing answers a claim-code presentation. Pairing runs before
// authentication: the presenting device has no token yet.
func (s *Session) servePairing(request *signal.ClaimCode) {
	if s.pairing == nil {
		s.sendPairingFailure("pairing not supported on this tunnel")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.openTimeout)
	defer cancel()

	result := s.pairing.CompletePairing(ctx, request)
	if result == nil {
		s.sendPairingFailure("pairing failed")
		return
	}
	if err := s.sendGeneral(*result); err != nil {
		s.logger.Warn("sending pairing result failed", "error", err)
	}
}

func (s *Session) sendPairingFailure(message string) {
	if err := s.sendGeneral(signal.PairingComplete{Success: false, Error: message}); err != nil {
		s.logger.Warn("sending pairing failure failed", "error", err)
	}
}

// serveAuth validates a device token and opens the auth gate for this
// session on success.
func (s *Session) serveAuth(request *signal.Auth) {
	if s.auth == nil {
		s.sendAuthResponse(501, "authentication not supported")
		return
	}

	deviceID, err := s.auth.AuthenticateDevice(request.DeviceToken)
	if err != nil {
		s.logger.Warn("device authentication failed", "error", err)
		s.sendAuthResponse(401, "invalid device token")
		return
	}

	s.mu.Lock()
	s.authenticated = true
	s.deviceID = deviceID
	s.mu.Unlock()

	s.logger.Info("device authenticated", "device_id", deviceID)
	s.sendAuthResponse(200, "")
}

func (s *Session) sendAuthResponse(status int, message string) {
	if err := s.sendGeneral(signal.AuthResponse{Status: status, Message: message}); err != nil {
		s.logger.Warn("sending auth response failed", "error", err)
	}
}

// authorizedDevice returns the authenticated device ID, if any.
func (s *Session) authorizedDevice() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.authenticated
}

// nextRequestID returns a session-unique request ID.
func (s *Session) nextRequestID() string {
	return strconv.FormatUint(s.requestCounter.Add(1), 10)
}

// Call sends a request on the general channel and blocks for its
// response. A zero timeout means the ledger default.
func (s *Session) Call(ctx context.Context, request *signal.Request, timeout time.Duration) (*signal.Response, error) {
	if s.State() != StateOpen {
		return nil, ErrNotOpen
	}
	if request.ID == "" {
		request.ID = s.nextRequestID()
	}

	// Register before sending so the response cannot race the waiter.
	waiter := s.calls.Register(s.namespace, request.ID)
	if err := s.sendGeneral(*request); err != nil {
		s.calls.Delete(request.ID)
		return nil, err
	}
	return waiter.Wait(ctx, timeout)
}

// Pair presents a claim code over the open tunnel and waits for the
// issued tokens. Offerer-side; runs before authentication.
func (s *Session) Pair(ctx context.Context, code, deviceName, platform string) (*signal.PairingComplete, error) {
	if s.State() != StateOpen {
		return nil, ErrNotOpen
	}

	waiter := s.control.Register(s.namespace, controlKeyPairing)
	if err := s.sendGeneral(signal.ClaimCode{Code: code, DeviceName: deviceName, Platform: platform}); err != nil {
		s.control.Delete(controlKeyPairing)
		return nil, err
	}

	message, err := waiter.Wait(ctx, 0)
	if err != nil {
		return nil, err
	}
	complete, ok := message.(*signal.PairingComplete)
	if !ok {
		return nil, fmt.Errorf("tunnel: unexpected pairing reply %s", message.MessageType())
	}
	if !complete.Success {
		return nil, &RemoteError{Message: complete.Error}
	}
	return complete, nil
}

// Authenticate presents a device token and waits for the verdict.
func (s *Session) Authenticate(ctx context.Context, deviceToken string) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}

	waiter := s.control.Register(s.namespace, controlKeyAuth)
	if err := s.sendGeneral(signal.Auth{DeviceToken: deviceToken}); err != nil {
		s.control.Delete(controlKeyAuth)
		return err
	}

	message, err := waiter.Wait(ctx, 0)
	if err != nil {
		return err
	}
	response, ok := message.(*signal.AuthResponse)
	if !ok {
		return fmt.Errorf("tunnel: unexpected auth reply %s", message.MessageType())
	}
	if response.Status != 200 {
		return &RemoteError{Code: strconv.Itoa(response.Status), Message: response.Message}
	}
	return nil
}

// Ping measures tunnel liveness: sends a keepalive and waits for the
// echo.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}

	waiter := s.control.Register(s.namespace, controlKeyPing)
	if err := s.sendGeneral(signal.Ping{}); err != nil {
		s.control.Delete(controlKeyPing)
		return err
	}
	_, err := waiter.Wait(ctx, timeout)
	return err
}
