// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the signaling wire protocol: the JSON message
// envelope exchanged over the relay's duplex connection and the binary
// chunk framing used on the media data channel.
//
// Messages form a closed tagged union dispatched on the "type" field.
// Decode matches exhaustively and rejects unknown types, so a new or
// misspelled message type fails loudly instead of being silently
// dropped.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type tags a signaling message.
type Type string

// The closed set of message types. Adding one requires extending
// Decode's switch, which is the single dispatch point.
const (
	TypeRegister Type = "register"

	TypeClaimCreate   Type = "claim_create"
	TypeClaimCreated  Type = "claim_created"
	TypeClaimResolve  Type = "claim_resolve"
	TypeClaimResolved Type = "claim_resolved"
	TypeClaimConsume  Type = "claim_consume"
	TypeClaimConsumed Type = "claim_consumed"

	TypeOffer     Type = "webrtc_offer"
	TypeAnswer    Type = "webrtc_answer"
	TypeCandidate Type = "webrtc_candidate"

	TypeClaimCode       Type = "claim_code"
	TypePairingComplete Type = "pairing_complete"
	TypeAuth            Type = "auth"
	TypeAuthResponse    Type = "auth_response"

	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypePing     Type = "ping"
	TypePong     Type = "pong"

	TypeStreamRequest  Type = "stream_request"
	TypeResponseHeader Type = "response_header"
	TypeEnd            Type = "end"
	TypeError          Type = "error"
)

// Message is one signaling protocol message.
type Message interface {
	MessageType() Type
}

// Register announces a home server instance to the relay over its
// long-lived signaling connection.
type Register struct {
	InstanceID string   `json:"instance_id"`
	PublicKey  string   `json:"public_key,omitempty"`
	DirectURLs []string `json:"direct_urls,omitempty"`
}

// ClaimCreate asks the relay to mint a pairing claim for the sending
// instance. RPC-style: correlated by RequestID.
type ClaimCreate struct {
	RequestID  string `json:"request_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// ClaimCreated answers ClaimCreate.
type ClaimCreated struct {
	RequestID string `json:"request_id"`
	ClaimID   string `json:"claim_id"`
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"` // Unix seconds
}

// ClaimResolve asks the relay to resolve and lock a claim code on
// behalf of a pairing client.
type ClaimResolve struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
}

// ClaimResolved answers ClaimResolve with the rendezvous namespace.
type ClaimResolved struct {
	RequestID        string   `json:"request_id"`
	Namespace        string   `json:"namespace"`
	ExpiresAt        int64    `json:"expires_at"` // Unix seconds
	RendezvousPoints []string `json:"rendezvous_points,omitempty"`
}

// ClaimConsume tells the relay the owning instance finished pairing
// and the claim is spent.
type ClaimConsume struct {
	RequestID string `json:"request_id"`
	ClaimID   string `json:"claim_id"`
	DeviceID  string `json:"device_id"`
}

// ClaimConsumed answers ClaimConsume.
type ClaimConsumed struct {
	RequestID string `json:"request_id"`
	ClaimID   string `json:"claim_id"`
}

// Offer relays an SDP offer between the two parties sharing a
// namespace. The relay stores and forwards; it never inspects SDP.
type Offer struct {
	Namespace string `json:"namespace"`
	SDP       string `json:"sdp"`
	SDPType   string `json:"sdpType"`
}

// Answer relays an SDP answer.
type Answer struct {
	Namespace string `json:"namespace"`
	SDP       string `json:"sdp"`
	SDPType   string `json:"sdpType"`
}

// Candidate relays one ICE candidate.
type Candidate struct {
	Namespace     string `json:"namespace"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// ClaimCode is the pairing request sent peer-to-peer once the data
// channel is open: the redeeming device presents the code it holds.
type ClaimCode struct {
	Code       string `json:"code"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// PairingComplete answers ClaimCode with the issued tokens, or an
// error message on failure.
type PairingComplete struct {
	Success     bool     `json:"success"`
	MediaToken  string   `json:"media_token,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	DeviceToken string   `json:"device_token,omitempty"`
	DirectURLs  []string `json:"direct_urls,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Auth presents a device token on a fresh data channel before requests
// are trusted.
type Auth struct {
	DeviceToken string `json:"device_token"`
}

// AuthResponse answers Auth.
type AuthResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// Request is the general request/response envelope carried over the
// open data channel.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response answers Request, correlated by ID.
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Ping is an application-level keepalive on the general channel.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

// StreamRequest asks for a byte range of a media file on the media
// channel.
type StreamRequest struct {
	RequestID  string `json:"request_id"`
	FileID     string `json:"file_id"`
	RangeStart int64  `json:"range_start"`
	RangeEnd   int64  `json:"range_end"`
}

// ResponseHeader precedes the binary chunks of one streaming response.
type ResponseHeader struct {
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// End terminates one streaming response cleanly.
type End struct {
	RequestID string `json:"request_id"`
}

// Error reports a failure. RequestID is set when the error belongs to
// a correlated exchange; Code carries the machine-readable category
// (e.g. "not_found", "expired", "already_consumed", "locked") for
// claim errors that need distinct user remediation.
type Error struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

func (Register) MessageType() Type        { return TypeRegister }
func (ClaimCreate) MessageType() Type     { return TypeClaimCreate }
func (ClaimCreated) MessageType() Type    { return TypeClaimCreated }
func (ClaimResolve) MessageType() Type    { return TypeClaimResolve }
func (ClaimResolved) MessageType() Type   { return TypeClaimResolved }
func (ClaimConsume) MessageType() Type    { return TypeClaimConsume }
func (ClaimConsumed) MessageType() Type   { return TypeClaimConsumed }
func (Offer) MessageType() Type           { return TypeOffer }
func (Answer) MessageType() Type          { return TypeAnswer }
func (Candidate) MessageType() Type       { return TypeCandidate }
func (ClaimCode) MessageType() Type       { return TypeClaimCode }
func (PairingComplete) MessageType() Type { return TypePairingComplete }
func (Auth) MessageType() Type            { return TypeAuth }
func (AuthResponse) MessageType() Type    { return TypeAuthResponse }
func (Request) MessageType() Type         { return TypeRequest }
func (Response) MessageType() Type        { return TypeResponse }
func (Ping) MessageType() Type            { return TypePing }
func (Pong) MessageType() Type            { return TypePong }
func (StreamRequest) MessageType() Type   { return TypeStreamRequest }
func (ResponseHeader) MessageType() Type  { return TypeResponseHeader }
func (End) MessageType() Type             { return TypeEnd }
func (Error) MessageType() Type           { return TypeError }

// Encode serializes a message as a single JSON object with the type
// tag spliced in alongside the payload fields.
func Encode(message Message) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("signal: encoding %s: %w", message.MessageType(), err)
	}

	var buffer bytes.Buffer
	buffer.Grow(len(body) + 24)
	buffer.WriteString(`{"type":"`)
	buffer.WriteString(string(message.MessageType()))
	buffer.WriteByte('"')
	// body is always a JSON object because every Message is a struct.
	if len(body) > 2 {
		buffer.WriteByte(',')
		buffer.Write(body[1 : len(body)-1])
	}
	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}

// Decode parses one JSON message, dispatching on the type tag. Unknown
// and missing types are errors.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("signal: decoding message: %w", err)
	}

	var message Message
	switch probe.Type {
	case TypeRegister:
		message = &Register{}
	case TypeClaimCreate:
		message = &ClaimCreate{}
	case TypeClaimCreated:
		message = &ClaimCreated{}
	case TypeClaimResolve:
		message = &ClaimResolve{}
	case TypeClaimResolved:
		message = &ClaimResolved{}
	case TypeClaimConsume:
		message = &ClaimConsume{}
	case TypeClaimConsumed:
		message = &ClaimConsumed{}
	case TypeOffer:
		message = &Offer{}
	case TypeAnswer:
		message = &Answer{}
	case TypeCandidate:
		message = &Candidate{}
	case TypeClaimCode:
		message = &ClaimCode{}
	case TypePairingComplete:
		message = &PairingComplete{}
	case TypeAuth:
		message = &Auth{}
	case TypeAuthResponse:
		message = &AuthResponse{}
	case TypeRequest:
		message = &Request{}
	case TypeResponse:
		message = &Response{}
	case TypePing:
		message = &Ping{}
	case TypePong:
		message = &Pong{}
	case TypeStreamRequest:
		message = &StreamRequest{}
	case TypeResponseHeader:
		message = &ResponseHeader{}
	case TypeEnd:
		message = &End{}
	case TypeError:
		message = &Error{}
	case "":
		return nil, fmt.Errorf("signal: message has no type tag")
	default:
		return nil, fmt.Errorf("signal: unknown message type %q", probe.Type)
	}

	if err := json.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("signal: decoding %s payload: %w", probe.Type, err)
	}
	return message, nil
}
