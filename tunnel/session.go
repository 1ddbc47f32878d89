// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel runs the peer-to-peer session between a home server
// instance and a paired device: WebRTC negotiation over relayed
// signaling, then a message protocol on two data channels. The
// "general" channel carries JSON control traffic (auth, pairing,
// request/response, keepalive); the "media" channel carries streaming
// responses as binary chunk frames.
//
// A Session is one side of one tunnel. The offerer side (the device)
// creates the data channels and the SDP offer; the answerer side (the
// home server) accepts them. Both sides speak through a SignalSender
// until the channels open, after which the relay is out of the path.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/pending"
	"github.com/dwongdev/mydia-sub014/signal"
)

// DefaultOpenTimeout bounds the whole establishment phase: if the
// general channel has not opened this long after Start, the session is
// torn down rather than left negotiating forever.
const DefaultOpenTimeout = 30 * time.Second

// Channel labels. The offerer creates both; the answerer dispatches on
// the label.
const (
	generalChannelLabel = "general"
	mediaChannelLabel   = "media"
)

// ErrClosed is returned by operations on a session that has been
// closed or failed to establish.
var ErrClosed = errors.New("tunnel session closed")

// ErrNotOpen is returned when an operation needs an open data channel
// before negotiation has finished.
var ErrNotOpen = errors.New("tunnel session not open")

// Role selects which side of the negotiation this session plays.
type Role int

const (
	// RoleOfferer creates the data channels and sends the SDP offer.
	// The pairing device takes this role.
	RoleOfferer Role = iota

	// RoleAnswerer waits for the offer and the channels. The home
	// server instance takes this role.
	RoleAnswerer
)

// State is the session lifecycle phase. Transitions are monotonic:
// Connecting, Signaling, Negotiating, Open, Closed.
type State int32

const (
	StateConnecting State = iota
	StateSignaling
	StateNegotiating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSignaling:
		return "signaling"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SignalSender delivers one signaling message toward the peer, via the
// relay connection.
type SignalSender interface {
	SendSignal(message signal.Message) error
}

// dataSender is the send half of a data channel. Satisfied by
// *webrtc.DataChannel; tests substitute capture stubs.
type dataSender interface {
	Send(data []byte) error
}

// RequestHandler serves general-channel requests on the answerer side.
// deviceID identifies the authenticated caller.
type RequestHandler interface {
	HandleRequest(ctx context.Context, deviceID string, request *signal.Request) *signal.Response
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, deviceID string, request *signal.Request) *signal.Response

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, deviceID string, request *signal.Request) *signal.Response {
	return f(ctx, deviceID, request)
}

// PairingHandler completes a pairing exchange on the answerer side:
// verify the presented code, consume the claim, issue tokens.
type PairingHandler interface {
	CompletePairing(ctx context.Context, request *signal.ClaimCode) *signal.PairingComplete
}

// DeviceAuthenticator validates a device token presented on a fresh
// tunnel and returns the device it belongs to.
type DeviceAuthenticator interface {
	AuthenticateDevice(token string) (deviceID string, err error)
}

// Config assembles a session. Namespace, Role, and Signals are
// required. The collaborator fields (Pairing, Auth, Requests, Media)
// serve inbound traffic and are normally set only on the answerer.
type Config struct {
	Namespace string
	Role      Role
	Signals   SignalSender

	ICEServers  []webrtc.ICEServer
	OpenTimeout time.Duration
	Logger      *slog.Logger
	Clock       clock.Clock

	Pairing  PairingHandler
	Auth     DeviceAuthenticator
	Requests RequestHandler
	Media    StreamSource

	// RequireAuth gates Request and StreamRequest handling behind a
	// successful Auth exchange. Pairing and keepalive are always
	// allowed: a device pairing for the first time has no token yet.
	RequireAuth bool
}

// Session is one side of one peer tunnel.
type Session struct {
	namespace   string
	role        Role
	signals     SignalSender
	logger      *slog.Logger
	clock       clock.Clock
	openTimeout time.Duration

	pairing     PairingHandler
	auth        DeviceAuthenticator
	requests    RequestHandler
	media       StreamSource
	requireAuth bool

	pc    *webrtc.PeerConnection
	state atomic.Int32

	// mu guards negotiation state and the channel references.
	mu               sync.Mutex
	general          dataSender
	mediaChannel     dataSender
	remoteDescSet    bool
	queuedCandidates []webrtc.ICECandidateInit
	authenticated    bool
	deviceID         string

	// calls tracks in-flight general-channel requests by ID. control
	// tracks the singleton exchanges that carry no wire ID (pairing,
	// auth, keepalive) under fixed ledger keys.
	calls   *pending.Ledger[*signal.Response]
	control *pending.Ledger[signal.Message]

	streamsMu sync.Mutex
	streams   map[string]*inboundStream

	requestCounter atomic.Uint64

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	lastPongUnix  atomic.Int64

	opened    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	closeErrMu sync.Mutex
	closeErr   error
}

// Fixed ledger keys for the control exchanges that carry no ID on the
// wire. At most one of each can be in flight per session.
const (
	controlKeyPairing = "pairing"
	controlKeyAuth    = "auth"
	controlKeyPing    = "ping"
)

// New creates a session and its PeerConnection. Call Start to begin
// negotiation, then feed relayed signaling into HandleSignal.
func New(config Config) (*Session, error) {
	if config.Namespace == "" {
		return nil, fmt.Errorf("tunnel: namespace is required")
	}
	if config.Signals == nil {
		return nil, fmt.Errorf("tunnel: signal sender is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultOpenTimeout
	}

	s := &Session{
		namespace:   config.Namespace,
		role:        config.Role,
		signals:     config.Signals,
		logger:      config.Logger.With("namespace", config.Namespace),
		clock:       config.Clock,
		openTimeout: config.OpenTimeout,
		pairing:     config.Pairing,
		auth:        config.Auth,
		requests:    config.Requests,
		media:       config.Media,
		requireAuth: config.RequireAuth,
		calls:       pending.New[*signal.Response](config.Clock),
		control:     pending.New[signal.Message](config.Clock),
		streams:     make(map[string]*inboundStream),
		opened:      make(chan struct{}),
		closed:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: creating PeerConnection: %w", err)
	}
	s.pc = pc

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		s.sendCandidate(candidate.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state change", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.closeWith(fmt.Errorf("tunnel: peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			s.closeWith(ErrClosed)
		}
	})

	if config.Role == RoleAnswerer {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.adoptChannel(dc)
		})
	}

	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Namespace returns the rendezvous namespace this session was built
// for.
func (s *Session) Namespace() string {
	return s.namespace
}

// advance moves the state forward. State never moves backward, so a
// late negotiation event cannot demote an open session.
func (s *Session) advance(next State) {
	for {
		current := s.state.Load()
		if current >= int32(next) {
			return
		}
		if s.state.CompareAndSwap(current, int32(next)) {
			s.logger.Debug("session state change",
				"from", State(current).String(),
				"to", next.String(),
			)
			return
		}
	}
}

// Start begins negotiation. The offerer creates both data channels,
// produces the SDP offer, and sends it through the relay; the answerer
// just arms the open deadline and waits for HandleSignal to deliver
// the offer. Candidates trickle via OnICECandidate in both roles.
func (s *Session) Start(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	s.advance(StateSignaling)

	go s.openDeadline(ctx)

	if s.role != RoleOfferer {
		return nil
	}

	ordered := true
	general, err := s.pc.CreateDataChannel(generalChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("tunnel: creating general channel: %w", err)
	}
	s.adoptChannel(general)

	media, err := s.pc.CreateDataChannel(mediaChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("tunnel: creating media channel: %w", err)
	}
	s.adoptChannel(media)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("tunnel: creating SDP offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("tunnel: setting local description: %w", err)
	}

	if err := s.signals.SendSignal(signal.Offer{
		Namespace: s.namespace,
		SDP:       offer.SDP,
		SDPType:   offer.Type.String(),
	}); err != nil {
		return fmt.Errorf("tunnel: sending offer: %w", err)
	}
	s.logger.Info("SDP offer sent")
	return nil
}

// openDeadline tears the session down if the general channel does not
// open within the configured window.
func (s *Session) openDeadline(ctx context.Context) {
	select {
	case <-s.opened:
	case <-s.closed:
	case <-ctx.Done():
		s.closeWith(ctx.Err())
	case <-s.clock.After(s.openTimeout):
		s.closeWith(fmt.Errorf("tunnel: channel did not open within %s", s.openTimeout))
	}
}

// WaitOpen blocks until the general channel opens, the session closes,
// or ctx is cancelled.
func (s *Session) WaitOpen(ctx context.Context) error {
	select {
	case <-s.opened:
		return nil
	case <-s.closed:
		return s.closeReason()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSignal processes one relayed signaling message addressed to
// this session's namespace. The relay client's read loop calls this.
func (s *Session) HandleSignal(message signal.Message) error {
	switch m := message.(type) {
	case *signal.Offer:
		return s.handleOffer(m)
	case *signal.Answer:
		return s.handleAnswer(m)
	case *signal.Candidate:
		return s.handleCandidate(m)
	default:
		return fmt.Errorf("tunnel: unexpected signaling message %s", message.MessageType())
	}
}

func (s *Session) handleOffer(offer *signal.Offer) error {
	if s.role != RoleAnswerer {
		return fmt.Errorf("tunnel: offerer received an SDP offer")
	}

	if err := s.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("tunnel: creating SDP answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("tunnel: setting local description: %w", err)
	}

	if err := s.signals.SendSignal(signal.Answer{
		Namespace: s.namespace,
		SDP:       answer.SDP,
		SDPType:   answer.Type.String(),
	}); err != nil {
		return fmt.Errorf("tunnel: sending answer: %w", err)
	}

	s.advance(StateNegotiating)
	s.logger.Info("SDP answer sent")
	return nil
}

func (s *Session) handleAnswer(answer *signal.Answer) error {
	if s.role != RoleOfferer {
		return fmt.Errorf("tunnel: answerer received an SDP answer")
	}
	if err := s.setRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return err
	}
	s.advance(StateNegotiating)
	return nil
}

// setRemoteDescription installs the remote SDP and flushes candidates
// that arrived before it. Trickled candidates cannot be added to a
// PeerConnection that has no remote description yet.
func (s *Session) setRemoteDescription(description webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("tunnel: setting remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	queued := s.queuedCandidates
	s.queuedCandidates = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warn("adding queued ICE candidate failed", "error", err)
		}
	}
	return nil
}

func (s *Session) handleCandidate(message *signal.Candidate) error {
	candidate := webrtc.ICECandidateInit{Candidate: message.Candidate}
	if message.SDPMid != "" {
		mid := message.SDPMid
		candidate.SDPMid = &mid
	}
	index := message.SDPMLineIndex
	candidate.SDPMLineIndex = &index

	s.mu.Lock()
	if !s.remoteDescSet {
		s.queuedCandidates = append(s.queuedCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("tunnel: adding ICE candidate: %w", err)
	}
	return nil
}

func (s *Session) sendCandidate(candidate webrtc.ICECandidateInit) {
	message := signal.Candidate{
		Namespace: s.namespace,
		Candidate: candidate.Candidate,
	}
	if candidate.SDPMid != nil {
		message.SDPMid = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		message.SDPMLineIndex = *candidate.SDPMLineIndex
	}
	if err := s.signals.SendSignal(message); err != nil {
		s.logger.Warn("sending ICE candidate failed", "error", err)
	}
}

// adoptChannel wires a data channel's handlers by label. Both roles
// pass through here; the offerer for channels it created, the answerer
// for channels delivered by OnDataChannel.
func (s *Session) adoptChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case generalChannelLabel:
		s.mu.Lock()
		s.general = dc
		s.mu.Unlock()
		dc.OnOpen(func() {
			s.logger.Info("general channel open")
			s.advance(StateOpen)
			close(s.opened)
		})
		dc.OnMessage(func(message webrtc.DataChannelMessage) {
			s.bytesReceived.Add(int64(len(message.Data)))
			s.handleGeneralData(message.Data)
		})
		dc.OnClose(func() {
			s.closeWith(ErrClosed)
		})
	case mediaChannelLabel:
		s.mu.Lock()
		s.mediaChannel = dc
		s.mu.Unlock()
		dc.OnMessage(func(message webrtc.DataChannelMessage) {
			s.bytesReceived.Add(int64(len(message.Data)))
			s.handleMediaData(message.Data)
		})
	default:
		s.logger.Warn("unexpected data channel", "label", dc.Label())
		dc.Close()
	}
}

// sendGeneral encodes and sends one control message on the general
// channel.
func (s *Session) sendGeneral(message signal.Message) error {
	s.mu.Lock()
	dc := s.general
	s.mu.Unlock()
	if dc == nil {
		return ErrNotOpen
	}

	data, err := signal.Encode(message)
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("tunnel: sending %s: %w", message.MessageType(), err)
	}
	s.bytesSent.Add(int64(len(data)))
	return nil
}

// sendMedia sends one pre-encoded frame on the media channel.
func (s *Session) sendMedia(data []byte) error {
	s.mu.Lock()
	dc := s.mediaChannel
	s.mu.Unlock()
	if dc == nil {
		return ErrNotOpen
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("tunnel: sending media frame: %w", err)
	}
	s.bytesSent.Add(int64(len(data)))
	return nil
}

// Close tears the session down. Idempotent. Every pending call,
// control exchange, and inbound stream is failed so no caller blocks
// on a tunnel that will never answer.
func (s *Session) Close() error {
	s.closeWith(ErrClosed)
	return nil
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closeErrMu.Lock()
		s.closeErr = err
		s.closeErrMu.Unlock()

		s.state.Store(int32(StateClosed))
		close(s.closed)

		failed := s.calls.FailAll(s.namespace, pending.ErrDisconnected)
		failed += s.control.FailAll(s.namespace, pending.ErrDisconnected)
		s.failAllStreams(pending.ErrDisconnected)

		if s.pc != nil {
			s.pc.Close()
		}
		s.logger.Info("session closed", "pending_failed", failed, "reason", err)
	})
}

func (s *Session) closeReason() error {
	s.closeErrMu.Lock()
	defer s.closeErrMu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClosed
}

// Done returns a channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
