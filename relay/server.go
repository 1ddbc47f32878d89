// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the signaling relay and its client. The
// relay is the only always-reachable party: home server instances hold
// a long-lived websocket to it, pairing devices connect briefly to
// resolve a claim code and exchange SDP, and everything after channel
// establishment happens peer-to-peer without the relay.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dwongdev/mydia-sub014/claim"
	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/namespace"
	"github.com/dwongdev/mydia-sub014/registry"
	"github.com/dwongdev/mydia-sub014/signal"
)

// writeTimeout bounds a single websocket write. A peer that stops
// draining its socket gets disconnected instead of blocking the relay.
const writeTimeout = 10 * time.Second

// ServerConfig assembles a Server. Claims is required; the rest
// default.
type ServerConfig struct {
	Claims   claim.Store
	Registry *registry.Registry
	Metrics  *Metrics
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Server is the signaling relay: a websocket endpoint that registers
// instances, answers claim RPCs, and forwards SDP between the two
// parties of a pairing namespace.
type Server struct {
	claims     claim.Store
	registry   *registry.Registry
	metrics    *Metrics
	logger     *slog.Logger
	clock      clock.Clock
	rendezvous *rendezvous
	upgrader   websocket.Upgrader
}

// NewServer creates a relay server.
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Registry == nil {
		config.Registry = registry.New(config.Clock)
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	return &Server{
		claims:     config.Claims,
		registry:   config.Registry,
		metrics:    config.Metrics,
		logger:     config.Logger,
		clock:      config.Clock,
		rendezvous: newRendezvous(),
		upgrader: websocket.Upgrader{
			// Signaling clients are native apps and home servers, not
			// browsers; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection directory for admin surfaces.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// ServeHTTP upgrades the request to a websocket signaling connection
// and serves it until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		server: s,
		ws:     ws,
		logger: s.logger.With("remote", r.RemoteAddr),
		rooms:  make(map[string]bool),
	}
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	c.logger.Debug("signaling connection open")
	c.readLoop(r.Context())
	s.disconnect(c)
}

// disconnect runs the termination cascade for one connection: leave
// every rendezvous room and drop the registry entry if this connection
// still owns it. Idempotent by construction; every step tolerates
// having already happened.
func (s *Server) disconnect(c *conn) {
	c.mu.Lock()
	instanceID := c.instanceID
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		s.rendezvous.leave(room, c)
	}

	if instanceID != "" {
		// A reconnect may have replaced the entry already; only remove
		// it if it is still ours.
		if handle, ok := s.registry.Handle(instanceID); ok && handle == c {
			s.registry.Unregister(instanceID)
		}
		s.metrics.RegisteredInstances.Set(float64(s.registry.Count()))
	}

	c.ws.Close()
	c.logger.Debug("signaling connection closed", "instance_id", instanceID)
}

// conn is one live signaling connection. It implements registry.Handle
// so the registry can address it directly.
type conn struct {
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	// writeMu serializes websocket writes; gorilla allows only one
	// concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	instanceID string
	rooms      map[string]bool
}

var _ registry.Handle = (*conn)(nil)

// Send delivers one encoded signaling message.
func (c *conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the websocket down, which unblocks the read loop and
// triggers the disconnect cascade.
func (c *conn) Close() error {
	return c.ws.Close()
}

func (c *conn) joinRoom(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[namespace] = true
}

func (c *conn) instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

func (c *conn) sendMessage(message signal.Message) {
	data, err := signal.Encode(message)
	if err != nil {
		c.logger.Error("encoding reply failed", "type", message.MessageType(), "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		c.logger.Debug("sending reply failed", "type", message.MessageType(), "error", err)
	}
}

func (c *conn) sendError(requestID, code, message string) {
	c.sendMessage(signal.Error{RequestID: requestID, Code: code, Message: message})
}

// readLoop reads and dispatches messages until the connection drops.
func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		message, err := signal.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable signaling message", "error", err)
			c.sendError("", "bad_message", "undecodable message")
			continue
		}
		c.dispatch(ctx, message, data)
	}
}

func (c *conn) dispatch(ctx context.Context, message signal.Message, raw []byte) {
	switch m := message.(type) {
	case *signal.Register:
		c.handleRegister(m)
	case *signal.ClaimCreate:
		c.handleClaimCreate(ctx, m)
	case *signal.ClaimResolve:
		c.handleClaimResolve(ctx, m)
	case *signal.ClaimConsume:
		c.handleClaimConsume(ctx, m)
	case *signal.Offer:
		c.forward(m.Namespace, string(signal.TypeOffer), raw)
	case *signal.Answer:
		c.forward(m.Namespace, string(signal.TypeAnswer), raw)
	case *signal.Candidate:
		c.forward(m.Namespace, string(signal.TypeCandidate), raw)
	case *signal.Ping:
		c.sendMessage(signal.Pong{})
	default:
		c.logger.Warn("unexpected message", "type", message.MessageType())
		c.sendError("", "bad_message", "unexpected message type "+string(message.MessageType()))
	}
}

func (c *conn) handleRegister(m *signal.Register) {
	if m.InstanceID == "" {
		c.sendError("", "bad_message", "register without instance_id")
		return
	}

	c.mu.Lock()
	c.instanceID = m.InstanceID
	c.mu.Unlock()

	metadata := map[string]string{}
	if m.PublicKey != "" {
		metadata["public_key"] = m.PublicKey
	}
	if len(m.DirectURLs) > 0 {
		metadata["direct_urls"] = strings.Join(m.DirectURLs, ",")
	}

	// Last writer wins: a reconnecting instance replaces its stale
	// entry.
	c.server.registry.Register(m.InstanceID, c, metadata)
	c.server.metrics.RegisteredInstances.Set(float64(c.server.registry.Count()))
	c.logger.Info("instance registered", "instance_id", m.InstanceID)
}

func (c *conn) handleClaimCreate(ctx context.Context, m *signal.ClaimCreate) {
	instanceID := c.instance()
	if instanceID == "" {
		c.sendError(m.RequestID, "unregistered", "claim creation requires registration")
		return
	}

	created, err := c.server.claims.Create(ctx, instanceID, time.Duration(m.TTLSeconds)*time.Second)
	if err != nil {
		c.logger.Error("creating claim failed", "error", err)
		c.sendError(m.RequestID, "internal", "claim creation failed")
		return
	}
	c.server.metrics.ClaimsCreated.Inc()

	// Pre-join the creator to the current-epoch namespace so a fast
	// device's offer has somewhere to land. ClaimResolve re-joins with
	// the authoritative namespace in case the epoch rolls in between.
	c.server.joinWithBacklog(namespace.DeriveAt(created.Code, c.server.clock.Now()), c)

	c.logger.Info("claim created", "claim_id", created.ID, "expires_at", created.ExpiresAt)
	c.sendMessage(signal.ClaimCreated{
		RequestID: m.RequestID,
		ClaimID:   created.ID,
		Code:      created.Code,
		ExpiresAt: created.ExpiresAt.Unix(),
	})
}

func (c *conn) handleClaimResolve(ctx context.Context, m *signal.ClaimResolve) {
	code := claim.NormalizeCode(m.Code)
	resolution, err := c.server.claims.Resolve(ctx, code)
	if err != nil {
		c.replyClaimError(m.RequestID, err)
		return
	}

	// Lock before answering: exactly one concurrent resolver proceeds
	// to signaling, the rest learn the claim is taken.
	locked, err := c.server.claims.Lock(ctx, code)
	if err != nil {
		c.replyClaimError(m.RequestID, err)
		return
	}
	c.server.metrics.ClaimsResolved.Inc()

	// Put both parties in the room for the authoritative namespace.
	c.server.joinWithBacklog(resolution.Namespace, c)
	if handle, ok := c.server.registry.Handle(locked.InstanceID); ok {
		if owner, ok := handle.(*conn); ok {
			c.server.joinWithBacklog(resolution.Namespace, owner)
		}
	}

	c.logger.Info("claim resolved", "claim_id", locked.ID, "instance_id", locked.InstanceID)
	c.sendMessage(signal.ClaimResolved{
		RequestID:        m.RequestID,
		Namespace:        resolution.Namespace,
		ExpiresAt:        resolution.ExpiresAt.Unix(),
		RendezvousPoints: resolution.RendezvousPoints,
	})
}

func (c *conn) handleClaimConsume(ctx context.Context, m *signal.ClaimConsume) {
	instanceID := c.instance()
	if instanceID == "" {
		c.sendError(m.RequestID, "unregistered", "claim consumption requires registration")
		return
	}

	consumed, err := c.server.claims.Consume(ctx, instanceID, m.ClaimID, m.DeviceID)
	if err != nil {
		c.replyClaimError(m.RequestID, err)
		return
	}
	c.server.metrics.ClaimsConsumed.Inc()

	c.logger.Info("claim consumed", "claim_id", consumed.ID, "device_id", m.DeviceID)
	c.sendMessage(signal.ClaimConsumed{RequestID: m.RequestID, ClaimID: consumed.ID})
}

// replyClaimError maps the claim error taxonomy onto wire categories.
// Each category needs distinct user remediation, so the mapping is
// exact rather than collapsed.
func (c *conn) replyClaimError(requestID string, err error) {
	code := "internal"
	switch {
	case errors.Is(err, claim.ErrNotFound):
		code = "not_found"
	case errors.Is(err, claim.ErrExpired):
		code = "expired"
	case errors.Is(err, claim.ErrAlreadyConsumed):
		code = "already_consumed"
	case errors.Is(err, claim.ErrLocked):
		code = "locked"
	default:
		c.logger.Error("claim operation failed", "error", err)
	}
	c.server.metrics.ClaimErrors.WithLabelValues(code).Inc()
	c.sendError(requestID, code, err.Error())
}

// forward relays one signaling payload to the other members of a
// namespace, buffering it when the sender is alone. The relay never
// inspects SDP; it only validates the namespace shape.
func (c *conn) forward(target, messageType string, raw []byte) {
	if !namespace.WellFormed(target) {
		c.sendError("", "bad_namespace", "malformed namespace")
		return
	}

	c.server.metrics.RelayedMessages.WithLabelValues(messageType).Inc()
	for _, member := range c.server.rendezvous.deliver(target, c, raw) {
		if err := member.Send(raw); err != nil {
			member.logger.Debug("forwarding failed", "type", messageType, "error", err)
		}
	}
}

// joinWithBacklog adds a connection to a room and delivers anything
// the other party sent before it arrived.
func (s *Server) joinWithBacklog(target string, member *conn) {
	for _, payload := range s.rendezvous.join(target, member) {
		if err := member.Send(payload); err != nil {
			member.logger.Debug("delivering backlog failed", "error", err)
		}
	}
}
