// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dwongdev/mydia-sub014/lib/clock"
	"github.com/dwongdev/mydia-sub014/pending"
	"github.com/dwongdev/mydia-sub014/signal"
	"github.com/dwongdev/mydia-sub014/tunnel"
)

// SignalHandler receives relayed peer signaling (offers, answers,
// candidates) from the relay connection's read loop.
type SignalHandler func(message signal.Message)

// ClientConfig assembles a Client. URL is required.
type ClientConfig struct {
	// URL is the relay's websocket endpoint, e.g.
	// "wss://relay.example.com/signal".
	URL string

	// Signals receives relayed peer signaling. May be nil and replaced
	// later with OnSignal; messages arriving with no handler are
	// dropped with a warning.
	Signals SignalHandler

	Logger *slog.Logger
	Clock  clock.Clock

	// RPCTimeout bounds each claim RPC round trip. Zero means the
	// ledger default.
	RPCTimeout time.Duration
}

// Client is one signaling connection to the relay, shared by claim
// RPCs and session signaling. It implements tunnel.SignalSender and
// tunnel.ClaimConsumer so a session and a pairer can ride it directly.
type Client struct {
	ws         *websocket.Conn
	logger     *slog.Logger
	clock      clock.Clock
	rpcTimeout time.Duration

	// rpc correlates claim RPC replies by request ID. FailAll fires on
	// disconnect so no RPC blocks on a dead connection.
	rpc *pending.Ledger[signal.Message]

	writeMu sync.Mutex

	handlerMu sync.Mutex
	signals   SignalHandler

	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ tunnel.SignalSender  = (*Client)(nil)
	_ tunnel.ClaimConsumer = (*Client)(nil)
)

// rpcOwner labels this connection's entries in the RPC ledger. A
// client has exactly one connection, so one owner.
const rpcOwner = "relay"

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("relay: URL is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dialing %s: %w", config.URL, err)
	}

	client := &Client{
		ws:         ws,
		logger:     config.Logger,
		clock:      config.Clock,
		rpcTimeout: config.RPCTimeout,
		rpc:        pending.New[signal.Message](config.Clock),
		signals:    config.Signals,
		closed:     make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// OnSignal installs the handler for relayed peer signaling, replacing
// any previous one.
func (c *Client) OnSignal(handler SignalHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.signals = handler
}

// Close tears the connection down and fails every in-flight RPC.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		failed := c.rpc.FailAll(rpcOwner, pending.ErrDisconnected)
		if failed > 0 {
			c.logger.Debug("failed in-flight RPCs on close", "count", failed)
		}
	})
	return nil
}

// Done returns a channel closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		message, err := signal.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable relay message", "error", err)
			continue
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message signal.Message) {
	switch m := message.(type) {
	case *signal.ClaimCreated:
		c.rpc.Resolve(m.RequestID, m)
	case *signal.ClaimResolved:
		c.rpc.Resolve(m.RequestID, m)
	case *signal.ClaimConsumed:
		c.rpc.Resolve(m.RequestID, m)
	case *signal.Error:
		remote := &tunnel.RemoteError{Code: m.Code, Message: m.Message}
		if m.RequestID == "" || !c.rpc.Fail(m.RequestID, remote) {
			c.logger.Warn("relay error", "code", m.Code, "message", m.Message)
		}
	case *signal.Offer, *signal.Answer, *signal.Candidate:
		c.handlerMu.Lock()
		handler := c.signals
		c.handlerMu.Unlock()
		if handler == nil {
			c.logger.Warn("dropping relayed signal with no handler", "type", message.MessageType())
			return
		}
		handler(message)
	case *signal.Pong:
		// Keepalive echo; nothing to correlate.
	default:
		c.logger.Warn("unexpected relay message", "type", message.MessageType())
	}
}

// send writes one message to the relay.
func (c *Client) send(message signal.Message) error {
	select {
	case <-c.closed:
		return pending.ErrDisconnected
	default:
	}

	data, err := signal.Encode(message)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay: sending %s: %w", message.MessageType(), err)
	}
	return nil
}

// SendSignal implements tunnel.SignalSender: session signaling rides
// the same connection as the RPCs.
func (c *Client) SendSignal(message signal.Message) error {
	return c.send(message)
}

// Register announces this instance to the relay. Registration has no
// acknowledgement; an invalid registration surfaces as an error
// message handled by the read loop.
func (c *Client) Register(instanceID, publicKey string, directURLs []string) error {
	return c.send(signal.Register{
		InstanceID: instanceID,
		PublicKey:  publicKey,
		DirectURLs: directURLs,
	})
}

// call runs one claim RPC round trip.
func (c *Client) call(ctx context.Context, requestID string, request signal.Message) (signal.Message, error) {
	waiter := c.rpc.Register(rpcOwner, requestID)
	if err := c.send(request); err != nil {
		c.rpc.Delete(requestID)
		return nil, err
	}
	return waiter.Wait(ctx, c.rpcTimeout)
}

// CreateClaim mints a pairing claim on the relay. A zero TTL takes the
// relay's default.
func (c *Client) CreateClaim(ctx context.Context, ttl time.Duration) (*signal.ClaimCreated, error) {
	requestID := uuid.NewString()
	reply, err := c.call(ctx, requestID, signal.ClaimCreate{
		RequestID:  requestID,
		TTLSeconds: int64(ttl / time.Second),
	})
	if err != nil {
		return nil, err
	}
	created, ok := reply.(*signal.ClaimCreated)
	if !ok {
		return nil, fmt.Errorf("relay: unexpected claim creation reply %s", reply.MessageType())
	}
	return created, nil
}

// ResolveClaim resolves and locks a claim code, returning the
// rendezvous namespace to meet the owning instance in.
func (c *Client) ResolveClaim(ctx context.Context, code string) (*signal.ClaimResolved, error) {
	requestID := uuid.NewString()
	reply, err := c.call(ctx, requestID, signal.ClaimResolve{
		RequestID: requestID,
		Code:      code,
	})
	if err != nil {
		return nil, err
	}
	resolved, ok := reply.(*signal.ClaimResolved)
	if !ok {
		return nil, fmt.Errorf("relay: unexpected claim resolution reply %s", reply.MessageType())
	}
	return resolved, nil
}

// ConsumeClaim implements tunnel.ClaimConsumer: it spends the claim
// once pairing completes.
func (c *Client) ConsumeClaim(ctx context.Context, claimID, deviceID string) error {
	requestID := uuid.NewString()
	reply, err := c.call(ctx, requestID, signal.ClaimConsume{
		RequestID: requestID,
		ClaimID:   claimID,
		DeviceID:  deviceID,
	})
	if err != nil {
		return err
	}
	if _, ok := reply.(*signal.ClaimConsumed); !ok {
		return fmt.Errorf("relay: unexpected claim consumption reply %s", reply.MessageType())
	}
	return nil
}

// Ping sends a connection-level keepalive toward the relay.
func (c *Client) Ping() error {
	return c.send(signal.Ping{})
}
