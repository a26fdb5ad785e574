// Package gateway implements the client side of the agent gateway
// protocol: an authenticated session over a pluggable transport, chat
// turns with streaming text deltas, turn abort, and generic
// request/response calls.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const protocolVersion = 3

// ChannelID names the conversation channel this client binds to.
const ChannelID = "desktop"

// SessionKey builds the stable conversation key for an agent id.
func SessionKey(agentID string) string {
	return "agent:" + agentID + ":" + ChannelID + ":dm:local"
}

// Config configures a Client.
type Config struct {
	// Dial opens the transport. Required.
	Dial DialFunc

	// Token is the credential presented during the handshake.
	Token string

	// Client identity presented during the handshake.
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string

	// Role and Scopes requested during the handshake.
	Role   string
	Scopes []string

	// SessionKey is the stable conversation key for chat turns.
	// Defaults to SessionKey("main").
	SessionKey string

	// NoContentReply substitutes for a turn that completed without any
	// reply text.
	NoContentReply string

	// AbortedReply substitutes for an aborted turn that had streamed no
	// text yet.
	AbortedReply string

	// Timeouts. Zero values take the protocol defaults.
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	TurnTimeout      time.Duration
	AbortTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "gateway-client"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0.0"
	}
	if c.Platform == "" {
		c.Platform = "desktop"
	}
	if c.Mode == "" {
		c.Mode = "backend"
	}
	if c.Role == "" {
		c.Role = "operator"
	}
	if c.Scopes == nil {
		c.Scopes = []string{"operator.read", "operator.write"}
	}
	if c.SessionKey == "" {
		c.SessionKey = SessionKey("main")
	}
	if c.NoContentReply == "" {
		c.NoContentReply = "收到了，但没有找到回复内容。"
	}
	if c.AbortedReply == "" {
		c.AbortedReply = "（已中断）"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 180 * time.Second
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = 5 * time.Second
	}
}

var errConnectionLost = errors.New("connection lost")

// Client is an agent gateway session. It connects lazily, reconnects
// after transport failures on next use, and runs at most one chat turn
// at a time.
type Client struct {
	cfg Config

	run runTracker

	mu          sync.Mutex
	transport   Transport
	authed      bool
	connecting  chan struct{}
	challengeCh chan struct{}
	nextID      uint64
	pending     map[string]chan *Frame
	turn        *turn
	closed      bool
}

// NewClient creates a gateway client. The transport is not dialed until
// first use.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Dial == nil {
		return nil, errors.New("gateway: Config.Dial is required")
	}
	cfg.setDefaults()
	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan *Frame),
	}, nil
}

// Connected reports whether an authenticated session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && c.authed
}

// Connect ensures an authenticated session, dialing and handshaking if
// necessary. Concurrent callers share one handshake.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.transport != nil && c.authed {
			c.mu.Unlock()
			return nil
		}
		if c.connecting != nil {
			ch := c.connecting
			c.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		ch := make(chan struct{})
		c.connecting = ch
		c.mu.Unlock()

		err := c.handshake(ctx)

		c.mu.Lock()
		c.connecting = nil
		c.mu.Unlock()
		close(ch)
		return err
	}
}

// handshake dials the transport, waits for the gateway's challenge and
// answers it with the connect request.
func (c *Client) handshake(ctx context.Context) (err error) {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	t, dialErr := c.cfg.Dial(hsCtx)
	if dialErr != nil {
		return &TransportError{Op: "dial", Err: dialErr}
	}

	challengeCh := make(chan struct{}, 1)
	resCh := make(chan *Frame, 1)

	c.mu.Lock()
	c.transport = t
	c.authed = false
	c.challengeCh = challengeCh
	id := c.reqIDLocked("connect")
	c.pending[id] = resCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.challengeCh = nil
		c.mu.Unlock()
		if err != nil {
			c.dropTransport(t)
		}
	}()

	go c.readLoop(t)

	select {
	case <-challengeCh:
	case <-hsCtx.Done():
		return handshakeDeadline(ctx)
	}

	params, _ := json.Marshal(ConnectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: ClientInfo{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: c.cfg.Platform,
			Mode:     c.cfg.Mode,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Auth:   ConnectAuth{Token: c.cfg.Token},
	})
	if sendErr := c.sendFrame(hsCtx, t, &Frame{Type: frameReq, ID: id, Method: "connect", Params: params}); sendErr != nil {
		return sendErr
	}

	select {
	case res := <-resCh:
		if res == nil {
			return &TransportError{Op: "recv", Err: errConnectionLost}
		}
		if !res.OK {
			msg := "credentials declined"
			if res.Error != nil && res.Error.Message != "" {
				msg = res.Error.Message
			}
			return &AuthError{Message: msg}
		}
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
		slog.Info("gateway: session authenticated", "client", c.cfg.ClientID)
		return nil
	case <-hsCtx.Done():
		return handshakeDeadline(ctx)
	}
}

func handshakeDeadline(parent context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return ErrHandshakeTimeout
}

// StartTurn sends one chat turn and blocks until it resolves. Streamed
// text deltas are forwarded to onDelta in arrival order before the final
// text is returned.
func (c *Client) StartTurn(ctx context.Context, message string, onDelta func(string)) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.turn != nil {
		c.mu.Unlock()
		return "", ErrTurnActive
	}
	t := c.transport
	if t == nil || !c.authed {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	id := c.reqIDLocked("agent")
	tn := newTurn(id, onDelta)
	c.turn = tn
	resCh := make(chan *Frame, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	defer c.finishTurn(tn, id)

	params, _ := json.Marshal(ChatParams{
		Message:        message,
		SessionKey:     c.cfg.SessionKey,
		IdempotencyKey: uuid.NewString(),
	})
	if err := c.sendFrame(ctx, t, &Frame{Type: frameReq, ID: id, Method: "agent", Params: params}); err != nil {
		return "", err
	}

	timer := time.NewTimer(c.cfg.TurnTimeout)
	defer timer.Stop()
	ctxDone := ctx.Done()

	for {
		select {
		case res := <-resCh:
			c.handleTurnResponse(tn, res)
		case result := <-tn.done:
			if result.err != nil {
				return "", result.err
			}
			if result.text == "" {
				return c.cfg.NoContentReply, nil
			}
			return result.text, nil
		case <-timer.C:
			tn.resolveDeadline(ErrTurnTimeout)
		case <-ctxDone:
			// Cancellation resolves like a deadline: partial text, if any
			// streamed, wins over ctx.Err(). Either way the loop keeps
			// running until tn.done delivers the result.
			tn.resolveDeadline(ctx.Err())
			ctxDone = nil
		}
	}
}

// handleTurnResponse processes the response frame to the agent request.
// An accepted response just records the run id; a non-accepted success
// is itself the completion signal.
func (c *Client) handleTurnResponse(tn *turn, res *Frame) {
	if res == nil {
		tn.resolveDeadline(&TransportError{Op: "recv", Err: errConnectionLost})
		return
	}
	if !res.OK {
		msg := "agent request failed"
		if res.Error != nil && res.Error.Message != "" {
			msg = res.Error.Message
		}
		tn.resolve("", &TurnError{Message: msg})
		return
	}

	var accept acceptPayload
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &accept); err != nil {
			// Some gateways answer with a bare text payload.
			var s string
			if json.Unmarshal(res.Payload, &s) == nil {
				accept.Text = s
			}
		}
	}
	if accept.RunID != "" {
		c.run.Set(accept.RunID)
	}
	if accept.Status == "accepted" {
		return
	}

	if !tn.resolveIfText() {
		tn.resolve(accept.Text, nil)
	}
}

// Abort cancels the active turn. Without a recorded run id it is a
// no-op. The gateway notification is best effort; the local turn
// resolves immediately with whatever text streamed so far.
func (c *Client) Abort(ctx context.Context) {
	runID, ok := c.run.Take()
	if !ok {
		return
	}

	c.mu.Lock()
	tn := c.turn
	t := c.transport
	authed := c.authed
	c.mu.Unlock()

	if tn != nil {
		tn.resolvePartial(c.cfg.AbortedReply)
	}

	if t == nil || !authed {
		slog.Debug("gateway: abort skipped, not connected", "runId", runID)
		return
	}

	c.mu.Lock()
	id := c.reqIDLocked("abort")
	resCh := make(chan *Frame, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	params, _ := json.Marshal(AbortParams{RunID: runID})
	if err := c.sendFrame(ctx, t, &Frame{Type: frameReq, ID: id, Method: "agent.abort", Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		slog.Warn("gateway: abort send failed", "runId", runID, "error", err)
		return
	}

	go func() {
		timer := time.NewTimer(c.cfg.AbortTimeout)
		defer timer.Stop()
		select {
		case res := <-resCh:
			if res != nil && !res.OK {
				slog.Warn("gateway: abort rejected", "runId", runID)
			} else {
				slog.Debug("gateway: abort acknowledged", "runId", runID)
			}
		case <-timer.C:
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			slog.Debug("gateway: abort acknowledgment timed out", "runId", runID)
		}
	}()
}

// Request sends a generic request and waits for the matching response
// payload.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	t := c.transport
	if t == nil || !c.authed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.reqIDLocked("req")
	resCh := make(chan *Frame, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("gateway: marshal %s params: %w", method, err)
		}
		raw = b
	}
	if err := c.sendFrame(ctx, t, &Frame{Type: frameReq, ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res == nil {
			return nil, &TransportError{Op: "recv", Err: errConnectionLost}
		}
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, &FrameError{Message: method + " failed"}
		}
		return res.Payload, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the client down permanently.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.authed = false
	pendings := c.pending
	c.pending = make(map[string]chan *Frame)
	tn := c.turn
	c.mu.Unlock()

	c.run.Clear()
	if tn != nil {
		tn.resolveDeadline(ErrClosed)
	}
	for _, ch := range pendings {
		select {
		case ch <- nil:
		default:
		}
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

func (c *Client) reqIDLocked(prefix string) string {
	c.nextID++
	return prefix + "-" + strconv.FormatUint(c.nextID, 10)
}

func (c *Client) sendFrame(ctx context.Context, t Transport, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	if err := t.Send(ctx, data); err != nil {
		c.transportLost(t, err)
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) readLoop(t Transport) {
	for {
		data, err := t.Recv()
		if err != nil {
			c.transportLost(t, err)
			return
		}
		var f Frame
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil || f.Type == "" {
			slog.Debug("gateway: dropping malformed frame", "error", jsonErr)
			continue
		}
		c.dispatch(&f)
	}
}

func (c *Client) dispatch(f *Frame) {
	switch f.Type {
	case frameRes:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		} else {
			slog.Debug("gateway: response for unknown request", "id", f.ID)
		}
	case frameEvent:
		switch f.Event {
		case eventChallenge:
			c.mu.Lock()
			ch := c.challengeCh
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		case eventAgent:
			c.handleAgentEvent(f.Payload)
		case eventChat:
			c.handleChatEvent(f.Payload)
		default:
			slog.Debug("gateway: ignoring event", "event", f.Event)
		}
	default:
		slog.Debug("gateway: ignoring frame", "type", f.Type)
	}
}

func (c *Client) handleAgentEvent(payload json.RawMessage) {
	var ev agentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Debug("gateway: dropping malformed agent event", "error", err)
		return
	}

	c.mu.Lock()
	tn := c.turn
	c.mu.Unlock()
	if tn == nil {
		slog.Debug("gateway: agent event without active turn", "runId", ev.RunID)
		return
	}

	if ev.RunID != "" {
		c.run.Set(ev.RunID)
	}

	switch ev.Stream {
	case streamText, streamContent:
		var chunk string
		if err := json.Unmarshal(ev.Data, &chunk); err == nil {
			tn.appendDelta(chunk)
		}
	case streamLifecycle:
		var lc lifecycleData
		if err := json.Unmarshal(ev.Data, &lc); err == nil && lc.Phase == "end" {
			tn.resolveIfText()
		}
	case streamTool:
		slog.Debug("gateway: tool delta", "runId", ev.RunID)
	default:
		slog.Debug("gateway: unknown stream kind", "stream", ev.Stream)
	}
}

func (c *Client) handleChatEvent(payload json.RawMessage) {
	var ev chatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Debug("gateway: dropping malformed chat event", "error", err)
		return
	}
	if ev.State != "final" && !ev.Done {
		return
	}

	c.mu.Lock()
	tn := c.turn
	c.mu.Unlock()
	if tn == nil {
		return
	}

	// Without streamed text, the final message body is the reply.
	if tn.partial() == "" {
		if text := ev.Message.text(); text != "" {
			tn.appendDelta(text)
		}
	}
	tn.resolvePartial("")
}

// transportLost tears down a failed connection. Pending requests fail
// over their channels; the active turn resolves with its partial text if
// any streamed.
func (c *Client) transportLost(t Transport, err error) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.authed = false
	pendings := c.pending
	c.pending = make(map[string]chan *Frame)
	tn := c.turn
	c.mu.Unlock()

	t.Close()
	slog.Warn("gateway: connection lost", "error", err)

	for _, ch := range pendings {
		select {
		case ch <- nil:
		default:
		}
	}
	if tn != nil {
		tn.resolveDeadline(&TransportError{Op: "recv", Err: err})
	}
}

func (c *Client) dropTransport(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
		c.authed = false
	}
	c.mu.Unlock()
	t.Close()
}

// finishTurn clears turn state after resolution by any path.
func (c *Client) finishTurn(tn *turn, id string) {
	c.run.Clear()
	c.mu.Lock()
	if c.turn == tn {
		c.turn = nil
	}
	delete(c.pending, id)
	c.mu.Unlock()
}
