// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cliparino/cliparino/internal/log"
)

// callTimeout bounds every OBS request when the caller carries no deadline.
const callTimeout = 10 * time.Second

// DesiredState declares the scene and browser source the controller
// converges OBS onto. It is the single source of truth; anything else
// observed in OBS is drift.
type DesiredState struct {
	SceneName  string
	SourceName string
	Width      int
	Height     int
	URL        string
}

// ObservedState is a snapshot of the managed source, captured per health
// poll and compared against the desired state. Never persisted.
type ObservedState struct {
	URL           string
	Width         int
	Height        int
	InScene       bool
	SceneInActive bool
}

// Controller is a desired-state façade over one obs-websocket connection.
// Requests serialize through the socket; callers observe responses in call
// order.
type Controller struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan responseData
	writeMu   sync.Mutex

	// onDisconnect fires once per established connection when the read
	// loop terminates. Set before Connect.
	onDisconnect func(err error)

	dialer *websocket.Dialer
}

// NewController creates a disconnected controller. onDisconnect may be nil.
func NewController(onDisconnect func(err error)) *Controller {
	return &Controller{
		pending:      make(map[string]chan responseData),
		onDisconnect: onDisconnect,
		dialer:       &websocket.Dialer{HandshakeTimeout: callTimeout},
	}
}

// Connect dials OBS and completes the identify handshake. Password may be
// empty when OBS has authentication disabled.
func (c *Controller) Connect(ctx context.Context, host string, port int, password string) error {
	logger := log.WithComponentFromContext(ctx, "obs")

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(port)}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("obs: dial %s: %w", u.String(), err)
	}

	if err := c.identify(ctx, conn, password); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	logger.Info().Str("event", "obs.connected").Str("host", host).Int("port", port).Msg("obs-websocket connected")
	go c.readLoop(conn)
	return nil
}

// identify performs Hello -> Identify -> Identified on a fresh socket.
func (c *Controller) identify(ctx context.Context, conn *websocket.Conn, password string) error {
	deadline := time.Now().Add(callTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("obs: read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("obs: expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("obs: decode hello: %w", err)
	}

	id := identifyData{RPCVersion: 1}
	if hd.Authentication != nil {
		id.Authentication = authResponse(password, hd.Authentication.Salt, hd.Authentication.Challenge)
	}
	msg, err := marshalEnvelope(opIdentify, id)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("obs: write identify: %w", err)
	}

	var identified envelope
	if err := conn.ReadJSON(&identified); err != nil {
		return fmt.Errorf("obs: %w: %v", ErrAuthFailed, err)
	}
	if identified.Op != opIdentified {
		return ErrAuthFailed
	}
	return nil
}

// readLoop dispatches responses to their callers until the socket dies,
// then fails every pending call and fires the disconnect callback.
func (c *Controller) readLoop(conn *websocket.Conn) {
	logger := log.WithComponent("obs")
	var readErr error

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			readErr = err
			break
		}
		switch env.Op {
		case opResponse:
			var resp responseData
			if err := json.Unmarshal(env.D, &resp); err != nil {
				logger.Warn().Err(err).Str("event", "obs.bad_response").Msg("undecodable response frame")
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.RequestID]
			if ok {
				delete(c.pending, resp.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case opEvent:
			// Events are unsubscribed at identify; drain anything OBS
			// sends anyway.
		}
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if wasConnected {
		logger.Warn().Err(readErr).Str("event", "obs.disconnected").Msg("obs-websocket connection lost")
		if c.onDisconnect != nil {
			c.onDisconnect(readErr)
		}
	}
}

// Disconnect closes the socket gracefully. Idempotent.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(2*time.Second))
	return conn.Close()
}

// IsConnected reports whether the socket is live.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// call issues one request and waits for its response.
func (c *Controller) call(ctx context.Context, requestType string, data any, out any) error {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	ch := make(chan responseData, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	msg, err := marshalEnvelope(opRequest, requestData{
		RequestType: requestType,
		RequestID:   id,
		RequestData: data,
	})
	if err != nil {
		cleanup()
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, msg)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return fmt.Errorf("obs: write %s: %w", requestType, err)
	}

	timeout := callTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case <-timer.C:
		cleanup()
		return fmt.Errorf("obs: %s: request timed out", requestType)
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if !resp.RequestStatus.Result {
			return &RequestError{
				RequestType: requestType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("obs: decode %s response: %w", requestType, err)
			}
		}
		return nil
	}
}
