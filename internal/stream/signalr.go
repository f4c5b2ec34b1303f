// Package stream owns the two real-time hub connections (market and user),
// the change-detecting quote cache, and the event normalization that turns
// raw hub payloads into bus emissions.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"topstep-gateway/internal/logging"

	"github.com/gorilla/websocket"
)

// SignalR JSON hub protocol message types
const (
	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7
)

// recordSeparator terminates every SignalR frame
const recordSeparator = 0x1e

// Reconnect backoff schedule; the last entry repeats
var reconnectSchedule = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// tokenFunc supplies a fresh bearer token for the connection handshake
type tokenFunc func(ctx context.Context) (string, error)

// hubMessage is the subset of the SignalR wire schema the gateway consumes
type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// hubInvoker sends hub method invocations; split out so hub logic is
// testable without a live socket
type hubInvoker interface {
	Invoke(target string, args ...interface{}) error
}

// hubConn is one SignalR-over-websocket connection with automatic
// reconnection. Inbound invocations are dispatched by target name.
type hubConn struct {
	name     string
	hubURL   string
	getToken tokenFunc
	log      *logging.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	handlers  map[string]func(args []json.RawMessage)

	onConnected    func(reconnect bool)
	onDisconnected func(err error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHubConn(name, hubURL string, getToken tokenFunc, log *logging.Logger) *hubConn {
	return &hubConn{
		name:     name,
		hubURL:   hubURL,
		getToken: getToken,
		log:      log.WithComponent(name),
		handlers: make(map[string]func(args []json.RawMessage)),
		stopCh:   make(chan struct{}),
	}
}

// On registers a handler for an inbound invocation target
func (h *hubConn) On(target string, handler func(args []json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[strings.ToLower(target)] = handler
}

// SetOnConnected sets the callback run after every successful handshake.
// reconnect is false for the first connection only.
func (h *hubConn) SetOnConnected(fn func(reconnect bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnected = fn
}

// SetOnDisconnected sets the callback run when the socket drops
func (h *hubConn) SetOnDisconnected(fn func(err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnected = fn
}

// IsConnected reports the current socket state
func (h *hubConn) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Connect dials the hub, completes the protocol handshake, and starts the
// read and keepalive loops. Subsequent drops reconnect automatically.
func (h *hubConn) Connect(ctx context.Context) error {
	if err := h.dial(ctx); err != nil {
		return err
	}
	h.notifyConnected(false)
	return nil
}

func (h *hubConn) dial(ctx context.Context) error {
	token, err := h.getToken(ctx)
	if err != nil {
		return fmt.Errorf("error getting hub token: %w", err)
	}

	wsURL, err := websocketURL(h.hubURL, token)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("error dialing %s hub: %w", h.name, err)
	}

	// Protocol negotiation: the server answers with an empty record (or an
	// error field) terminated by the separator
	handshake := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return fmt.Errorf("error sending handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, resp, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("error reading handshake response: %w", err)
	}
	var handshakeResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimRight(resp, string(rune(recordSeparator))), &handshakeResp); err == nil && handshakeResp.Error != "" {
		conn.Close()
		return fmt.Errorf("hub handshake rejected: %s", handshakeResp.Error)
	}
	conn.SetReadDeadline(time.Time{})

	h.mu.Lock()
	h.conn = conn
	h.connected = true
	h.mu.Unlock()

	h.wg.Add(2)
	go h.readLoop(conn)
	go h.keepAliveLoop(conn)

	h.log.Info("hub connected", "url", h.hubURL)
	return nil
}

// websocketURL rewrites the scheme and appends the bearer as access_token
func websocketURL(hubURL, token string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("error parsing hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Invoke sends a non-blocking hub invocation
func (h *hubConn) Invoke(target string, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	msg := map[string]interface{}{
		"type":      msgInvocation,
		"target":    target,
		"arguments": args,
	}
	return h.send(msg)
}

func (h *hubConn) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshaling hub message: %w", err)
	}
	data = append(data, recordSeparator)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected || h.conn == nil {
		return fmt.Errorf("%s hub not connected", h.name)
	}
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *hubConn) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.handleDrop(conn, err)
			return
		}

		for _, frame := range bytes.Split(data, []byte{recordSeparator}) {
			if len(frame) == 0 {
				continue
			}
			var msg hubMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				h.log.Warn("dropping unparseable hub frame", "error", err)
				continue
			}
			h.handleMessage(msg)
		}
	}
}

func (h *hubConn) handleMessage(msg hubMessage) {
	switch msg.Type {
	case msgInvocation:
		h.mu.RLock()
		handler := h.handlers[strings.ToLower(msg.Target)]
		h.mu.RUnlock()
		if handler == nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("hub handler panicked", "target", msg.Target, "panic", r)
				}
			}()
			handler(msg.Arguments)
		}()
	case msgPing:
		// Server keepalive; nothing to do
	case msgClose:
		h.log.Warn("server requested hub close", "error", msg.Error)
	}
}

// keepAliveLoop sends client pings so intermediaries keep the socket open
func (h *hubConn) keepAliveLoop(conn *websocket.Conn) {
	defer h.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.RLock()
			stale := h.conn != conn
			h.mu.RUnlock()
			if stale {
				return
			}
			if err := h.send(map[string]interface{}{"type": msgPing}); err != nil {
				return
			}
		}
	}
}

// handleDrop transitions to disconnected and starts reconnection, unless the
// hub is being closed deliberately
func (h *hubConn) handleDrop(conn *websocket.Conn, err error) {
	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	h.connected = false
	onDisc := h.onDisconnected
	h.mu.Unlock()

	conn.Close()

	select {
	case <-h.stopCh:
		return
	default:
	}

	h.log.Warn("hub connection lost", "error", err)
	if onDisc != nil {
		onDisc(err)
	}

	h.wg.Add(1)
	go h.reconnectLoop()
}

func (h *hubConn) reconnectLoop() {
	defer h.wg.Done()

	for attempt := 0; ; attempt++ {
		delay := reconnectSchedule[len(reconnectSchedule)-1]
		if attempt < len(reconnectSchedule) {
			delay = reconnectSchedule[attempt]
		}

		select {
		case <-h.stopCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := h.dial(ctx)
		cancel()
		if err != nil {
			h.log.Warn("hub reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		h.log.Info("hub reconnected", "attempt", attempt+1)
		h.notifyConnected(true)
		return
	}
}

func (h *hubConn) notifyConnected(reconnect bool) {
	h.mu.RLock()
	fn := h.onConnected
	h.mu.RUnlock()
	if fn != nil {
		fn(reconnect)
	}
}

// Close shuts the connection down permanently
func (h *hubConn) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})

	h.mu.Lock()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	h.connected = false
	h.mu.Unlock()

	h.wg.Wait()
}
