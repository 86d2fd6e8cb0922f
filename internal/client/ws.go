package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gqlcache/internal/graphql"
)

// Subprotocol is the WebSocket subprotocol spoken by WSTransport
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// ErrConnectionClosed is returned to in-flight requests when the socket drops
var ErrConnectionClosed = errors.New("websocket connection closed")

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsCall tracks one operation on the socket. resp is only touched by the reader
// until done receives.
type wsCall struct {
	resp *graphql.Response
	done chan error
}

// WSTransport multiplexes GraphQL operations over a single graphql-transport-ws
// connection. The connection is dialed on first use and redialed after it drops.
type WSTransport struct {
	url              string
	headers          http.Header
	handshakeTimeout time.Duration
	logger           zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	pending   map[string]*wsCall
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WSConfig for creating a new WSTransport
type WSConfig struct {
	URL              string
	Headers          map[string]string
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// NewWSTransport creates a new WSTransport. No connection is made until the first Execute.
func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		url:              cfg.URL,
		headers:          headers,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           cfg.Logger.With().Str("transport", "ws").Logger(),
		pending:          make(map[string]*wsCall),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Connected returns true if the WebSocket connection is established
func (t *WSTransport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

// connect returns the live connection, dialing and completing the
// connection_init handshake if there is none
func (t *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.ctx.Err() != nil {
		return nil, ErrConnectionClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}

	t.logger.Info().Str("url", t.url).Msg("WebSocket connecting")
	dialer := websocket.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	if err := t.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	t.conn = conn
	t.wg.Add(1)
	go t.readLoop(conn)
	t.logger.Info().Str("url", t.url).Msg("WebSocket connected")
	return conn, nil
}

func (t *WSTransport) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(t.handshakeTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsMessage{Type: msgConnectionInit, Payload: json.RawMessage("{}")}); err != nil {
		return fmt.Errorf("failed to send connection_init: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("connection_ack not received: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			_ = conn.SetWriteDeadline(time.Time{})
			return conn.SetReadDeadline(time.Time{})
		case msgPing:
			if err := conn.WriteJSON(wsMessage{Type: msgPong}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected message %q during handshake", msg.Type)
		}
	}
}

// Execute sends req as a subscribe message and waits for its single result
func (t *WSTransport) Execute(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	id := uuid.NewString()
	call := &wsCall{done: make(chan error, 1)}

	t.pendingMu.Lock()
	t.pending[id] = call
	t.pendingMu.Unlock()

	if err := t.write(conn, wsMessage{ID: id, Type: msgSubscribe, Payload: payload}); err != nil {
		t.removeCall(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case err := <-call.done:
		if err != nil {
			return nil, err
		}
		if call.resp == nil {
			return nil, fmt.Errorf("operation %s completed without a result", id)
		}
		return call.resp, nil
	case <-ctx.Done():
		if t.removeCall(id) {
			_ = t.write(conn, wsMessage{ID: id, Type: msgComplete})
		}
		return nil, ctx.Err()
	}
}

func (t *WSTransport) write(conn *websocket.Conn, msg wsMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// removeCall drops id from the pending table, reporting whether it was still there
func (t *WSTransport) removeCall(id string) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.ctx.Done():
				t.logger.Debug().Msg("WebSocket reader stopped (shutdown)")
			default:
				t.logger.Warn().Err(err).Msg("WebSocket connection lost")
			}
			t.drop(conn)
			return
		}
		t.dispatch(conn, msg)
	}
}

func (t *WSTransport) dispatch(conn *websocket.Conn, msg wsMessage) {
	switch msg.Type {
	case msgPing:
		if err := t.write(conn, wsMessage{Type: msgPong}); err != nil {
			t.logger.Debug().Err(err).Msg("pong write failed")
		}
	case msgPong:
	case msgNext:
		t.pendingMu.Lock()
		call, ok := t.pending[msg.ID]
		t.pendingMu.Unlock()
		if !ok {
			return
		}
		resp, err := graphql.DecodeResponse(msg.Payload)
		if err != nil {
			t.logger.Warn().Err(err).Str("id", msg.ID).Msg("invalid next payload")
			return
		}
		// queries yield one result; keep the first
		if call.resp == nil {
			call.resp = resp
		}
	case msgError:
		var errs []graphql.Error
		if err := json.Unmarshal(msg.Payload, &errs); err != nil {
			errs = []graphql.Error{graphql.NewError("operation failed")}
		}
		t.finish(msg.ID, func(call *wsCall) {
			call.resp = &graphql.Response{Errors: errs}
			call.done <- nil
		})
	case msgComplete:
		t.finish(msg.ID, func(call *wsCall) {
			call.done <- nil
		})
	default:
		t.logger.Warn().Str("type", msg.Type).Msg("unexpected ws message")
	}
}

func (t *WSTransport) finish(id string, fn func(call *wsCall)) {
	t.pendingMu.Lock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if ok {
		fn(call)
	}
}

// drop forgets conn and fails every in-flight call. The next Execute redials.
func (t *WSTransport) drop(conn *websocket.Conn) {
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()
	conn.Close()

	t.pendingMu.Lock()
	calls := t.pending
	t.pending = make(map[string]*wsCall)
	t.pendingMu.Unlock()

	for _, call := range calls {
		call.done <- ErrConnectionClosed
	}
}

// Close closes the connection and fails in-flight requests
func (t *WSTransport) Close() error {
	t.cancel()

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	var err error
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}
