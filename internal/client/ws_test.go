package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gqlcache/internal/graphql"
)

// newGraphQLWSServer answers every subscribe with handle's payload. A nil
// payload answers with an error message instead.
func newGraphQLWSServer(t *testing.T, handle func(req graphql.Request) json.RawMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case msgConnectionInit:
				_ = conn.WriteJSON(wsMessage{Type: msgPing})
				_ = conn.WriteJSON(wsMessage{Type: msgConnectionAck})
			case msgSubscribe:
				var req graphql.Request
				_ = json.Unmarshal(msg.Payload, &req)
				payload := handle(req)
				if payload == nil {
					_ = conn.WriteJSON(wsMessage{
						ID:      msg.ID,
						Type:    msgError,
						Payload: json.RawMessage(`[{"message":"validation failed"}]`),
					})
					continue
				}
				_ = conn.WriteJSON(wsMessage{ID: msg.ID, Type: msgNext, Payload: payload})
				_ = conn.WriteJSON(wsMessage{ID: msg.ID, Type: msgComplete})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransport_Execute(t *testing.T) {
	srv := newGraphQLWSServer(t, func(req graphql.Request) json.RawMessage {
		return json.RawMessage(`{"data":{"op":"` + req.OperationName + `"}}`)
	})
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: zerolog.Nop()})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range []string{"First", "Second"} {
		resp, err := tr.Execute(ctx, graphql.Request{Query: "{ op }", OperationName: name})
		if err != nil {
			t.Fatalf("Execute(%s): %v", name, err)
		}
		want := `{"op":"` + name + `"}`
		if string(resp.Data) != want {
			t.Errorf("Data = %s, want %s", resp.Data, want)
		}
	}
	if !tr.Connected() {
		t.Error("Connected = false after successful requests")
	}
}

func TestWSTransport_ErrorMessage(t *testing.T) {
	srv := newGraphQLWSServer(t, func(graphql.Request) json.RawMessage { return nil })
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: zerolog.Nop()})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Execute(ctx, graphql.Request{Query: "{ nope }"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Message != "validation failed" {
		t.Errorf("Errors = %+v", resp.Errors)
	}
}

func TestWSTransport_DialFailure(t *testing.T) {
	tr := NewWSTransport(WSConfig{URL: "ws://127.0.0.1:1/graphql", HandshakeTimeout: time.Second, Logger: zerolog.Nop()})
	defer tr.Close()

	if _, err := tr.Execute(context.Background(), pingRequest()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWSTransport_ExecuteAfterClose(t *testing.T) {
	srv := newGraphQLWSServer(t, func(graphql.Request) json.RawMessage {
		return json.RawMessage(`{"data":{}}`)
	})
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv), Logger: zerolog.Nop()})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tr.Execute(context.Background(), pingRequest()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}
}
