package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/host"
)

func dialBridge(t *testing.T) *websocket.Conn {
	t.Helper()
	cfg := config.Default()
	srv := httptest.NewServer(http.HandlerFunc(handleWS(cfg, t.TempDir(), slog.New(slog.DiscardHandler), host.WithExportDir(t.TempDir()))))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, in any) outbound {
	t.Helper()
	var data []byte
	switch v := in.(type) {
	case string:
		data = []byte(v)
	default:
		data, _ = json.Marshal(v)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	var out outbound
	if err := json.Unmarshal(msg, &out); err != nil {
		t.Fatalf("Bridge sent invalid JSON %s: %v", msg, err)
	}
	return out
}

func TestBridgeCommands(t *testing.T) {
	conn := dialBridge(t)

	tests := []struct {
		name     string
		in       any
		wantType string
		wantData string
	}{
		{"list sessions", inbound{Command: host.CmdListSessions}, "display", "No sessions"},
		{"toggle panel", inbound{Command: host.CmdTogglePanel}, "notice", "not available"},
		{"prompt without agent", inbound{Command: host.CmdSubmitPrompt, Arg: "hi"}, "error", "Agent is not configured"},
		{"slash without agent", inbound{Slash: "/agent hi"}, "error", "Agent is not configured"},
		{"not a slash command", inbound{Slash: "/nope"}, "error", "unknown slash command"},
		{"unknown command", inbound{Command: "agent:fly"}, "error", "unknown command"},
		{"garbage", "not json", "error", "expected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := roundTrip(t, conn, tt.in)
			if out.Type != tt.wantType || !strings.Contains(out.Data, tt.wantData) {
				t.Errorf("got %+v, want type %q containing %q", out, tt.wantType, tt.wantData)
			}
		})
	}
}
