package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/host"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inbound is a message from the browser. Either Command (with an optional
// Arg) or Slash is set.
type inbound struct {
	Command string `json:"command,omitempty"`
	Arg     string `json:"arg,omitempty"`
	Slash   string `json:"slash,omitempty"`
}

// outbound is a message to the browser.
type outbound struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId,omitempty"`
	Data      string             `json:"data,omitempty"`
	Streamed  bool               `json:"streamed,omitempty"`
	Update    *acp.SessionUpdate `json:"update,omitempty"`
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	configFlag := flag.String("config", "", "Load configuration from this file only")
	serverFlag := flag.String("server", "", "Agent server to use")
	cwdFlag := flag.String("cwd", "", "Working directory for agent sessions")
	traceFlag := flag.Bool("trace", false, "Log debug output to stderr")
	flag.Parse()

	level := slog.LevelInfo
	if *traceFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		cfg *config.Config
		err error
	)
	if *configFlag != "" {
		cfg, err = config.LoadFile(*configFlag)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Error loading configuration: %+v", err)
	}
	cwd := *cwdFlag
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			log.Fatalf("Error getting working directory: %+v", err)
		}
	}

	http.HandleFunc("/ws", handleWS(cfg, cwd, logger, host.WithLogger(logger), host.WithServerName(*serverFlag)))

	fmt.Printf("WebSocket server running on ws://localhost%s/ws\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// handleWS gives every WebSocket connection its own Extension, and so its
// own agent process, for as long as the connection lasts.
func handleWS(cfg *config.Config, cwd string, logger *slog.Logger, opts ...host.Option) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(m outbound) {
			data, err := json.Marshal(m)
			if err != nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("ws write failed", "error", err)
			}
		}

		ext := host.New(cfg, cwd, host.Callbacks{
			OnAssistantMessage: func(text string, streamed bool) {
				send(outbound{Type: "message", Data: text, Streamed: streamed})
			},
			OnChunk: func(sessionID, text string) {
				send(outbound{Type: "chunk", SessionID: sessionID, Data: text})
			},
			OnThought: func(sessionID, text string) {
				send(outbound{Type: "thought", SessionID: sessionID, Data: text})
			},
			OnToolCall: func(sessionID string, u acp.SessionUpdate) {
				send(outbound{Type: "tool_call", SessionID: sessionID, Update: &u})
			},
			OnDisplay: func(text string) { send(outbound{Type: "display", Data: text}) },
			OnNotice:  func(text string) { send(outbound{Type: "notice", Data: text}) },
			OnError:   func(text string) { send(outbound{Type: "error", Data: text}) },
		}, opts...)
		defer ext.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		if err := ext.Start(ctx); err != nil {
			send(outbound{Type: "error", Data: host.Describe(err)})
		}

		// Commands run concurrently so a cancel can reach a prompt in flight.
		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("ws read ended", "error", err)
				cancel()
				return
			}
			var in inbound
			if err := json.Unmarshal(msg, &in); err != nil || (in.Command == "" && in.Slash == "") {
				send(outbound{Type: "error", Data: "expected {\"command\": ...} or {\"slash\": ...}"})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if in.Slash != "" {
					if handled, _ := ext.HandleSlash(ctx, in.Slash); !handled {
						send(outbound{Type: "error", Data: "unknown slash command"})
					}
					return
				}
				ext.Execute(ctx, in.Command, in.Arg)
			}()
		}
	}
}
