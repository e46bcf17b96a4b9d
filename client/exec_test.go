package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
)

const (
	helperEnv       = "ACPCLIENT_HELPER_AGENT"
	helperStderrEnv = "ACPCLIENT_HELPER_STDERR"
)

// TestMain turns the test binary into a minimal agent when helperEnv is set,
// so process lifecycle can be tested against a real child process.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperAgent()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperAgent() {
	// Long stderr lines well past any pipe buffer, written before the agent
	// starts answering.
	if os.Getenv(helperStderrEnv) == "1" {
		long := strings.Repeat("x", 70000) + "\n"
		for i := 0; i < 4; i++ {
			os.Stderr.WriteString(long)
		}
	}
	out := bufio.NewWriter(os.Stdout)
	write := func(msg *acp.Message) {
		data, err := msg.Encode()
		if err != nil {
			return
		}
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	in := bufio.NewReader(os.Stdin)
	for {
		line, err := in.ReadBytes('\n')
		if err != nil {
			return
		}
		msg, err := acp.Parse(line)
		if err != nil || msg.Kind != acp.KindRequest {
			continue
		}
		switch msg.Method {
		case acp.MethodInitialize:
			resp, _ := acp.NewResult(msg.ID, acp.InitializeResponse{
				ProtocolVersion: acp.ProtocolVersion,
				AgentInfo:       &acp.Implementation{Name: "helper", Version: "1"},
			})
			write(resp)
		case acp.MethodSessionNew:
			resp, _ := acp.NewResult(msg.ID, acp.NewSessionResponse{SessionID: "helper-session"})
			write(resp)
		case acp.MethodSessionPrompt:
			var p acp.PromptRequest
			_ = msg.DecodeParams(&p)
			block := acp.TextBlock("echo: " + acp.JoinText(p.Prompt))
			note, _ := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
				SessionID: p.SessionID,
				Update:    acp.SessionUpdate{SessionUpdate: acp.UpdateAgentMessageChunk, Content: &block},
			})
			write(note)
			resp, _ := acp.NewResult(msg.ID, acp.PromptResponse{StopReason: acp.StopEndTurn})
			write(resp)
		default:
			write(acp.NewErrorResponse(msg.ID, acp.NewError(acp.CodeMethodNotFound, "Method not found", nil)))
		}
	}
}

// recordingLauncher remembers every process it starts.
type recordingLauncher struct {
	ExecLauncher
	mu    sync.Mutex
	procs []Process
}

func (l *recordingLauncher) Launch(c Command) (Process, error) {
	p, err := l.ExecLauncher.Launch(c)
	if err == nil {
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
	}
	return p, err
}

func helperSettings() Settings {
	return Settings{
		Server: &config.AgentServer{
			Command: os.Args[0],
			Args:    []string{"-test.run=^$"},
			Env:     map[string]string{helperEnv: "1"},
		},
		ServerName: "helper",
	}
}

func TestExecAgentLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("starts subprocesses")
	}
	l := &recordingLauncher{}
	c := New(helperSettings(), WithLauncher(l))
	defer c.Close()
	ctx := context.Background()

	sess, err := c.NewSession(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	res, err := c.Prompt(ctx, sess.SessionID, "hello")
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if res.Text != "echo: hello" || res.StopReason != acp.StopEndTurn {
		t.Errorf("unexpected prompt result: %+v", res)
	}

	for i := 0; i < 3; i++ {
		if err := c.Reconnect(); err != nil {
			t.Fatalf("Reconnect failed: %v", err)
		}
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l.mu.Lock()
	procs := append([]Process(nil), l.procs...)
	l.mu.Unlock()
	if len(procs) != 4 {
		t.Fatalf("started %d agents, want 4", len(procs))
	}
	for i, p := range procs {
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("agent %d still running", i)
		}
	}
}

func TestExecAgentWithLongStderrLines(t *testing.T) {
	if testing.Short() {
		t.Skip("starts subprocesses")
	}
	settings := helperSettings()
	settings.Server.Env[helperStderrEnv] = "1"
	settings.RequestTimeout = 5 * time.Second
	c := New(settings)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := c.NewSession(context.Background(), t.TempDir(), nil); err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
}

func TestDrainStderrTruncatesLongLines(t *testing.T) {
	var logged strings.Builder
	logger := slog.New(slog.NewTextHandler(&logged, &slog.HandlerOptions{Level: slog.LevelDebug}))
	input := "short\n" + strings.Repeat("y", 3*maxStderrLine) + "\nlast"
	drainStderr(strings.NewReader(input), logger)

	out := logged.String()
	if got := strings.Count(out, "agent stderr"); got != 3 {
		t.Fatalf("logged %d lines, want 3:\n%s", got, out)
	}
	if !strings.Contains(out, "line=short") || !strings.Contains(out, "line=last") {
		t.Errorf("short lines missing:\n%s", out)
	}
	if !strings.Contains(out, fmt.Sprintf("truncated=%d", 2*maxStderrLine)) {
		t.Errorf("long line not truncated:\n%s", out)
	}
	if strings.Contains(out, strings.Repeat("y", maxStderrLine+1)) {
		t.Errorf("long line logged in full")
	}
}
