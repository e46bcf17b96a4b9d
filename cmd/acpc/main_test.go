package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/acpclient/acp"
)

const helperEnv = "ACPC_HELPER_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperAgent()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperAgent answers initialize, session/new and session/prompt,
// echoing each prompt back as one message chunk.
func runHelperAgent() {
	out := bufio.NewWriter(os.Stdout)
	write := func(msg *acp.Message) {
		if data, err := msg.Encode(); err == nil {
			out.Write(data)
			out.WriteByte('\n')
			out.Flush()
		}
	}
	in := bufio.NewReader(os.Stdin)
	sessions := 0
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
			sessions++
			resp, _ := acp.NewResult(msg.ID, acp.NewSessionResponse{SessionID: fmt.Sprintf("helper-%d", sessions)})
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

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func helperConfig(t *testing.T) string {
	return writeConfig(t, fmt.Sprintf(`agent_servers:
  helper:
    command: %q
    args: ["-test.run=^$"]
    env:
      %s: "1"
`, os.Args[0], helperEnv))
}

func TestOneShotPrompt(t *testing.T) {
	if testing.Short() {
		t.Skip("starts subprocesses")
	}
	var stdout, stderr bytes.Buffer
	args := []string{"-config", helperConfig(t), "-cwd", t.TempDir(), "-p", "hello", "there"}
	if code := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if got := stdout.String(); got != "echo: hello there\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestInteractiveSession(t *testing.T) {
	if testing.Short() {
		t.Skip("starts subprocesses")
	}
	var stdout, stderr bytes.Buffer
	cwd := t.TempDir()
	args := []string{"-config", helperConfig(t), "-cwd", cwd, "-watch=false"}
	input := "first\n/export\n/quit\n"
	if code := run(context.Background(), args, strings.NewReader(input), &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	if strings.Count(out, "Agent: echo: first") != 1 {
		t.Errorf("reply not printed exactly once:\n%s", out)
	}
	saved := filepath.Join(cwd, ".acpclient", "sessions", "helper-1.json")
	if _, err := os.Stat(saved); err != nil {
		t.Fatalf("export not saved: %v", err)
	}

	// The saved session can be resumed; the agent has never seen it, so it
	// is rebound to a new agent session.
	stdout.Reset()
	args = []string{"-config", helperConfig(t), "-cwd", cwd, "-watch=false", "-resume", saved}
	if code := run(context.Background(), args, strings.NewReader("second\n/sessions\n"), &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "* helper-1  4 messages") {
		t.Errorf("resumed session listing missing:\n%s", stdout.String())
	}
}

func TestNotConfigured(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"-config", writeConfig(t, "agent:\n  streaming: false\n"), "-p", "hi"}
	if code := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Agent is not configured") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"-nope"}, 2},
		{"bad verbosity", []string{"-tool-verbosity", "loud"}, 2},
		{"missing config", []string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, strings.NewReader(""), &stdout, &stderr); code != tt.want {
				t.Errorf("exit code %d, want %d", code, tt.want)
			}
		})
	}
}
