package host

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/client"
	"github.com/m4xw311/acpclient/errors"
	"github.com/m4xw311/acpclient/mcp"
	"github.com/m4xw311/acpclient/session"
)

// Command names accepted by Execute.
const (
	CmdNewSession      = "agent:new-session"
	CmdSubmitPrompt    = "agent:submit-prompt"
	CmdCancelPrompt    = "agent:cancel-prompt"
	CmdClearHistory    = "agent:clear-history"
	CmdExportSession   = "agent:export-session"
	CmdListSessions    = "agent:list-sessions"
	CmdDeleteSession   = "agent:delete-session"
	CmdReconnect       = "agent:reconnect"
	CmdCheckMCPServers = "agent:check-mcp-servers"
	CmdTogglePanel     = "agent:toggle-panel"
)

// SlashCommand is the chat command that submits its argument as a prompt.
const SlashCommand = "/agent"

// ErrUnknownCommand is returned by Execute for names it does not know.
var ErrUnknownCommand = errors.Sentinel("unknown command")

type command func(e *Extension, ctx context.Context, arg string) error

var commands = map[string]command{
	CmdNewSession: func(e *Extension, ctx context.Context, _ string) error {
		_, err := e.NewSession(ctx)
		return err
	},
	CmdSubmitPrompt: func(e *Extension, ctx context.Context, arg string) error {
		_, err := e.SubmitPrompt(ctx, arg)
		return err
	},
	CmdCancelPrompt: func(e *Extension, _ context.Context, _ string) error {
		return e.CancelPrompt()
	},
	CmdClearHistory: func(e *Extension, _ context.Context, _ string) error {
		return e.ClearHistory()
	},
	CmdExportSession: func(e *Extension, _ context.Context, _ string) error {
		_, err := e.ExportSession()
		return err
	},
	CmdListSessions: func(e *Extension, _ context.Context, _ string) error {
		e.display(e.ListSessions())
		return nil
	},
	CmdDeleteSession: func(e *Extension, _ context.Context, arg string) error {
		return e.DeleteSession(arg)
	},
	CmdReconnect: func(e *Extension, ctx context.Context, _ string) error {
		return e.Reconnect(ctx)
	},
	CmdCheckMCPServers: func(e *Extension, ctx context.Context, _ string) error {
		e.display(e.CheckMCPServers(ctx))
		return nil
	},
	CmdTogglePanel: func(e *Extension, _ context.Context, _ string) error {
		e.notice("The agent panel is not available in this front end")
		return nil
	},
}

// Commands returns the names Execute accepts, sorted.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a host command. arg is the command's single argument, if it
// takes one: the prompt for agent:submit-prompt, the session id for
// agent:delete-session. Failures are also reported through OnError.
func (e *Extension) Execute(ctx context.Context, name, arg string) error {
	cmd, ok := commands[name]
	if !ok {
		return e.report(errors.Wrapk(ErrUnknownCommand, nil, "%s", name))
	}
	e.logger.Debug("executing command", "command", name)
	return e.report(cmd(e, ctx, arg))
}

// HandleSlash runs a chat slash command. It reports whether line was one.
func (e *Extension) HandleSlash(ctx context.Context, line string) (bool, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), SlashCommand)
	if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t') {
		return false, nil
	}
	_, err := e.SubmitPrompt(ctx, strings.TrimSpace(rest))
	return true, e.report(err)
}

// NewSession asks the agent for a session and makes it current. The store
// keeps it under the id the agent assigned.
func (e *Extension) NewSession(ctx context.Context) (string, error) {
	c := e.agentClient()
	cfg := e.config()
	resp, err := c.NewSession(ctx, e.cwd, cfg.ACPMcpServers())
	if err != nil {
		return "", err
	}
	if _, err := e.store.Adopt(resp.SessionID, e.cwd); err != nil {
		return "", err
	}
	e.markBound(resp.SessionID, c.Generation())
	e.notice("Started session " + resp.SessionID)
	return resp.SessionID, nil
}

func (e *Extension) markBound(id string, generation uint64) {
	e.mu.Lock()
	e.bound[id] = generation
	e.mu.Unlock()
}

// activeSession returns the id to prompt under: the current session,
// rebound to the running agent if the agent has been restarted since the
// session was opened, or a new session if there is none.
func (e *Extension) activeSession(ctx context.Context) (string, error) {
	id, ok := e.store.Current()
	if !ok {
		return e.NewSession(ctx)
	}
	c := e.agentClient()
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	gen := c.Generation()
	e.mu.Lock()
	boundGen, known := e.bound[id]
	e.mu.Unlock()
	if known && boundGen == gen {
		return id, nil
	}
	return e.rebind(ctx, c, id, gen)
}

// rebind makes the agent know session id again after a restart. Agents
// that can load sessions resume it under the same id; otherwise a fresh
// agent session is opened and the stored history is moved to its id.
func (e *Extension) rebind(ctx context.Context, c AgentClient, id string, gen uint64) (string, error) {
	sess, _ := e.store.Get(id)
	cwd := e.cwd
	if sess != nil && sess.Cwd != "" {
		cwd = sess.Cwd
	}
	mcpServers := e.config().ACPMcpServers()

	if info := c.Agent(); info != nil && info.AgentCapabilities != nil && info.AgentCapabilities.LoadSession {
		_, err := c.LoadSession(ctx, id, cwd, mcpServers)
		if err == nil {
			e.markBound(id, gen)
			e.logger.Info("session loaded", "session", id, "generation", gen)
			return id, nil
		}
		if client.KindOf(err) != client.KindProtocol {
			return "", err
		}
		e.logger.Info("agent could not load session, starting a new one", "session", id, "error", err)
	}

	resp, err := c.NewSession(ctx, cwd, mcpServers)
	if err != nil {
		return "", err
	}
	if err := e.store.Rekey(id, resp.SessionID); err != nil {
		return "", err
	}
	e.mu.Lock()
	delete(e.bound, id)
	e.bound[resp.SessionID] = gen
	e.mu.Unlock()
	e.logger.Info("session rekeyed", "from", id, "to", resp.SessionID, "generation", gen)
	return resp.SessionID, nil
}

// SubmitPrompt sends text to the agent under the current session, creating
// one if needed, and records both turns in the store. The agent's reply is
// delivered through OnAssistantMessage and returned.
func (e *Extension) SubmitPrompt(ctx context.Context, text string) (*client.PromptResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty prompt")
	}
	if !e.config().Agent.Enabled {
		return nil, errors.Wrapk(ErrDisabled, nil, "submit prompt")
	}
	id, err := e.activeSession(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.AddMessage(id, session.RoleUser, text); err != nil {
		return nil, err
	}

	res, err := e.agentClient().Prompt(ctx, id, text)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.AddMessage(id, session.RoleAssistant, res.Text); err != nil {
		return nil, err
	}
	if res.StopReason != "" {
		if err := e.store.SetMetadata(id, "last_stop_reason", string(res.StopReason)); err != nil {
			e.logger.Debug("failed to record stop reason", "session", id, "error", err)
		}
	}
	if f := e.callbacks.OnAssistantMessage; f != nil {
		f(res.Text, e.streaming.Load())
	}
	if res.StopReason != acp.StopEndTurn && res.StopReason != "" {
		e.notice("Agent stopped: " + string(res.StopReason))
	}
	return res, nil
}

// CancelPrompt asks the agent to stop the current session's turn.
func (e *Extension) CancelPrompt() error {
	id, ok := e.store.Current()
	if !ok {
		e.notice("No active session")
		return nil
	}
	if err := e.agentClient().Cancel(id); err != nil {
		return err
	}
	e.notice("Cancel requested")
	return nil
}

// ClearHistory drops the current session's turns.
func (e *Extension) ClearHistory() error {
	id, ok := e.store.Current()
	if !ok {
		e.notice("No active session")
		return nil
	}
	if err := e.store.ClearHistory(id); err != nil {
		return err
	}
	e.notice("History cleared")
	return nil
}

// ExportSession displays the current session as JSON and saves a copy
// under the export directory. It returns the saved file's path.
func (e *Extension) ExportSession() (string, error) {
	id, ok := e.store.Current()
	if !ok {
		return "", errors.Wrapk(session.ErrSessionNotFound, nil, "no active session")
	}
	out, err := e.store.Export(id)
	if err != nil {
		return "", err
	}
	e.display(out)
	path, err := e.store.SaveTo(e.exportDir, id)
	if err != nil {
		return "", err
	}
	e.notice("Session saved to " + path)
	return path, nil
}

// ListSessions renders the stored sessions, marking the current one.
func (e *Extension) ListSessions() string {
	list := e.store.List()
	if len(list) == 0 {
		return "No sessions"
	}
	cur, _ := e.store.Current()
	var b strings.Builder
	for _, s := range list {
		mark := " "
		if s.ID == cur {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s  %d messages  updated %s\n", mark, s.ID, len(s.Messages), s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// DeleteSession removes session id, or the current session when id is
// empty.
func (e *Extension) DeleteSession(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		cur, ok := e.store.Current()
		if !ok {
			e.notice("No active session")
			return nil
		}
		id = cur
	}
	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.bound, id)
	e.mu.Unlock()
	e.notice("Deleted session " + id)
	return nil
}

// Reconnect restarts the agent process and performs a fresh handshake.
func (e *Extension) Reconnect(ctx context.Context) error {
	c := e.agentClient()
	if err := c.Reconnect(); err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	e.noticeConnected()
	return nil
}

// CheckMCPServers probes every configured MCP server and renders a report.
func (e *Extension) CheckMCPServers(ctx context.Context) string {
	cfg := e.config()
	servers := cfg.MCPServers
	if len(servers) == 0 {
		return "No MCP servers configured"
	}
	var b strings.Builder
	for _, st := range mcp.Probe(ctx, servers, client.Version, cfg.Performance.MaxConcurrentRequests) {
		switch {
		case st.Skipped:
			fmt.Fprintf(&b, "%s (%s): not checked\n", st.Name, st.Type)
		case st.Err != nil:
			fmt.Fprintf(&b, "%s (%s): error: %v\n", st.Name, st.Type, st.Err)
		default:
			fmt.Fprintf(&b, "%s (%s): ok, %d tools: %s\n", st.Name, st.Type, len(st.Tools), strings.Join(st.Tools, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Describe renders err for a user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch client.KindOf(err) {
	case client.KindConfiguration:
		return "Agent is not configured: add an entry under agent_servers (" + err.Error() + ")"
	case client.KindProtocol:
		var agentErr *acp.Error
		errors.As(err, &agentErr)
		msg := agentErr.Message
		if len(agentErr.Data) > 0 && string(agentErr.Data) != "null" {
			msg += " " + string(agentErr.Data)
		}
		return "Agent reported an error: " + msg
	case client.KindTimeout:
		return "Agent did not respond in time"
	case client.KindTransport:
		return "Not connected to the agent: " + err.Error()
	case client.KindEncoding:
		return "Agent sent a response that could not be understood: " + err.Error()
	case client.KindClosed:
		return "Agent connection closed"
	}
	if errors.Is(err, ErrDisabled) {
		return "The agent is disabled in settings"
	}
	return err.Error()
}
