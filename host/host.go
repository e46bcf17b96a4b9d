package host

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/client"
	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
	"github.com/m4xw311/acpclient/session"
	"github.com/m4xw311/acpclient/workspace"
)

// ErrDisabled is returned by prompt submission when agent.enabled is false.
var ErrDisabled = errors.Sentinel("agent is disabled")

// AgentClient is the part of *client.Client the Extension drives.
type AgentClient interface {
	Connect(ctx context.Context) error
	Reconnect() error
	Close() error
	State() client.State
	Generation() uint64
	Agent() *acp.InitializeResponse
	ServerName() string
	NewSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) (*acp.NewSessionResponse, error)
	LoadSession(ctx context.Context, sessionID, cwd string, mcpServers []acp.McpServer) (*acp.LoadSessionResponse, error)
	Prompt(ctx context.Context, sessionID, text string) (*client.PromptResult, error)
	Cancel(sessionID string) error
	Subscribe(fn func(acp.SessionNotification)) (unsubscribe func())
}

// Dialer builds the client for a configuration. It is called once by New
// and again on every SettingsUpdated.
type Dialer func(cfg *config.Config, serverName, cwd string, logger *slog.Logger) AgentClient

// Callbacks are how the Extension reports back to whatever front end hosts
// it. Nil fields are skipped.
type Callbacks struct {
	// OnAssistantMessage receives the final text of a turn. streamed is
	// true when the same text was already delivered through OnChunk.
	OnAssistantMessage func(text string, streamed bool)
	// OnChunk receives agent message chunks as they stream in.
	OnChunk func(sessionID, text string)
	// OnThought receives agent thought chunks as they stream in.
	OnThought func(sessionID, text string)
	// OnToolCall receives tool_call and tool_call_update notifications.
	OnToolCall func(sessionID string, update acp.SessionUpdate)
	// OnDisplay receives command output such as listings and exports.
	OnDisplay func(text string)
	// OnNotice receives short informational notifications.
	OnNotice func(text string)
	// OnError receives user-facing error messages, see Describe.
	OnError func(text string)
}

// Option configures an Extension.
type Option func(*Extension)

func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithDialer replaces how clients are built. The default launches the
// configured agent server with a workspace request handler.
func WithDialer(d Dialer) Option {
	return func(e *Extension) { e.dial = d }
}

// WithServerName selects an agent server by name instead of the
// configured default.
func WithServerName(name string) Option {
	return func(e *Extension) { e.serverName = name }
}

// WithStore replaces the session store, e.g. one with a mock clock.
func WithStore(s *session.Store) Option {
	return func(e *Extension) { e.store = s }
}

// WithExportDir sets where agent:export-session writes snapshots.
func WithExportDir(dir string) Option {
	return func(e *Extension) { e.exportDir = dir }
}

// Extension ties a protocol client and a session store together and
// exposes them as host commands. It owns both.
type Extension struct {
	mu          sync.Mutex
	cfg         *config.Config
	cwd         string
	serverName  string
	exportDir   string
	client      AgentClient
	unsubscribe func()
	// bound maps a stored session to the client generation the agent knows
	// it under. A session whose generation is stale is rebound before use.
	bound map[string]uint64

	store     *session.Store
	streaming atomic.Bool
	callbacks Callbacks
	logger    *slog.Logger
	dial      Dialer
}

// New builds an Extension for cfg rooted at cwd.
func New(cfg *config.Config, cwd string, callbacks Callbacks, opts ...Option) *Extension {
	e := &Extension{
		cfg:       cfg,
		cwd:       cwd,
		exportDir: session.DefaultDir,
		bound:     make(map[string]uint64),
		callbacks: callbacks,
		logger:    slog.New(slog.DiscardHandler),
		dial:      DefaultDialer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = session.NewStore(cfg.Agent.MaxHistory)
	}
	e.streaming.Store(cfg.Agent.Streaming)
	e.attach(e.dial(cfg, e.serverName, cwd, e.logger))
	return e
}

// DefaultDialer launches the configured agent server. File requests from
// the agent are served from cwd under the configured access policy.
func DefaultDialer(cfg *config.Config, serverName, cwd string, logger *slog.Logger) AgentClient {
	settings, err := client.SettingsFrom(cfg, serverName, cwd)
	if err != nil {
		logger.Warn("no agent server", "error", err)
	}
	opts := []client.Option{client.WithLogger(logger)}
	if fs, err := workspace.New(cwd, cfg.FilesystemAccess); err != nil {
		logger.Warn("file access disabled", "error", err)
	} else {
		opts = append(opts, client.WithRequestHandler(workspace.NewHandler(fs, cfg.Permissions, logger)))
	}
	return client.New(settings, opts...)
}

// attach installs c as the current client. e.mu must not be held.
func (e *Extension) attach(c AgentClient) {
	unsubscribe := c.Subscribe(e.onUpdate)
	e.mu.Lock()
	e.client, e.unsubscribe = c, unsubscribe
	e.bound = make(map[string]uint64)
	e.mu.Unlock()
}

func (e *Extension) agentClient() AgentClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *Extension) config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Store is the session store the Extension keeps history in.
func (e *Extension) Store() *session.Store { return e.store }

// Start connects eagerly when agent.auto_start is set. Otherwise the agent
// is started by the first command that needs it.
func (e *Extension) Start(ctx context.Context) error {
	if !e.config().Agent.AutoStart {
		return nil
	}
	if err := e.agentClient().Connect(ctx); err != nil {
		return err
	}
	e.noticeConnected()
	return nil
}

func (e *Extension) onUpdate(n acp.SessionNotification) {
	if !e.streaming.Load() {
		return
	}
	u := n.Update
	switch u.SessionUpdate {
	case acp.UpdateAgentMessageChunk:
		if f := e.callbacks.OnChunk; f != nil {
			f(n.SessionID, u.ChunkText())
		}
	case acp.UpdateAgentThoughtChunk:
		if f := e.callbacks.OnThought; f != nil {
			f(n.SessionID, u.ChunkText())
		}
	case acp.UpdateToolCall, acp.UpdateToolCallUpdate:
		if f := e.callbacks.OnToolCall; f != nil {
			f(n.SessionID, u)
		}
	}
}

// SettingsUpdated applies a reloaded configuration. The running agent is
// terminated and a client for the new settings takes its place; every
// stored session is rebound on its next use.
func (e *Extension) SettingsUpdated(cfg *config.Config) {
	e.mu.Lock()
	old, unsubscribe := e.client, e.unsubscribe
	e.cfg = cfg
	e.mu.Unlock()

	unsubscribe()
	if err := old.Close(); err != nil {
		e.logger.Warn("closing previous client", "error", err)
	}
	e.store.SetMaxHistory(cfg.Agent.MaxHistory)
	e.streaming.Store(cfg.Agent.Streaming)
	e.attach(e.dial(cfg, e.serverName, e.cwd, e.logger))
	e.notice("Settings reloaded")
}

// Close terminates the agent. The Extension must not be used afterwards.
func (e *Extension) Close() error {
	e.mu.Lock()
	c, unsubscribe := e.client, e.unsubscribe
	e.mu.Unlock()
	unsubscribe()
	return c.Close()
}

func (e *Extension) notice(text string) {
	if f := e.callbacks.OnNotice; f != nil {
		f(text)
	}
}

func (e *Extension) display(text string) {
	if f := e.callbacks.OnDisplay; f != nil {
		f(text)
	}
}

// report hands err to OnError in its user-facing form and returns it.
func (e *Extension) report(err error) error {
	if err == nil {
		return nil
	}
	e.logger.Debug("command failed", "error", err)
	if f := e.callbacks.OnError; f != nil {
		f(Describe(err))
	}
	return err
}

func (e *Extension) noticeConnected() {
	c := e.agentClient()
	name := c.ServerName()
	if info := c.Agent(); info != nil && info.AgentInfo != nil && info.AgentInfo.Name != "" {
		name = info.AgentInfo.Name
	}
	e.notice("Connected to " + name)
}
