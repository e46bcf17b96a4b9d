package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

// Version is reported to agents in clientInfo.
const Version = "0.3.0"

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultCacheSize      = 50

	lateTTL = 5 * time.Minute
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Starting
	Initialized
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Initialized:
		return "initialized"
	default:
		return "disconnected"
	}
}

// Settings is what a Client needs from configuration.
type Settings struct {
	// Server is launched on connect. A nil Server makes every operation
	// that needs the agent fail with ErrNotConfigured.
	Server     *config.AgentServer
	ServerName string
	Cwd        string

	RequestTimeout time.Duration
	CacheSize      int
}

// SettingsFrom builds Settings from cfg. If no server can be resolved the
// returned Settings has a nil Server and the resolution error is returned
// alongside it.
func SettingsFrom(cfg *config.Config, serverName, cwd string) (Settings, error) {
	s := Settings{
		Cwd:            cwd,
		RequestTimeout: cfg.Performance.Timeout(),
		CacheSize:      cfg.Performance.CacheSize,
	}
	name, server, err := cfg.ResolveServer(serverName)
	if err != nil {
		return s, err
	}
	s.Server, s.ServerName = &server, name
	return s, nil
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces the clock used for request timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLauncher replaces how agent processes are started.
func WithLauncher(l Launcher) Option {
	return func(c *Client) { c.launcher = l }
}

// WithRequestHandler answers requests the agent sends to the client. Without
// one every agent request is answered with "method not found".
func WithRequestHandler(h RequestHandler) Option {
	return func(c *Client) { c.handler = h }
}

// WithCapabilities overrides the capabilities announced in initialize.
func WithCapabilities(caps acp.ClientCapabilities) Option {
	return func(c *Client) { c.caps = &caps }
}

// Client owns one agent process at a time and correlates requests sent to
// it with the responses it returns. A Client holds no process until the
// first operation that needs one; Close terminates whatever it holds.
//
// All methods are safe for concurrent use.
type Client struct {
	settings Settings
	logger   *slog.Logger
	clock    clock.Clock
	launcher Launcher
	handler  RequestHandler
	caps     *acp.ClientCapabilities
	timeout  time.Duration

	nextID atomic.Int64
	late   *ttlcache.Cache[acp.ID, string]
	router *router

	// lifecycle serialises connect, reconnect and close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	conn       *conn
	state      State
	closed     bool
	generation uint64
	agent      *acp.InitializeResponse
}

// New returns a disconnected Client.
func New(settings Settings, opts ...Option) *Client {
	c := &Client{
		settings: settings,
		logger:   slog.New(slog.DiscardHandler),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.launcher == nil {
		c.launcher = ExecLauncher{Logger: c.logger}
	}
	if c.handler == nil {
		c.handler = noHandler{}
		if c.caps == nil {
			c.caps = &acp.ClientCapabilities{}
		}
	}
	if c.caps == nil {
		c.caps = &acp.ClientCapabilities{Fs: &acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true}}
	}

	c.timeout = settings.RequestTimeout
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	size := settings.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	c.late = ttlcache.New[acp.ID, string](
		ttlcache.WithTTL[acp.ID, string](lateTTL),
		ttlcache.WithCapacity[acp.ID, string](uint64(size)),
		ttlcache.WithDisableTouchOnHit[acp.ID, string](),
	)
	go c.late.Start()

	c.router = newRouter(c.logger)
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation counts successful connects. It changes every time a new agent
// process is initialized, so sessions opened under an older generation are
// known to be gone from the agent.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Agent returns the agent's initialize response for the current connection,
// or nil while disconnected.
func (c *Client) Agent() *acp.InitializeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Initialized {
		return nil
	}
	return c.agent
}

// ServerName is the configured name of the agent server, if any.
func (c *Client) ServerName() string { return c.settings.ServerName }

// Connect starts the agent and performs the initialize handshake. It is a
// no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureConnected(ctx)
	return err
}

// Reconnect terminates the current agent process, if any, and leaves the
// client disconnected. The next operation that needs the agent starts a new
// one.
func (c *Client) Reconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrapk(ErrClientClosed, nil, "reconnect")
	}
	cn := c.conn
	c.conn, c.state, c.agent = nil, Disconnected, nil
	c.mu.Unlock()

	if cn != nil {
		c.logger.Info("terminating agent for reconnect", "generation", cn.generation)
		c.shutdown(cn)
	}
	return nil
}

// Close terminates the agent process and resolves every pending request
// with ErrConnectionClosed. Later calls return ErrClientClosed.
func (c *Client) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn, c.state, c.agent = nil, Disconnected, nil
	c.mu.Unlock()

	if cn != nil {
		c.shutdown(cn)
	}
	c.router.stop()
	c.late.Stop()
	return nil
}

// shutdown closes cn and waits briefly for the process to be reaped.
func (c *Client) shutdown(cn *conn) {
	cn.close(errors.Wrapk(ErrConnectionClosed, nil, "agent terminated"))
	select {
	case <-cn.proc.Done():
	case <-time.After(5 * time.Second):
		c.logger.Warn("agent did not exit after kill", "generation", cn.generation)
	}
}

func (c *Client) current() (*conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if c.state == Initialized && c.conn != nil && !c.conn.closed() {
		return c.conn, true
	}
	return nil, true
}

func (c *Client) ensureConnected(ctx context.Context) (*conn, error) {
	if cn, open := c.current(); cn != nil {
		return cn, nil
	} else if !open {
		return nil, errors.Wrapk(ErrClientClosed, nil, "connect")
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if cn, open := c.current(); cn != nil {
		return cn, nil
	} else if !open {
		return nil, errors.Wrapk(ErrClientClosed, nil, "connect")
	}
	return c.connect(ctx)
}

// connect must be called with lifecycle held.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	if c.settings.Server == nil {
		return nil, errors.Wrapk(ErrNotConfigured, nil, "no agent server configured")
	}
	cmd, err := CommandFor(*c.settings.Server, c.settings.Cwd)
	if err != nil {
		return nil, errors.Wrapk(ErrNotConfigured, err, "agent server %q", c.settings.ServerName)
	}

	c.mu.Lock()
	if stale := c.conn; stale != nil {
		c.conn = nil
		c.mu.Unlock()
		c.shutdown(stale)
		c.mu.Lock()
	}
	c.state = Starting
	generation := c.generation + 1
	c.mu.Unlock()

	proc, err := c.launcher.Launch(cmd)
	if err != nil {
		c.setDisconnected(nil)
		return nil, errors.Wrapk(ErrTransport, err, "launch agent %q", c.settings.ServerName)
	}

	cn := newConn(proc, generation, c.logger)
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	go c.read(cn)

	var resp acp.InitializeResponse
	err = c.call(ctx, cn, acp.MethodInitialize, acp.InitializeRequest{
		ProtocolVersion:    acp.ProtocolVersion,
		ClientCapabilities: c.caps,
		ClientInfo:         &acp.Implementation{Name: "acpclient", Version: Version},
	}, &resp)
	if err != nil {
		c.shutdown(cn)
		c.setDisconnected(cn)
		return nil, errors.Wrapf(err, "initialize")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cn.closed() {
		c.conn, c.state = nil, Disconnected
		return nil, errors.Wrapk(ErrConnectionClosed, nil, "agent exited during initialize")
	}
	c.state, c.agent, c.generation = Initialized, &resp, generation
	c.logger.Info("agent initialized", "server", c.settings.ServerName, "generation", generation,
		"protocolVersion", resp.ProtocolVersion)
	return cn, nil
}

func (c *Client) setDisconnected(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == cn {
		c.conn, c.state, c.agent = nil, Disconnected, nil
	}
}

// read runs the reader for cn and tears cn down when the agent's output
// ends.
func (c *Client) read(cn *conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cn.readLoop(func(line []byte) { c.route(ctx, cn, line) })

	if !cn.closed() {
		cn.logger.Warn("agent closed its output")
	}
	cn.close(errors.Wrapk(ErrConnectionClosed, nil, "agent exited"))
	c.setDisconnected(cn)
}

func (c *Client) route(ctx context.Context, cn *conn, line []byte) {
	msg, err := acp.Parse(line)
	if err != nil {
		cn.logger.Warn("discarding malformed line", "error", err, "line", truncate(line, 200))
		return
	}

	switch msg.Kind {
	case acp.KindResponse:
		if cn.pending.deliver(msg.ID, outcome{msg: msg}) {
			return
		}
		if item := c.late.Get(msg.ID); item != nil {
			c.late.Delete(msg.ID)
			cn.logger.Info("dropping late response", "id", msg.ID.String(), "method", item.Value())
			return
		}
		cn.logger.Debug("dropping response with unknown id", "id", msg.ID.String())
	case acp.KindNotification:
		c.notify(cn, msg)
	case acp.KindRequest:
		go c.serveRequest(ctx, cn, msg)
	}
}

func (c *Client) notify(cn *conn, msg *acp.Message) {
	if msg.Method != acp.MethodSessionUpdate {
		cn.logger.Debug("ignoring notification", "method", msg.Method)
		return
	}
	var n acp.SessionNotification
	if err := msg.DecodeParams(&n); err != nil {
		cn.logger.Warn("discarding session update", "error", err)
		return
	}
	c.router.route(n)
}

// Subscribe registers fn to receive every session update, in arrival order,
// on a goroutine separate from the reader. The returned function removes
// the subscription.
func (c *Client) Subscribe(fn func(acp.SessionNotification)) (unsubscribe func()) {
	return c.router.subscribe(fn)
}

// Call sends a request and decodes its result into result, which may be nil.
// It connects first if needed.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	cn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, cn, method, params, result)
}

// call performs one request on cn. The slot is registered before the
// request is written and removed exactly once: by the reader on delivery,
// or here on timeout or cancellation. Callers never wait on each other.
func (c *Client) call(ctx context.Context, cn *conn, method string, params, result any) error {
	id := acp.NumberID(c.nextID.Add(1))
	req, err := acp.NewRequest(id, method, params)
	if err != nil {
		return errors.Wrapk(ErrEncoding, err, "%s", method)
	}

	timer := c.clock.Timer(c.timeout)
	defer timer.Stop()

	slot, err := cn.pending.register(id)
	if err != nil {
		return err
	}
	if err := cn.write(req); err != nil {
		cn.pending.remove(id)
		return errors.Wrapf(err, "%s", method)
	}

	select {
	case o := <-slot:
		return decodeOutcome(method, id, o, result)
	case <-timer.C:
		if !cn.pending.remove(id) {
			return decodeOutcome(method, id, <-slot, result)
		}
		c.late.Set(id, method, ttlcache.DefaultTTL)
		return errors.Wrapk(ErrTimeout, nil, "%s (id %s) got no response within %s", method, id, c.timeout)
	case <-ctx.Done():
		if !cn.pending.remove(id) {
			return decodeOutcome(method, id, <-slot, result)
		}
		return errors.Wrapf(ctx.Err(), "%s (id %s)", method, id)
	}
}

func decodeOutcome(method string, id acp.ID, o outcome, result any) error {
	if o.err != nil {
		return errors.Wrapf(o.err, "%s (id %s)", method, id)
	}
	if o.msg.Error != nil {
		return o.msg.Error
	}
	if result == nil {
		return nil
	}
	if err := o.msg.DecodeResult(result); err != nil {
		return errors.Wrapk(ErrEncoding, err, "decode %s result", method)
	}
	return nil
}

// Notify sends a notification. Unlike Call it never connects: with no agent
// running it fails with ErrNotConnected.
func (c *Client) Notify(method string, params any) error {
	cn, open := c.current()
	if !open {
		return errors.Wrapk(ErrClientClosed, nil, "notify %s", method)
	}
	if cn == nil {
		return errors.Wrapk(ErrNotConnected, nil, "notify %s", method)
	}
	msg, err := acp.NewNotification(method, params)
	if err != nil {
		return errors.Wrapk(ErrEncoding, err, "%s", method)
	}
	return cn.write(msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// pendingCount is the number of requests awaiting a response on the
// current connection.
func (c *Client) pendingCount() int {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return 0
	}
	return cn.pending.len()
}
