package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/errors"
)

// Dir is the name of the per-user and per-project configuration directory.
const Dir = ".acpclient"

var (
	// ErrNoAgentServer means no agent server is configured at all, or the
	// chosen one has no command.
	ErrNoAgentServer = errors.Sentinel("no agent server configured")

	// ErrUnknownAgentServer means a server was requested by a name that is
	// not configured.
	ErrUnknownAgentServer = errors.Sentinel("unknown agent server")
)

// AgentServer is how to launch one agent. When Args is empty, Command is
// split into words with shell rules, so "npx -y some-agent --acp" works.
type AgentServer struct {
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
}

// Argv returns the program and its arguments. $VAR references in a split
// Command are expanded from environ.
func (s AgentServer) Argv(environ []string) ([]string, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, errors.Wrapk(ErrNoAgentServer, nil, "agent server has no command")
	}
	if len(s.Args) > 0 {
		return append([]string{s.Command}, s.Args...), nil
	}

	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	fields, err := shell.Fields(s.Command, func(name string) string { return vars[name] })
	if err != nil {
		return nil, errors.Wrapf(err, "parse command %q", s.Command)
	}
	if len(fields) == 0 {
		return nil, errors.Wrapk(ErrNoAgentServer, nil, "command %q is empty after expansion", s.Command)
	}
	return fields, nil
}

type Agent struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	DefaultServer string `yaml:"default_server" toml:"default_server"`
	AutoStart     bool   `yaml:"auto_start" toml:"auto_start"`
	Streaming     bool   `yaml:"streaming" toml:"streaming"`
	MaxHistory    int    `yaml:"max_history" toml:"max_history"`
}

type Performance struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
	// RequestTimeout is in milliseconds.
	RequestTimeout int `yaml:"request_timeout" toml:"request_timeout"`
	CacheSize      int `yaml:"cache_size" toml:"cache_size"`
}

// Timeout returns RequestTimeout as a duration.
func (p Performance) Timeout() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Millisecond
}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden" toml:"hidden"`
	ReadOnly []string `yaml:"read_only" toml:"read_only"`
}

// Permissions decides how session/request_permission is answered.
type Permissions struct {
	// AutoApprove approves every request.
	AutoApprove bool `yaml:"auto_approve" toml:"auto_approve"`
	// AllowKinds approves requests for tool calls of these kinds, e.g. "read".
	AllowKinds []string `yaml:"allow_kinds" toml:"allow_kinds"`
}

// MCPServer is a tool server handed to the agent in session/new. Stdio
// servers set Command; http and sse servers set Type and URL.
type MCPServer struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
}

type Config struct {
	AgentServers     map[string]AgentServer `yaml:"agent_servers" toml:"agent_servers"`
	Agent            Agent                  `yaml:"agent" toml:"agent"`
	Performance      Performance            `yaml:"performance" toml:"performance"`
	FilesystemAccess FilesystemAccess       `yaml:"filesystem_access" toml:"filesystem_access"`
	Permissions      Permissions            `yaml:"permissions" toml:"permissions"`
	MCPServers       []MCPServer            `yaml:"mcp_servers" toml:"mcp_servers"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		AgentServers: map[string]AgentServer{},
		Agent: Agent{
			Enabled:    true,
			Streaming:  true,
			MaxHistory: 100,
		},
		Performance: Performance{
			MaxConcurrentRequests: 3,
			RequestTimeout:        30000,
			CacheSize:             50,
		},
		FilesystemAccess: FilesystemAccess{
			Hidden: []string{Dir, Dir + "/**"},
		},
	}
}

// Paths lists the candidate configuration files in load order: user level
// first, then project level in the working directory.
func Paths() ([]string, error) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, Dir, "config.yaml"),
			filepath.Join(home, Dir, "config.toml"))
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	paths = append(paths,
		filepath.Join(wd, Dir, "config.yaml"),
		filepath.Join(wd, Dir, "config.toml"))
	return paths, nil
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	paths, err := Paths()
	if err != nil {
		return nil, err
	}
	return Load(paths...)
}

// Load applies each existing file in paths over the defaults, in order.
// Missing files are skipped.
func Load(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	cfg.normalize()
	return cfg, nil
}

// LoadFile loads a single file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file overwrite what is already in cfg, so later
	// files override earlier ones key by key.
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	d := Default()
	if c.AgentServers == nil {
		c.AgentServers = map[string]AgentServer{}
	}
	if c.Agent.MaxHistory <= 0 {
		c.Agent.MaxHistory = d.Agent.MaxHistory
	}
	if c.Performance.MaxConcurrentRequests <= 0 {
		c.Performance.MaxConcurrentRequests = d.Performance.MaxConcurrentRequests
	}
	if c.Performance.RequestTimeout <= 0 {
		c.Performance.RequestTimeout = d.Performance.RequestTimeout
	}
	if c.Performance.CacheSize <= 0 {
		c.Performance.CacheSize = d.Performance.CacheSize
	}
}

// ResolveServer picks the agent server to launch. An explicit name must be
// configured. Without one the default server is used, and failing that the
// first server in name order.
func (c *Config) ResolveServer(name string) (string, AgentServer, error) {
	if name != "" {
		s, ok := c.AgentServers[name]
		if !ok {
			return "", AgentServer{}, errors.Wrapk(ErrUnknownAgentServer, nil, "agent server %q", name)
		}
		return name, s, nil
	}
	if d := c.Agent.DefaultServer; d != "" {
		if s, ok := c.AgentServers[d]; ok {
			return d, s, nil
		}
		return "", AgentServer{}, errors.Wrapk(ErrUnknownAgentServer, nil, "default agent server %q", d)
	}
	if len(c.AgentServers) == 0 {
		return "", AgentServer{}, errors.Wrapk(ErrNoAgentServer, nil, "add one under agent_servers")
	}
	names := c.ServerNames()
	return names[0], c.AgentServers[names[0]], nil
}

// ServerNames returns the configured agent server names, sorted.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.AgentServers))
	for n := range c.AgentServers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ACPMcpServers converts the configured MCP servers to their wire form.
func (c *Config) ACPMcpServers() []acp.McpServer {
	out := make([]acp.McpServer, 0, len(c.MCPServers))
	for _, s := range c.MCPServers {
		m := acp.McpServer{Type: s.Type, Name: s.Name, Command: s.Command, Args: s.Args, URL: s.URL}
		for _, k := range sortedKeys(s.Env) {
			m.Env = append(m.Env, acp.EnvVariable{Name: k, Value: s.Env[k]})
		}
		for _, k := range sortedKeys(s.Headers) {
			m.Headers = append(m.Headers, acp.HTTPHeader{Name: k, Value: s.Headers[k]})
		}
		out = append(out, m)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
