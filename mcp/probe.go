// Package mcp checks the MCP servers configured for an agent. The client
// never speaks MCP on the agent's behalf; it only forwards the server list
// in session/new. Probe lets a user confirm that a stdio server starts and
// lists its tools before an agent is asked to use it.
package mcp

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

// DefaultProbeTimeout bounds how long a single server gets to answer.
const DefaultProbeTimeout = 10 * time.Second

// Status is the result of probing one server.
type Status struct {
	Name    string
	Type    string
	Tools   []string
	Skipped bool
	Err     error
}

// OK reports whether the server answered.
func (s Status) OK() bool { return !s.Skipped && s.Err == nil }

// Probe starts each stdio server, lists its tools and stops it again. At
// most limit servers run at once; limit <= 0 means one at a time.
// Servers reached over http or sse are reported as skipped. The returned
// slice has one entry per server, in the order given.
func Probe(ctx context.Context, servers []config.MCPServer, clientVersion string, limit int) []Status {
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	out := make([]Status, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		st := Status{Name: srv.Name, Type: srv.Type}
		if st.Type == "" {
			st.Type = "stdio"
		}
		switch {
		case st.Type != "stdio":
			st.Skipped = true
		case srv.Command == "":
			st.Err = errors.New("mcp server '%s' has no command", srv.Name)
		}
		out[i] = st
		if st.Skipped || st.Err != nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			out[i].Err = errors.Wrapf(err, "mcp server '%s'", srv.Name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			pctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
			defer cancel()
			out[i].Tools, out[i].Err = listTools(pctx, srv, clientVersion)
		}()
	}
	wg.Wait()
	return out
}

func listTools(ctx context.Context, srv config.MCPServer, clientVersion string) ([]string, error) {
	if _, err := exec.LookPath(srv.Command); err != nil {
		return nil, errors.Wrapf(err, "mcp server '%s'", srv.Name)
	}
	cmd := exec.CommandContext(ctx, srv.Command, srv.Args...)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(srv.Env))
	for k := range srv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+srv.Env[k])
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acpclient", Version: clientVersion}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", srv.Name)
	}
	defer conn.Close()

	var names []string
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", srv.Name)
		}
		for _, t := range list.Tools {
			names = append(names, t.Name)
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	sort.Strings(names)
	return names, nil
}
