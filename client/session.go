package client

import (
	"context"
	"strings"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/errors"
)

// NewSession asks the agent to open a session. The returned id is assigned
// by the agent.
func (c *Client) NewSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) (*acp.NewSessionResponse, error) {
	if mcpServers == nil {
		mcpServers = []acp.McpServer{}
	}
	var resp acp.NewSessionResponse
	if err := c.Call(ctx, acp.MethodSessionNew, acp.NewSessionRequest{Cwd: cwd, McpServers: mcpServers}, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, errors.Wrapk(ErrEncoding, nil, "session/new returned an empty session id")
	}
	return &resp, nil
}

// LoadSession asks the agent to resume sessionID. Agents that do not
// advertise loadSession reject it with a protocol error.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string, mcpServers []acp.McpServer) (*acp.LoadSessionResponse, error) {
	if mcpServers == nil {
		mcpServers = []acp.McpServer{}
	}
	var resp acp.LoadSessionResponse
	req := acp.LoadSessionRequest{SessionID: sessionID, Cwd: cwd, McpServers: mcpServers}
	if err := c.Call(ctx, acp.MethodSessionLoad, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PromptResult is the outcome of a prompt together with everything the
// agent streamed for it while it was in flight.
type PromptResult struct {
	// Text is the concatenated text of the agent message chunks.
	Text string
	// Thoughts is the concatenated text of the agent thought chunks.
	Thoughts   string
	StopReason acp.StopReason
	Updates    []acp.SessionUpdate
}

// Prompt sends text as a single text block and waits for the turn to end.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	return c.PromptBlocks(ctx, sessionID, []acp.ContentBlock{acp.TextBlock(text)})
}

// PromptBlocks sends a prompt made of arbitrary content blocks. Updates for
// sessionID that arrive while the prompt is in flight are collected into
// the result; the agent sends them before its response on the same stream,
// so none are missed.
func (c *Client) PromptBlocks(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (*PromptResult, error) {
	for i, b := range blocks {
		if err := b.Validate(); err != nil {
			return nil, errors.Wrapk(ErrEncoding, err, "prompt block %d", i)
		}
	}
	cn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	col := c.router.open(sessionID)
	var resp acp.PromptResponse
	err = c.call(ctx, cn, acp.MethodSessionPrompt, acp.PromptRequest{SessionID: sessionID, Prompt: blocks}, &resp)
	updates := c.router.finish(sessionID, col)
	if err != nil {
		return nil, err
	}
	return assemble(updates, resp.StopReason), nil
}

func assemble(updates []acp.SessionUpdate, stop acp.StopReason) *PromptResult {
	var text, thoughts strings.Builder
	for _, u := range updates {
		switch u.SessionUpdate {
		case acp.UpdateAgentMessageChunk:
			text.WriteString(u.ChunkText())
		case acp.UpdateAgentThoughtChunk:
			thoughts.WriteString(u.ChunkText())
		}
	}
	return &PromptResult{
		Text:       text.String(),
		Thoughts:   thoughts.String(),
		StopReason: stop,
		Updates:    updates,
	}
}

// Cancel asks the agent to stop the active turn of sessionID. It is best
// effort: the prompt's own call still waits for the agent's response. With
// no agent running there is nothing to cancel and Cancel returns nil.
func (c *Client) Cancel(sessionID string) error {
	err := c.Notify(acp.MethodSessionCancel, acp.CancelNotification{SessionID: sessionID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
