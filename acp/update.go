package acp

import (
	"encoding/json"

	"github.com/m4xw311/acpclient/errors"
)

// UpdateType tags a SessionUpdate.
type UpdateType string

const (
	UpdateUserMessageChunk  UpdateType = "user_message_chunk"
	UpdateAgentMessageChunk UpdateType = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateType = "agent_thought_chunk"
	UpdateToolCall          UpdateType = "tool_call"
	UpdateToolCallUpdate    UpdateType = "tool_call_update"
	UpdatePlan              UpdateType = "plan"
)

// SessionNotification is the params of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed change to a session. The tag field decides
// which of the remaining fields apply:
//   - message and thought chunks: Content
//   - tool_call: ToolCallID, Title, Kind, Status, ToolContent, Locations, RawInput
//   - tool_call_update: ToolCallID plus whichever tool fields changed, RawOutput
//   - plan: Entries
type SessionUpdate struct {
	SessionUpdate UpdateType `json:"sessionUpdate"`

	Content *ContentBlock `json:"-"`

	ToolCallID  string             `json:"toolCallId,omitempty"`
	Title       string             `json:"title,omitempty"`
	Kind        ToolKind           `json:"kind,omitempty"`
	Status      ToolCallStatus     `json:"status,omitempty"`
	ToolContent []ToolCallContent  `json:"-"`
	Locations   []ToolCallLocation `json:"locations,omitempty"`
	RawInput    json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput   json.RawMessage    `json:"rawOutput,omitempty"`

	Entries []PlanEntry `json:"entries,omitempty"`
}

// IsChunk reports whether the update carries a content chunk.
func (u SessionUpdate) IsChunk() bool {
	switch u.SessionUpdate {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		return true
	}
	return false
}

// ChunkText returns the text of a chunk update, or "" if the update is not a
// text chunk.
func (u SessionUpdate) ChunkText() string {
	if !u.IsChunk() || u.Content == nil || u.Content.Type != ContentText {
		return ""
	}
	return u.Content.Text
}

// "content" is a single block for chunks but a list for tool calls, so the
// field is encoded by hand.
type updateWire struct {
	SessionUpdate UpdateType         `json:"sessionUpdate"`
	Content       json.RawMessage    `json:"content,omitempty"`
	ToolCallID    string             `json:"toolCallId,omitempty"`
	Title         string             `json:"title,omitempty"`
	Kind          ToolKind           `json:"kind,omitempty"`
	Status        ToolCallStatus     `json:"status,omitempty"`
	Locations     []ToolCallLocation `json:"locations,omitempty"`
	RawInput      json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage    `json:"rawOutput,omitempty"`
	Entries       []PlanEntry        `json:"entries,omitempty"`
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var w updateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := SessionUpdate{
		SessionUpdate: w.SessionUpdate,
		ToolCallID:    w.ToolCallID,
		Title:         w.Title,
		Kind:          w.Kind,
		Status:        w.Status,
		Locations:     w.Locations,
		RawInput:      w.RawInput,
		RawOutput:     w.RawOutput,
		Entries:       w.Entries,
	}

	switch w.SessionUpdate {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		if len(w.Content) == 0 {
			return errors.New("%s update requires content", w.SessionUpdate)
		}
		var block ContentBlock
		if err := json.Unmarshal(w.Content, &block); err != nil {
			return errors.Wrapf(err, "%s content", w.SessionUpdate)
		}
		out.Content = &block
	case UpdateToolCall, UpdateToolCallUpdate:
		if w.ToolCallID == "" {
			return errors.New("%s update requires toolCallId", w.SessionUpdate)
		}
		if w.SessionUpdate == UpdateToolCall && w.Title == "" {
			return errors.New("tool_call update requires title")
		}
		if len(w.Content) > 0 && !isNull(w.Content) {
			if err := json.Unmarshal(w.Content, &out.ToolContent); err != nil {
				return errors.Wrapf(err, "%s content", w.SessionUpdate)
			}
		}
	case UpdatePlan:
	default:
		return errors.New("unknown session update %q", w.SessionUpdate)
	}

	*u = out
	return nil
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	w := updateWire{
		SessionUpdate: u.SessionUpdate,
		ToolCallID:    u.ToolCallID,
		Title:         u.Title,
		Kind:          u.Kind,
		Status:        u.Status,
		Locations:     u.Locations,
		RawInput:      u.RawInput,
		RawOutput:     u.RawOutput,
		Entries:       u.Entries,
	}
	var err error
	switch {
	case u.IsChunk():
		if u.Content == nil {
			return nil, errors.New("%s update requires content", u.SessionUpdate)
		}
		w.Content, err = json.Marshal(u.Content)
	case len(u.ToolContent) > 0:
		w.Content, err = json.Marshal(u.ToolContent)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// ToolKind categorises what a tool call does.
type ToolKind string

const (
	ToolRead    ToolKind = "read"
	ToolEdit    ToolKind = "edit"
	ToolDelete  ToolKind = "delete"
	ToolMove    ToolKind = "move"
	ToolSearch  ToolKind = "search"
	ToolExecute ToolKind = "execute"
	ToolThink   ToolKind = "think"
	ToolFetch   ToolKind = "fetch"
	ToolOther   ToolKind = "other"
)

type ToolCallStatus string

const (
	ToolPending    ToolCallStatus = "pending"
	ToolInProgress ToolCallStatus = "in_progress"
	ToolCompleted  ToolCallStatus = "completed"
	ToolFailed     ToolCallStatus = "failed"
)

// ToolCallContent is produced by a tool call: a content block, a file diff,
// or a reference to a terminal.
type ToolCallContent struct {
	Type string `json:"type"` // "content", "diff" or "terminal"

	Content *ContentBlock `json:"content,omitempty"`

	Path    string  `json:"path,omitempty"`
	OldText *string `json:"oldText,omitempty"`
	NewText string  `json:"newText,omitempty"`

	TerminalID string `json:"terminalId,omitempty"`
}

func (c *ToolCallContent) UnmarshalJSON(data []byte) error {
	type plain ToolCallContent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Type {
	case "content":
		if p.Content == nil {
			return errors.New("content tool output requires content")
		}
	case "diff":
		if p.Path == "" {
			return errors.New("diff tool output requires path")
		}
	case "terminal":
		if p.TerminalID == "" {
			return errors.New("terminal tool output requires terminalId")
		}
	default:
		return errors.New("unknown tool call content %q", p.Type)
	}
	*c = ToolCallContent(p)
	return nil
}

// ToolCallLocation is a file (and optional line) a tool call touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

type PlanPriority string

const (
	PriorityHigh   PlanPriority = "high"
	PriorityMedium PlanPriority = "medium"
	PriorityLow    PlanPriority = "low"
)

type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
)

// PlanEntry is one step of the agent's plan. Entries are sent in order.
type PlanEntry struct {
	Content  string       `json:"content"`
	Priority PlanPriority `json:"priority"`
	Status   PlanStatus   `json:"status"`
}
