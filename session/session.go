package session

import (
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/m4xw311/acpclient/errors"
)

// Role is who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is one turn of a conversation.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is a conversation: its id, the working directory it was opened
// for, and its bounded history, oldest turn first.
type Session struct {
	ID        string            `json:"id"`
	Cwd       string            `json:"cwd,omitempty"`
	Messages  []Message         `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m
		c.Messages[i].Metadata = maps.Clone(m.Metadata)
	}
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// LastMessage returns the newest turn, if any.
func (s *Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// DefaultDir is where sessions are saved, relative to the working directory.
var DefaultDir = filepath.Join(".acpclient", "sessions")

// Save writes the session as indented JSON to dir/<id>.json and returns the
// path.
func (s *Session) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize session")
	}
	path := filepath.Join(dir, filepath.Base(s.ID)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrapf(err, "could not write session file %s", path)
	}
	return path, nil
}

// Load reads a session previously written by Save.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	if s.ID == "" {
		return nil, errors.New("session file %s has no id", path)
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if i := slices.IndexFunc(s.Messages, func(m Message) bool { return !m.Role.Valid() }); i >= 0 {
		return nil, errors.New("session file %s: message %d has unknown role %q", path, i, s.Messages[i].Role)
	}
	return &s, nil
}
