package session

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/m4xw311/acpclient/errors"
)

// DefaultMaxHistory is the history cap used when none is configured.
const DefaultMaxHistory = 100

var (
	ErrSessionNotFound = errors.Sentinel("session not found")
	ErrSessionExists   = errors.Sentinel("session already exists")
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store is the registry of sessions plus the notion of a current one.
// Sessions handed out by Get and List are copies; change a session through
// the Store's methods.
//
// The Store never talks to an agent. Ids created here and ids assigned by an
// agent share one namespace; Rekey moves a session from one to the other.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	current    string
	maxHistory int
	clock      clock.Clock
}

// NewStore returns an empty store whose sessions keep at most maxHistory
// turns. A non-positive maxHistory selects DefaultMaxHistory.
func NewStore(maxHistory int, opts ...Option) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	s := &Store{
		sessions:   make(map[string]*Session),
		maxHistory: maxHistory,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxHistory reports the history cap.
func (s *Store) MaxHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxHistory
}

// SetMaxHistory changes the cap. Sessions over the new cap are trimmed,
// oldest turns first.
func (s *Store) SetMaxHistory(n int) {
	if n <= 0 {
		n = DefaultMaxHistory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxHistory = n
	for _, sess := range s.sessions {
		s.trim(sess)
	}
}

// Create adds a session with a fresh local id and makes it current.
func (s *Store) Create(cwd string) *Session {
	id := uuid.Must(uuid.NewV7()).String()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.insert(id, cwd)
	s.current = id
	return sess.clone()
}

// Adopt adds a session under an id assigned elsewhere, typically by the
// agent's session/new, and makes it current.
func (s *Store) Adopt(id, cwd string) (*Session, error) {
	if id == "" {
		return nil, errors.New("empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil, errors.Wrapk(ErrSessionExists, nil, "%s", id)
	}
	sess := s.insert(id, cwd)
	s.current = id
	return sess.clone(), nil
}

func (s *Store) insert(id, cwd string) *Session {
	now := s.clock.Now()
	sess := &Session{
		ID:        id,
		Cwd:       cwd,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
	return sess
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// Update runs fn on the stored session under the store's lock and then
// re-applies the history cap and the updated timestamp. fn must not keep
// the pointer or change the id.
func (s *Store) Update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	fn(sess)
	sess.ID = id
	s.trim(sess)
	sess.UpdatedAt = s.clock.Now()
	return nil
}

// Current returns the current session id, if there is one.
func (s *Store) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// SetCurrent makes id the current session.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	s.current = id
	return nil
}

// AddMessage appends a turn to the session, evicting the oldest turns once
// the history exceeds the cap.
func (s *Store) AddMessage(id string, role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, errors.New("unknown role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Message{}, errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	now := s.clock.Now()
	msg := Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
	sess.Messages = append(sess.Messages, msg)
	s.trim(sess)
	sess.UpdatedAt = now
	return msg, nil
}

func (s *Store) trim(sess *Session) {
	if over := len(sess.Messages) - s.maxHistory; over > 0 {
		sess.Messages = append([]Message(nil), sess.Messages[over:]...)
	}
}

// ClearHistory drops every turn of the session but keeps the session.
func (s *Store) ClearHistory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	sess.Messages = []Message{}
	sess.UpdatedAt = s.clock.Now()
	return nil
}

// SetMetadata sets one metadata key on the session.
func (s *Store) SetMetadata(id, key, value string) error {
	return s.Update(id, func(sess *Session) {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]string)
		}
		sess.Metadata[key] = value
	})
}

// List returns copies of all sessions, oldest first.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes the session. Deleting the current session leaves no
// session current.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	delete(s.sessions, id)
	if s.current == id {
		s.current = ""
	}
	return nil
}

// Rekey moves the session stored under oldID to newID, keeping its history.
// The current pointer follows the session.
func (s *Store) Rekey(oldID, newID string) error {
	if newID == "" {
		return errors.New("empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[oldID]
	if !ok {
		return errors.Wrapk(ErrSessionNotFound, nil, "%s", oldID)
	}
	if oldID == newID {
		return nil
	}
	if _, ok := s.sessions[newID]; ok {
		return errors.Wrapk(ErrSessionExists, nil, "%s", newID)
	}
	delete(s.sessions, oldID)
	sess.ID = newID
	sess.UpdatedAt = s.clock.Now()
	s.sessions[newID] = sess
	if s.current == oldID {
		s.current = newID
	}
	return nil
}

// Export returns the session as a self-contained, indented JSON document.
func (s *Store) Export(id string) (string, error) {
	sess, ok := s.Get(id)
	if !ok {
		return "", errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize session")
	}
	return string(data), nil
}

// SaveTo writes the session to dir and returns the file path.
func (s *Store) SaveTo(dir, id string) (string, error) {
	sess, ok := s.Get(id)
	if !ok {
		return "", errors.Wrapk(ErrSessionNotFound, nil, "%s", id)
	}
	return sess.Save(dir)
}

// LoadFrom adds a session saved by SaveTo, trimmed to the cap, and makes it
// current.
func (s *Store) LoadFrom(path string) (*Session, error) {
	sess, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return nil, errors.Wrapk(ErrSessionExists, nil, "%s", sess.ID)
	}
	s.trim(sess)
	s.sessions[sess.ID] = sess
	s.current = sess.ID
	return sess.clone(), nil
}
