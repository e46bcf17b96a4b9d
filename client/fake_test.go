package client

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
)

// fakeProcess is an agent process backed by in-memory pipes.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	once    sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		p.stdinW.Close()
		p.stdinR.Close()
		p.stdoutW.Close()
		close(p.done)
	})
	return nil
}

// fakeAgent speaks the protocol on the other end of a fakeProcess. It
// answers initialize itself and hands every other message to the test.
type fakeAgent struct {
	proc *fakeProcess

	writeMu  sync.Mutex
	received chan *acp.Message
}

func (a *fakeAgent) serve() {
	scanner := bufio.NewScanner(a.proc.stdinR)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		msg, err := acp.Parse(scanner.Bytes())
		if err != nil {
			continue
		}
		if msg.Kind == acp.KindRequest && msg.Method == acp.MethodInitialize {
			a.reply(msg.ID, acp.InitializeResponse{
				ProtocolVersion:   acp.ProtocolVersion,
				AgentCapabilities: &acp.AgentCapabilities{LoadSession: true},
				AgentInfo:         &acp.Implementation{Name: "fake", Version: "1"},
			})
			continue
		}
		a.received <- msg
	}
}

// send writes one raw line to the client.
func (a *fakeAgent) send(line string) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = io.WriteString(a.proc.stdoutW, line+"\n")
}

func (a *fakeAgent) reply(id acp.ID, result any) {
	msg, err := acp.NewResult(id, result)
	if err != nil {
		panic(err)
	}
	a.sendMessage(msg)
}

func (a *fakeAgent) fail(id acp.ID, code int, message string) {
	a.sendMessage(acp.NewErrorResponse(id, acp.NewError(code, message, nil)))
}

func (a *fakeAgent) chunk(sessionID string, kind acp.UpdateType, text string) {
	block := acp.TextBlock(text)
	msg, err := acp.NewNotification(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: sessionID,
		Update:    acp.SessionUpdate{SessionUpdate: kind, Content: &block},
	})
	if err != nil {
		panic(err)
	}
	a.sendMessage(msg)
}

func (a *fakeAgent) sendMessage(msg *acp.Message) {
	data, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	a.send(string(data))
}

func (a *fakeAgent) next(t *testing.T) *acp.Message {
	t.Helper()
	select {
	case msg := <-a.received:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("agent received nothing")
		return nil
	}
}

// fakeLauncher starts a new fakeAgent for every launch.
type fakeLauncher struct {
	mu     sync.Mutex
	agents []*fakeAgent
	ready  chan *fakeAgent
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{ready: make(chan *fakeAgent, 16)}
}

func (l *fakeLauncher) Launch(Command) (Process, error) {
	a := &fakeAgent{proc: newFakeProcess(), received: make(chan *acp.Message, 64)}
	go a.serve()
	l.mu.Lock()
	l.agents = append(l.agents, a)
	l.mu.Unlock()
	l.ready <- a
	return a.proc, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.agents)
}

func (l *fakeLauncher) agent(t *testing.T) *fakeAgent {
	t.Helper()
	select {
	case a := <-l.ready:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no agent launched")
		return nil
	}
}

func testSettings() Settings {
	return Settings{
		Server:     &config.AgentServer{Command: "fake-agent", Args: []string{"--stdio"}},
		ServerName: "fake",
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func decodeParams[T any](t *testing.T, msg *acp.Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Params, &v); err != nil {
		t.Fatalf("Failed to decode %s params: %v", msg.Method, err)
	}
	return v
}
