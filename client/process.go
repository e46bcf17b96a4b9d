package client

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

// Command is a resolved agent launch: argv[0] is the program.
type Command struct {
	Argv []string
	Env  []string
	Dir  string
}

// CommandFor resolves server into a Command run in dir. The environment is
// the current one with the server's variables added on top.
func CommandFor(server config.AgentServer, dir string) (Command, error) {
	environ := os.Environ()
	keys := make([]string, 0, len(server.Env))
	for k := range server.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		environ = append(environ, k+"="+server.Env[k])
	}

	argv, err := server.Argv(environ)
	if err != nil {
		return Command{}, err
	}
	return Command{Argv: argv, Env: environ, Dir: dir}, nil
}

// Process is a running agent. Stdin and Stdout carry the protocol; Done is
// closed once the process has exited and been reaped.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Kill() error
	Done() <-chan struct{}
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(cmd Command) (Process, error)
}

// ExecLauncher starts agents as operating system processes. Lines the agent
// writes to stderr are logged at debug level.
type ExecLauncher struct {
	Logger *slog.Logger
}

func (l ExecLauncher) Launch(c Command) (Process, error) {
	if len(c.Argv) == 0 {
		return nil, errors.Wrapk(ErrNotConfigured, nil, "empty agent command")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapk(ErrTransport, err, "stdin pipe")
	}
	// stdout is a plain pipe rather than StdoutPipe so that Wait does not
	// close it under the reader.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrapk(ErrTransport, err, "stdout pipe")
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapk(ErrTransport, err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, errors.Wrapk(ErrTransport, err, "start agent %s", c.Argv[0])
	}
	stdoutW.Close()

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	logger = logger.With("pid", cmd.Process.Pid)
	logger.Debug("agent started", "argv", c.Argv)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		drainStderr(stderr, logger)
	}()
	go func() {
		drained.Wait()
		err := cmd.Wait()
		logger.Debug("agent exited", "error", err)
		close(p.done)
	}()
	return p, nil
}

// maxStderrLine caps how much of one stderr line is logged.
const maxStderrLine = 4096

// drainStderr logs the agent's stderr line by line until it closes. Lines of
// any length are consumed; only the first maxStderrLine bytes are kept.
func drainStderr(r io.Reader, logger *slog.Logger) {
	br := bufio.NewReader(r)
	var line []byte
	dropped := 0
	for {
		frag, more, err := br.ReadLine()
		keep := min(len(frag), maxStderrLine-len(line))
		line = append(line, frag[:keep]...)
		dropped += len(frag) - keep
		if err != nil || !more {
			switch {
			case dropped > 0:
				logger.Debug("agent stderr", "line", string(line), "truncated", dropped)
			case len(line) > 0:
				logger.Debug("agent stderr", "line", string(line))
			}
			line, dropped = line[:0], 0
		}
		if err != nil {
			return
		}
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	done   chan struct{}
	once   sync.Once
	err    error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Done() <-chan struct{} { return p.done }

// Kill terminates the agent and closes both protocol pipes. It is safe to
// call more than once and after the process has exited on its own.
func (p *execProcess) Kill() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.err = errors.Wrapf(err, "kill agent")
		}
		_ = p.stdout.Close()
	})
	return p.err
}
