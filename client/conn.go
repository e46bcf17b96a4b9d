package client

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/errors"
)

// conn is one agent process and the request table that belongs to it. A
// reconnect produces a new conn; nothing carries over between them.
type conn struct {
	proc       Process
	generation uint64
	logger     *slog.Logger

	writeLock sync.Mutex
	w         *bufio.Writer

	pending *pendingTable

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(proc Process, generation uint64, logger *slog.Logger) *conn {
	return &conn{
		proc:       proc,
		generation: generation,
		logger:     logger.With("generation", generation),
		w:          bufio.NewWriter(proc.Stdin()),
		pending:    newPendingTable(),
		done:       make(chan struct{}),
	}
}

// write encodes msg and writes it as one newline-terminated line. Writers
// are serialised so lines never interleave, and each line is flushed before
// the lock is released.
func (cn *conn) write(msg *acp.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return errors.Wrapk(ErrEncoding, err, "encode %s", msg.Kind)
	}

	cn.writeLock.Lock()
	defer cn.writeLock.Unlock()
	select {
	case <-cn.done:
		return errors.Wrapk(ErrNotConnected, nil, "write %s", msg.Kind)
	default:
	}
	cn.logger.Debug("send", "line", string(data))
	if _, err := cn.w.Write(data); err != nil {
		return errors.Wrapk(ErrTransport, err, "write")
	}
	if err := cn.w.WriteByte('\n'); err != nil {
		return errors.Wrapk(ErrTransport, err, "write")
	}
	if err := cn.w.Flush(); err != nil {
		return errors.Wrapk(ErrTransport, err, "flush")
	}
	return nil
}

// readLoop is the only reader of the agent's stdout. It hands every
// non-blank line to handle and returns at end of stream.
func (cn *conn) readLoop(handle func(line []byte)) {
	r := bufio.NewReader(cn.proc.Stdout())
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			handle(line)
		}
		if err != nil {
			if err != io.EOF {
				cn.logger.Debug("read ended", "error", err)
			}
			return
		}
	}
}

// close kills the process and resolves every pending request with reason.
// Only the first call has any effect.
func (cn *conn) close(reason error) {
	cn.closeOnce.Do(func() {
		// Killing first unblocks a writer stuck on a full stdin pipe.
		if err := cn.proc.Kill(); err != nil {
			cn.logger.Warn("kill agent", "error", err)
		}
		cn.writeLock.Lock()
		close(cn.done)
		cn.writeLock.Unlock()

		cn.pending.close(reason)
	})
}

func (cn *conn) closed() bool {
	select {
	case <-cn.done:
		return true
	default:
		return false
	}
}
