package client

import (
	"context"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

var (
	// ErrTransport marks a failure to start the agent process or to write to it.
	ErrTransport = errors.Sentinel("transport error")

	// ErrEncoding marks a payload that could not be encoded, or a result that
	// could not be decoded into the caller's type.
	ErrEncoding = errors.Sentinel("encoding error")

	// ErrTimeout marks a request that got no response within the request
	// timeout. The agent process is left running.
	ErrTimeout = errors.Sentinel("request timed out")

	// ErrNotConfigured is returned when no agent server is available to launch.
	ErrNotConfigured = errors.Sentinel("agent server not configured")

	// ErrNotConnected is returned by a send attempted while no agent process
	// is running.
	ErrNotConnected = errors.Sentinel("not connected")

	// ErrConnectionClosed resolves requests that were pending when the
	// connection went away.
	ErrConnectionClosed = errors.Sentinel("connection closed")

	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = errors.Sentinel("client closed")
)

// Kind classifies an error returned by the client.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindEncoding
	KindProtocol
	KindTimeout
	KindConfiguration
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindEncoding:
		return "encoding"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KindOf reports which kind err belongs to. Errors reported by the agent are
// KindProtocol and can be unwrapped to *acp.Error with errors.As.
func KindOf(err error) Kind {
	var agentErr *acp.Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &agentErr):
		return KindProtocol
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotConfigured),
		errors.Is(err, config.ErrNoAgentServer),
		errors.Is(err, config.ErrUnknownAgentServer):
		return KindConfiguration
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrClientClosed):
		return KindClosed
	case errors.Is(err, ErrTransport), errors.Is(err, ErrNotConnected):
		return KindTransport
	case errors.Is(err, ErrEncoding), errors.Is(err, acp.ErrMalformed):
		return KindEncoding
	default:
		return KindUnknown
	}
}
