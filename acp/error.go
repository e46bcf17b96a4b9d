package acp

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeResourceNotFound is the protocol's code for a missing file or
	// session.
	CodeResourceNotFound = -32002
)

// Error is the error object of a failed response. It implements error so an
// agent-reported failure can be returned to callers unchanged.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return fmt.Sprintf("agent error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// NewError builds an error object. data may be nil; if it cannot be encoded
// it is dropped.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}
