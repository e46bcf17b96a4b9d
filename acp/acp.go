package acp

import (
	"bytes"
	"encoding/json"

	"github.com/m4xw311/acpclient/errors"
)

// Version is the JSON-RPC version tag carried by every message.
const Version = "2.0"

// ErrMalformed marks a line that is not a well-formed protocol message.
var ErrMalformed = errors.Sentinel("malformed message")

// Kind discriminates the three message shapes.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is one protocol message. Which fields are meaningful depends on
// Kind:
//   - request: ID, Method, Params
//   - response: ID and exactly one of Result or Error
//   - notification: Method, Params
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// NewRequest builds a request. params is encoded immediately so encoding
// problems surface at the call site.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := encodeValue(params)
	if err != nil {
		return nil, errors.Wrapf(err, "encode params for %s", method)
	}
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := encodeValue(params)
	if err != nil {
		return nil, errors.Wrapf(err, "encode params for %s", method)
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResult builds a successful response. A nil result is sent as null.
func NewResult(id ID, result any) (*Message, error) {
	raw, err := encodeValue(result)
	if err != nil {
		return nil, errors.Wrapf(err, "encode result for request %s", id)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id ID, e *Error) *Message {
	return &Message{Kind: KindResponse, ID: id, Error: e}
}

// IsError reports whether a response carries an error outcome.
func (m *Message) IsError() bool { return m.Kind == KindResponse && m.Error != nil }

// DecodeParams unmarshals the params of a request or notification into v.
func (m *Message) DecodeParams(v any) error {
	return decodeValue(m.Params, v)
}

// DecodeResult unmarshals the result of a successful response into v.
func (m *Message) DecodeResult(v any) error {
	return decodeValue(m.Result, v)
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type wireError struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Error   *Error `json:"error"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindRequest:
		return json.Marshal(wireRequest{JSONRPC: Version, ID: m.ID, Method: m.Method, Params: m.Params})
	case KindNotification:
		return json.Marshal(wireNotification{JSONRPC: Version, Method: m.Method, Params: m.Params})
	case KindResponse:
		if (m.Error == nil) == (m.Result == nil) {
			return nil, errors.Wrapk(ErrMalformed, nil, "response %s must carry exactly one of result or error", m.ID)
		}
		if m.Error != nil {
			return json.Marshal(wireError{JSONRPC: Version, ID: m.ID, Error: m.Error})
		}
		return json.Marshal(wireResult{JSONRPC: Version, ID: m.ID, Result: m.Result})
	default:
		return nil, errors.Wrapk(ErrMalformed, nil, "message has no kind")
	}
}

// Encode returns the single-line wire form of m, without the trailing
// newline.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, errors.Wrapk(ErrMalformed, nil, "encoded message contains a newline")
	}
	return data, nil
}

// Parse decodes one line into a Message. Shapes are discriminated by field
// presence: a method makes it a request (with id) or notification (without);
// otherwise it must be a response with an id and exactly one of result or
// error. Anything else fails with ErrMalformed.
func Parse(line []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, errors.Wrapk(ErrMalformed, err, "decode line")
	}

	if raw, ok := fields["jsonrpc"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v != Version {
			return nil, errors.Wrapk(ErrMalformed, nil, "unsupported jsonrpc version %s", raw)
		}
	}

	rawID, hasID := fields["id"]
	rawMethod, hasMethod := fields["method"]
	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]

	if hasMethod {
		if hasResult || hasError {
			return nil, errors.Wrapk(ErrMalformed, nil, "message carries both a method and an outcome")
		}
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return nil, errors.Wrapk(ErrMalformed, err, "method must be a non-empty string")
		}
		msg := &Message{Kind: KindNotification, Method: method, Params: nonNull(fields["params"])}
		if hasID {
			if err := json.Unmarshal(rawID, &msg.ID); err != nil {
				return nil, errors.Wrapk(ErrMalformed, err, "request id")
			}
			msg.Kind = KindRequest
		}
		return msg, nil
	}

	if !hasID {
		return nil, errors.Wrapk(ErrMalformed, nil, "message has neither a method nor an id")
	}
	if hasResult == hasError {
		return nil, errors.Wrapk(ErrMalformed, nil, "response must carry exactly one of result or error")
	}

	msg := &Message{Kind: KindResponse}
	if err := json.Unmarshal(rawID, &msg.ID); err != nil {
		return nil, errors.Wrapk(ErrMalformed, err, "response id")
	}
	if hasError {
		if isNull(rawError) {
			return nil, errors.Wrapk(ErrMalformed, nil, "response %s has a null error", msg.ID)
		}
		var e Error
		if err := json.Unmarshal(rawError, &e); err != nil {
			return nil, errors.Wrapk(ErrMalformed, err, "response %s error object", msg.ID)
		}
		msg.Error = &e
		return msg, nil
	}
	msg.Result = rawResult
	return msg, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("raw value is not valid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func decodeValue(raw json.RawMessage, v any) error {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if raw == nil || isNull(raw) {
		return nil
	}
	return raw
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
