package client

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/errors"
)

// RequestHandler answers requests the agent sends to the client, such as
// fs/read_text_file. Returning an *acp.Error sends it to the agent as is;
// any other error is reported as an internal error.
type RequestHandler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to RequestHandler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

type noHandler struct{}

func (noHandler) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, error) {
	return nil, acp.NewError(acp.CodeMethodNotFound, "Method not found", map[string]string{"method": method})
}

// serveRequest answers one agent request on cn. It runs on its own
// goroutine so a slow handler never stalls the reader.
func (c *Client) serveRequest(ctx context.Context, cn *conn, req *acp.Message) {
	result, err := c.handler.HandleRequest(ctx, req.Method, req.Params)

	var resp *acp.Message
	if err != nil {
		var agentErr *acp.Error
		if !errors.As(err, &agentErr) {
			agentErr = acp.NewError(acp.CodeInternalError, err.Error(), nil)
		}
		cn.logger.Debug("agent request failed", "method", req.Method, "id", req.ID.String(), "error", err)
		resp = acp.NewErrorResponse(req.ID, agentErr)
	} else {
		resp, err = acp.NewResult(req.ID, result)
		if err != nil {
			resp = acp.NewErrorResponse(req.ID, acp.NewError(acp.CodeInternalError, err.Error(), nil))
		}
	}
	if err := cn.write(resp); err != nil {
		cn.logger.Debug("answer agent request", "method", req.Method, "error", err)
	}
}
