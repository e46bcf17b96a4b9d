package workspace

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

// Handler answers the requests an agent sends to the client: file reads
// and writes through an FS, and permission requests through the configured
// policy. It satisfies client.RequestHandler.
type Handler struct {
	fs     *FS
	policy config.Permissions
	logger *slog.Logger
}

func NewHandler(fs *FS, policy config.Permissions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{fs: fs, policy: policy, logger: logger}
}

func (h *Handler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case acp.MethodFSReadTextFile:
		var req acp.ReadTextFileRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		line, limit := 0, 0
		if req.Line != nil {
			line = *req.Line
		}
		if req.Limit != nil {
			limit = *req.Limit
		}
		content, err := h.fs.ReadTextFile(req.Path, line, limit)
		if err != nil {
			return nil, toAgentError(err)
		}
		h.logger.Debug("agent read file", "session", req.SessionID, "path", req.Path)
		return acp.ReadTextFileResponse{Content: content}, nil

	case acp.MethodFSWriteTextFile:
		var req acp.WriteTextFileRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		if err := h.fs.WriteTextFile(req.Path, req.Content); err != nil {
			return nil, toAgentError(err)
		}
		h.logger.Info("agent wrote file", "session", req.SessionID, "path", req.Path, "bytes", len(req.Content))
		return struct{}{}, nil

	case acp.MethodRequestPermission:
		var req acp.RequestPermissionRequest
		if err := decode(params, &req); err != nil {
			return nil, err
		}
		outcome := Decide(h.policy, req)
		h.logger.Info("permission request", "session", req.SessionID, "outcome", outcome.Outcome, "option", outcome.OptionID)
		return acp.RequestPermissionResponse{Outcome: outcome}, nil

	default:
		return nil, acp.NewError(acp.CodeMethodNotFound, "Method not found", map[string]string{"method": method})
	}
}

// Decide picks an answer to a permission request. Requests are approved
// when the policy auto-approves, or when the tool call's kind is in
// AllowKinds; everything else is rejected. If the agent offers no option of
// the chosen polarity the request is reported as cancelled.
func Decide(policy config.Permissions, req acp.RequestPermissionRequest) acp.PermissionOutcome {
	var call struct {
		Kind acp.ToolKind `json:"kind"`
	}
	if len(req.ToolCall) > 0 {
		_ = json.Unmarshal(req.ToolCall, &call)
	}

	approve := policy.AutoApprove || (call.Kind != "" && slices.Contains(policy.AllowKinds, string(call.Kind)))
	prefer := []acp.PermissionOptionKind{acp.PermissionRejectOnce, acp.PermissionRejectAlways}
	if approve {
		prefer = []acp.PermissionOptionKind{acp.PermissionAllowOnce, acp.PermissionAllowAlways}
	}
	for _, kind := range prefer {
		for _, opt := range req.Options {
			if opt.Kind == kind {
				return acp.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
			}
		}
	}
	return acp.PermissionOutcome{Outcome: "cancelled"}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return acp.NewError(acp.CodeInvalidParams, "missing params", nil)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return acp.NewError(acp.CodeInvalidParams, "Invalid params", err.Error())
	}
	return nil
}

func toAgentError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return acp.NewError(acp.CodeResourceNotFound, "Resource not found", err.Error())
	case errors.Is(err, ErrAccessDenied):
		return acp.NewError(acp.CodeInvalidParams, "Access denied", err.Error())
	default:
		return acp.NewError(acp.CodeInternalError, "Internal error", err.Error())
	}
}
