package api

import (
	"errors"
	"net/http"

	"github.com/lumastudio/agentgate/internal/auth"
	"github.com/lumastudio/agentgate/internal/pipeline"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/toolerr"
	"go.uber.org/zap"
)

// statusFor maps a taxonomy kind to its HTTP status.
var statusFor = map[toolerr.Kind]int{
	toolerr.KindValidation:      http.StatusUnprocessableEntity,
	toolerr.KindAuthz:           http.StatusForbidden,
	toolerr.KindConfirmRequired: http.StatusConflict,
	toolerr.KindExecution:       http.StatusBadGateway,
}

// handleInvoke implements POST /v1/tools/{name}/invoke.
func (d *Dependencies) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "session_id is required"})
		return
	}

	p := principalFromContext(r.Context())
	tool := r.PathValue("name")
	ictx := p.InvocationContext(req.SessionID)
	ictx.Confirmed = d.confirmed(p, req.SessionID, tool, req.Arguments, req.ConfirmationToken)
	ictx.Simulated = req.Simulated

	out, err := d.Pipeline.Invoke(r.Context(), tool, req.Arguments, ictx)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
			return
		}
		d.Logger.Error("invoke failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	status := http.StatusOK
	if out.Err != nil {
		status = statusFor[out.Err.Kind()]
	}
	writeJSON(w, status, d.invokeResp(p, req.SessionID, out))
}

// handleTurn implements POST /v1/turns. The response is 200 whenever the
// batch ran; each result carries its own outcome.
func (d *Dependencies) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "session_id is required"})
		return
	}
	if len(req.Calls) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "calls must not be empty"})
		return
	}

	p := principalFromContext(r.Context())
	ictx := p.InvocationContext(req.SessionID)
	ictx.Simulated = req.Simulated

	calls := make([]pipeline.Call, len(req.Calls))
	for i, c := range req.Calls {
		calls[i] = pipeline.Call{
			Tool:      c.Tool,
			Args:      c.Arguments,
			Confirmed: d.confirmed(p, req.SessionID, c.Tool, c.Arguments, c.ConfirmationToken),
		}
	}

	results := d.Pipeline.InvokeBatch(r.Context(), calls, ictx)
	resp := TurnResp{Results: make([]InvokeResp, len(results))}
	for i, res := range results {
		if res.Err != nil {
			resp.Results[i] = InvokeResp{
				Tool:  calls[i].Tool,
				Error: &ToolErrorResp{Kind: "not_found", Message: res.Err.Error()},
			}
			continue
		}
		resp.Results[i] = d.invokeResp(p, req.SessionID, res.Outcome)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) invokeResp(p *auth.Principal, sessionID string, out *pipeline.Outcome) InvokeResp {
	resp := InvokeResp{
		Tool:       out.Tool,
		OK:         out.OK,
		Result:     out.Result,
		AuditID:    out.AuditID,
		DurationMs: out.DurationMs,
	}
	if out.Err != nil {
		resp.Error = toolErrorResp(out.Err)
		var cerr *toolerr.ConfirmRequiredError
		if errors.As(out.Err, &cerr) {
			resp.Error.ConfirmationToken = d.confirmationToken(p, sessionID, out.Tool, cerr.Args)
		}
	}
	return resp
}

func toolErrorResp(err toolerr.Error) *ToolErrorResp {
	resp := &ToolErrorResp{Kind: string(err.Kind()), Message: err.Error()}
	switch e := err.(type) {
	case *toolerr.ValidationError:
		resp.Violation = e.Violation
	case *toolerr.AuthzError:
		resp.RequiredScopes = e.RequiredScopes
		resp.UserScopes = e.UserScopes
		resp.MissingScopes = e.Missing()
	case *toolerr.ConfirmRequiredError:
		resp.Args = string(e.Args)
		resp.Reason = e.Reason
	}
	return resp
}
