package api

import (
	"encoding/json"
	"time"

	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/storage"
)

// --- POST /v1/tools/{name}/invoke ---

// InvokeRequest is the JSON body for a single tool call. ConfirmationToken
// comes from an earlier confirm_required response for the same arguments.
type InvokeRequest struct {
	SessionID         string          `json:"session_id"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
	ConfirmationToken string          `json:"confirmation_token,omitempty"`
	Simulated         bool            `json:"simulated,omitempty"`
}

// ToolErrorResp describes a rejected or failed call. Fields beyond Kind and
// Message are set only for the kinds they belong to. Args holds the exact
// argument bytes that need confirmation.
type ToolErrorResp struct {
	Kind              string   `json:"kind"`
	Message           string   `json:"message"`
	Violation         string   `json:"violation,omitempty"`
	RequiredScopes    []string `json:"required_scopes,omitempty"`
	UserScopes        []string `json:"user_scopes,omitempty"`
	MissingScopes     []string `json:"missing_scopes,omitempty"`
	Args              string   `json:"args,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	ConfirmationToken string   `json:"confirmation_token,omitempty"`
}

// InvokeResp is the outcome of one tool call.
type InvokeResp struct {
	Tool       string          `json:"tool"`
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolErrorResp  `json:"error,omitempty"`
	AuditID    string          `json:"audit_id,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// --- POST /v1/turns ---

// TurnCall is one tool call within a turn.
type TurnCall struct {
	Tool              string          `json:"tool"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
	ConfirmationToken string          `json:"confirmation_token,omitempty"`
}

// TurnRequest is the JSON body for a batch of tool calls from one agent turn.
type TurnRequest struct {
	SessionID string     `json:"session_id"`
	Calls     []TurnCall `json:"calls"`
	Simulated bool       `json:"simulated,omitempty"`
}

// TurnResp holds one result per call, in request order.
type TurnResp struct {
	Results []InvokeResp `json:"results"`
}

// --- Tools ---

// ToolListResp lists the function schemas of every tool.
type ToolListResp struct {
	Tools []schema.FunctionSchema `json:"tools"`
}

// --- Audit ---

// SessionAuditResp is a session's audit timeline, oldest first.
type SessionAuditResp struct {
	SessionID string               `json:"session_id"`
	Entries   []storage.AuditEntry `json:"entries"`
}

// AuditStatsResp wraps the stats with the window they cover.
type AuditStatsResp struct {
	StudioID string              `json:"studio_id"`
	Since    time.Time           `json:"since"`
	Stats    *storage.AuditStats `json:"stats"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
