package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("store is closed")

// Store persists audit rows. Rows are append-only: nothing is ever updated or deleted.
type Store interface {
	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
	// ListAuditBySession returns the session's entries ordered by CreatedAt, oldest first.
	ListAuditBySession(ctx context.Context, sessionID string) ([]AuditEntry, error)
	// ListAuditSince returns the studio's entries with CreatedAt >= since.
	ListAuditSince(ctx context.Context, studioID string, since time.Time) ([]AuditEntry, error)
	InsertShadowDiff(ctx context.Context, d *ShadowDiffEntry) error
	Close() error
}

// BatchInserter is implemented by stores that can insert many audit rows in one round trip.
type BatchInserter interface {
	InsertAuditEntries(ctx context.Context, entries []AuditEntry) error
}

// StatsQuerier is implemented by stores that aggregate audit stats server-side.
type StatsQuerier interface {
	AuditStats(ctx context.Context, studioID string, since time.Time) (*AuditStats, error)
}

// AuditEntry is one tool invocation attempt.
type AuditEntry struct {
	ID         string          `json:"id"`
	StudioID   string          `json:"studio_id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	ArgsJSON   json.RawMessage `json:"args_json"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"` // set only when OK
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Simulated  bool            `json:"simulated"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ShadowDiffEntry compares the legacy and candidate agent paths for one input.
type ShadowDiffEntry struct {
	ID            string          `json:"id"`
	StudioID      string          `json:"studio_id"`
	SessionID     string          `json:"session_id"`
	Input         string          `json:"input"`
	V1Text        string          `json:"v1_text"`
	V1Error       string          `json:"v1_error,omitempty"`
	V1DurationMs  int64           `json:"v1_duration_ms"`
	V2PlanJSON    json.RawMessage `json:"v2_plan_json,omitempty"`
	V2ResultsJSON json.RawMessage `json:"v2_results_json,omitempty"`
	V2Error       string          `json:"v2_error,omitempty"`
	V2DurationMs  int64           `json:"v2_duration_ms"`
	Match         bool            `json:"match"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditStats summarises a studio's audit rows since a cutoff.
type AuditStats struct {
	Total         int            `json:"total"`
	Successful    int            `json:"successful"`
	Failed        int            `json:"failed"`
	SuccessRate   float64        `json:"success_rate"` // percent, 0 when Total is 0
	AvgDurationMs float64        `json:"avg_duration_ms"`
	ToolUsage     map[string]int `json:"tool_usage"`
}

// ComputeStats aggregates entries. Failed calls count towards the average duration.
func ComputeStats(entries []AuditEntry) *AuditStats {
	s := &AuditStats{ToolUsage: make(map[string]int)}
	var totalMs int64
	for _, e := range entries {
		s.Total++
		if e.OK {
			s.Successful++
		} else {
			s.Failed++
		}
		totalMs += e.DurationMs
		s.ToolUsage[e.Tool]++
	}
	if s.Total > 0 {
		s.SuccessRate = 100 * float64(s.Successful) / float64(s.Total)
		s.AvgDurationMs = float64(totalMs) / float64(s.Total)
	}
	return s
}
