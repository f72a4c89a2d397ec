package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

var clickhouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS tool_audit_log (
		id          String,
		studio_id   String,
		session_id  String,
		tool        LowCardinality(String),
		args_json   String,
		result_json String,
		ok          UInt8,
		error       String,
		error_kind  LowCardinality(String),
		duration_ms Int64,
		simulated   UInt8,
		created_at  DateTime64(6, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (studio_id, session_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS shadow_diff_log (
		id              String,
		studio_id       String,
		session_id      String,
		input           String,
		v1_text         String,
		v1_error        String,
		v1_duration_ms  Int64,
		v2_plan_json    String,
		v2_results_json String,
		v2_error        String,
		v2_duration_ms  Int64,
		matched         UInt8,
		created_at      DateTime64(6, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (studio_id, created_at, id)`,
}

// ClickHouseStore writes audit rows with batch inserts and serves the read
// paths with named-parameter queries.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

// OpenClickHouse connects to ClickHouse and creates the audit tables if needed.
func OpenClickHouse(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("OpenClickHouse: %w", err)
	}

	for _, stmt := range clickhouseSchema {
		if err := conn.Exec(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("OpenClickHouse migrate: %w", err)
		}
	}
	return &ClickHouseStore{conn: conn, logger: logger}, nil
}

func (s *ClickHouseStore) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	return s.InsertAuditEntries(ctx, []AuditEntry{*e})
}

// InsertAuditEntries sends entries as a single batch.
func (s *ClickHouseStore) InsertAuditEntries(ctx context.Context, entries []AuditEntry) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO tool_audit_log (
			id, studio_id, session_id, tool, args_json, result_json,
			ok, error, error_kind, duration_ms, simulated, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("InsertAuditEntries prepare: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.StudioID,
			e.SessionID,
			e.Tool,
			string(e.ArgsJSON),
			string(e.ResultJSON),
			boolUint8(e.OK),
			e.Error,
			e.ErrorKind,
			e.DurationMs,
			boolUint8(e.Simulated),
			e.CreatedAt.UTC(),
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("InsertAuditEntries append %s: %w", e.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("InsertAuditEntries send (batch_size=%d): %w", len(entries), err)
	}
	return nil
}

const selectAuditCH = "SELECT id, studio_id, session_id, tool, args_json, result_json, " +
	"ok, error, error_kind, duration_ms, simulated, created_at " +
	"FROM tool_audit_log "

func (s *ClickHouseStore) ListAuditBySession(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	rows, err := s.conn.Query(ctx,
		selectAuditCH+"WHERE session_id = @session_id ORDER BY created_at, id",
		clickhouse.Named("session_id", sessionID),
	)
	if err != nil {
		return nil, fmt.Errorf("ListAuditBySession query: %w", err)
	}
	entries, err := scanAuditCH(rows)
	if err != nil {
		return nil, fmt.Errorf("ListAuditBySession scan: %w", err)
	}
	return entries, nil
}

func (s *ClickHouseStore) ListAuditSince(ctx context.Context, studioID string, since time.Time) ([]AuditEntry, error) {
	rows, err := s.conn.Query(ctx,
		selectAuditCH+"WHERE studio_id = @studio_id AND created_at >= @since ORDER BY created_at, id",
		clickhouse.Named("studio_id", studioID),
		clickhouse.Named("since", since.UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("ListAuditSince query: %w", err)
	}
	entries, err := scanAuditCH(rows)
	if err != nil {
		return nil, fmt.Errorf("ListAuditSince scan: %w", err)
	}
	return entries, nil
}

// AuditStats aggregates server-side.
func (s *ClickHouseStore) AuditStats(ctx context.Context, studioID string, since time.Time) (*AuditStats, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT tool, count() AS calls, countIf(ok = 1) AS successes, sum(duration_ms) AS total_ms "+
			"FROM tool_audit_log "+
			"WHERE studio_id = @studio_id AND created_at >= @since "+
			"GROUP BY tool",
		clickhouse.Named("studio_id", studioID),
		clickhouse.Named("since", since.UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("AuditStats query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &AuditStats{ToolUsage: make(map[string]int)}
	var totalMs int64
	for rows.Next() {
		var (
			tool             string
			calls, successes uint64
			ms               int64
		)
		if err := rows.Scan(&tool, &calls, &successes, &ms); err != nil {
			return nil, fmt.Errorf("AuditStats scan: %w", err)
		}
		stats.ToolUsage[tool] = int(calls)
		stats.Total += int(calls)
		stats.Successful += int(successes)
		totalMs += ms
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("AuditStats: %w", err)
	}
	stats.Failed = stats.Total - stats.Successful
	if stats.Total > 0 {
		stats.SuccessRate = 100 * float64(stats.Successful) / float64(stats.Total)
		stats.AvgDurationMs = float64(totalMs) / float64(stats.Total)
	}
	return stats, nil
}

func (s *ClickHouseStore) InsertShadowDiff(ctx context.Context, d *ShadowDiffEntry) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO shadow_diff_log (
			id, studio_id, session_id, input,
			v1_text, v1_error, v1_duration_ms,
			v2_plan_json, v2_results_json, v2_error, v2_duration_ms,
			matched, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("InsertShadowDiff prepare: %w", err)
	}
	if err := batch.Append(
		d.ID, d.StudioID, d.SessionID, d.Input,
		d.V1Text, d.V1Error, d.V1DurationMs,
		string(d.V2PlanJSON), string(d.V2ResultsJSON), d.V2Error, d.V2DurationMs,
		boolUint8(d.Match), d.CreatedAt.UTC(),
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("InsertShadowDiff append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("InsertShadowDiff send: %w", err)
	}
	return nil
}

// Close closes the ClickHouse connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func scanAuditCH(rows driver.Rows) ([]AuditEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e             AuditEntry
			args, result  string
			ok, simulated uint8
		)
		if err := rows.Scan(
			&e.ID, &e.StudioID, &e.SessionID, &e.Tool, &args, &result,
			&ok, &e.Error, &e.ErrorKind, &e.DurationMs, &simulated, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.ArgsJSON = json.RawMessage(args)
		if result != "" {
			e.ResultJSON = json.RawMessage(result)
		}
		e.OK = ok == 1
		e.Simulated = simulated == 1
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
