package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers "sqlite"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tool_audit_log (
		id          TEXT PRIMARY KEY,
		studio_id   TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL,
		tool        TEXT NOT NULL,
		args_json   TEXT NOT NULL,
		result_json TEXT,
		ok          BOOLEAN NOT NULL,
		error       TEXT,
		error_kind  TEXT,
		duration_ms BIGINT NOT NULL,
		simulated   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tool_audit_log_session_idx ON tool_audit_log (session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS tool_audit_log_studio_idx ON tool_audit_log (studio_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS shadow_diff_log (
		id              TEXT PRIMARY KEY,
		studio_id       TEXT NOT NULL DEFAULT '',
		session_id      TEXT NOT NULL,
		input           TEXT NOT NULL,
		v1_text         TEXT,
		v1_error        TEXT,
		v1_duration_ms  BIGINT NOT NULL,
		v2_plan_json    TEXT,
		v2_results_json TEXT,
		v2_error        TEXT,
		v2_duration_ms  BIGINT NOT NULL,
		matched         BOOLEAN NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tool_audit_log (
		id          TEXT PRIMARY KEY,
		studio_id   TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL,
		tool        TEXT NOT NULL,
		args_json   TEXT NOT NULL,
		result_json TEXT,
		ok          INTEGER NOT NULL,
		error       TEXT,
		error_kind  TEXT,
		duration_ms INTEGER NOT NULL,
		simulated   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tool_audit_log_session_idx ON tool_audit_log (session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS tool_audit_log_studio_idx ON tool_audit_log (studio_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS shadow_diff_log (
		id              TEXT PRIMARY KEY,
		studio_id       TEXT NOT NULL DEFAULT '',
		session_id      TEXT NOT NULL,
		input           TEXT NOT NULL,
		v1_text         TEXT,
		v1_error        TEXT,
		v1_duration_ms  INTEGER NOT NULL,
		v2_plan_json    TEXT,
		v2_results_json TEXT,
		v2_error        TEXT,
		v2_duration_ms  INTEGER NOT NULL,
		matched         INTEGER NOT NULL,
		created_at      INTEGER NOT NULL
	)`,
}

const (
	insertAuditSQL = `
		INSERT INTO tool_audit_log (
			id, studio_id, session_id, tool, args_json, result_json,
			ok, error, error_kind, duration_ms, simulated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	selectAuditSQL = `
		SELECT id, studio_id, session_id, tool, args_json, result_json,
		       ok, error, error_kind, duration_ms, simulated, created_at
		FROM tool_audit_log`

	insertShadowSQL = `
		INSERT INTO shadow_diff_log (
			id, studio_id, session_id, input,
			v1_text, v1_error, v1_duration_ms,
			v2_plan_json, v2_results_json, v2_error, v2_duration_ms,
			matched, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
)

// SQLStore persists audit rows through database/sql. Postgres uses the pgx
// driver; SQLite uses the pure-Go modernc driver.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// OpenPostgres connects to Postgres and creates the audit tables if needed.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenPostgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(ctx, db, DialectPostgres, logger)
}

// OpenSQLite opens (or creates) a SQLite database file. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, DialectSQLite, logger)
}

// NewSQLStore wraps an existing connection pool and migrates it.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, logger *zap.Logger) (*SQLStore, error) {
	return newSQLStore(ctx, db, dialect, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, logger *zap.Logger) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", dialect, err)
	}
	s := &SQLStore{db: db, dialect: dialect, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the audit tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == DialectSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(insertAuditSQL), s.auditArgs(e)...); err != nil {
		return fmt.Errorf("InsertAuditEntry: %w", err)
	}
	return nil
}

// InsertAuditEntries inserts entries in one transaction.
func (s *SQLStore) InsertAuditEntries(ctx context.Context, entries []AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("InsertAuditEntries: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.rebind(insertAuditSQL))
	if err != nil {
		return fmt.Errorf("InsertAuditEntries: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		if _, err := stmt.ExecContext(ctx, s.auditArgs(&entries[i])...); err != nil {
			return fmt.Errorf("InsertAuditEntries: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("InsertAuditEntries: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAuditBySession(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(selectAuditSQL+` WHERE session_id = $1 ORDER BY created_at, id`),
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListAuditBySession: %w", err)
	}
	defer rows.Close()

	entries, err := scanAuditRows(rows)
	if err != nil {
		return nil, fmt.Errorf("ListAuditBySession: %w", err)
	}
	return entries, nil
}

func (s *SQLStore) ListAuditSince(ctx context.Context, studioID string, since time.Time) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(selectAuditSQL+` WHERE studio_id = $1 AND created_at >= $2 ORDER BY created_at, id`),
		studioID, s.timeArg(since),
	)
	if err != nil {
		return nil, fmt.Errorf("ListAuditSince: %w", err)
	}
	defer rows.Close()

	entries, err := scanAuditRows(rows)
	if err != nil {
		return nil, fmt.Errorf("ListAuditSince: %w", err)
	}
	return entries, nil
}

// AuditStats aggregates in the database instead of loading every row.
func (s *SQLStore) AuditStats(ctx context.Context, studioID string, since time.Time) (*AuditStats, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT tool,
		       COUNT(*),
		       CAST(SUM(CASE WHEN ok THEN 1 ELSE 0 END) AS BIGINT),
		       CAST(SUM(duration_ms) AS BIGINT)
		FROM tool_audit_log
		WHERE studio_id = $1 AND created_at >= $2
		GROUP BY tool`),
		studioID, s.timeArg(since),
	)
	if err != nil {
		return nil, fmt.Errorf("AuditStats: %w", err)
	}
	defer rows.Close()

	stats := &AuditStats{ToolUsage: make(map[string]int)}
	var totalMs int64
	for rows.Next() {
		var (
			tool       string
			count, oks int64
			ms         int64
		)
		if err := rows.Scan(&tool, &count, &oks, &ms); err != nil {
			return nil, fmt.Errorf("AuditStats scan: %w", err)
		}
		stats.ToolUsage[tool] = int(count)
		stats.Total += int(count)
		stats.Successful += int(oks)
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

func (s *SQLStore) InsertShadowDiff(ctx context.Context, d *ShadowDiffEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(insertShadowSQL),
		d.ID, d.StudioID, d.SessionID, d.Input,
		d.V1Text, nullString(d.V1Error), d.V1DurationMs,
		nullJSON(d.V2PlanJSON), nullJSON(d.V2ResultsJSON), nullString(d.V2Error), d.V2DurationMs,
		d.Match, s.timeArg(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("InsertShadowDiff: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the pool for collaborators sharing the same database.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) auditArgs(e *AuditEntry) []any {
	return []any{
		e.ID, e.StudioID, e.SessionID, e.Tool, string(e.ArgsJSON), nullJSON(e.ResultJSON),
		e.OK, nullString(e.Error), nullString(e.ErrorKind), e.DurationMs, e.Simulated,
		s.timeArg(e.CreatedAt),
	}
}

// timeArg stores SQLite timestamps as unix microseconds so they sort numerically.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().UnixMicro()
	}
	return t.UTC()
}

var pgPlaceholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders to SQLite's ?N form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return pgPlaceholder.ReplaceAllString(query, "?$1")
}

func scanAuditRows(rows *sql.Rows) ([]AuditEntry, error) {
	var entries []AuditEntry
	for rows.Next() {
		var (
			e                    AuditEntry
			args                 string
			result, errMsg, kind sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.StudioID, &e.SessionID, &e.Tool, &args, &result,
			&e.OK, &errMsg, &kind, &e.DurationMs, &e.Simulated,
			timeScanner{&e.CreatedAt},
		); err != nil {
			return nil, err
		}
		e.ArgsJSON = json.RawMessage(args)
		if result.Valid {
			e.ResultJSON = json.RawMessage(result.String)
		}
		e.Error = errMsg.String
		e.ErrorKind = kind.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// timeScanner reads TIMESTAMPTZ values and SQLite unix-microsecond integers.
type timeScanner struct {
	t *time.Time
}

func (ts timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*ts.t = v.UTC()
	case int64:
		*ts.t = time.UnixMicro(v).UTC()
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (ts timeScanner) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*ts.t = t.UTC()
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
