package storage

import (
	"context"

	"go.uber.org/zap"
)

// Options selects the audit backend. The first configured backend that
// connects wins, in the order Postgres, ClickHouse, SQLite; with none the
// store is in-memory.
type Options struct {
	PostgresDSN   string
	ClickHouseDSN string
	SQLitePath    string
}

// Open returns the audit store described by opts. Connection failures are
// logged and fall through to the next backend.
func Open(ctx context.Context, opts Options, logger *zap.Logger) Store {
	if opts.PostgresDSN != "" {
		s, err := OpenPostgres(ctx, opts.PostgresDSN, logger)
		if err == nil {
			logger.Info("audit store: postgres")
			return s
		}
		logger.Warn("postgres unavailable for audit log, trying next backend", zap.Error(err))
	}

	if opts.ClickHouseDSN != "" {
		s, err := OpenClickHouse(ctx, opts.ClickHouseDSN, logger)
		if err == nil {
			logger.Info("audit store: clickhouse")
			return s
		}
		logger.Warn("clickhouse unavailable for audit log, trying next backend", zap.Error(err))
	}

	if opts.SQLitePath != "" {
		s, err := OpenSQLite(ctx, opts.SQLitePath, logger)
		if err == nil {
			logger.Info("audit store: sqlite", zap.String("path", opts.SQLitePath))
			return s
		}
		logger.Warn("sqlite unavailable for audit log, using in-memory store", zap.Error(err))
	}

	logger.Warn("audit store: in-memory, entries are lost on restart")
	return NewMemoryStore()
}
