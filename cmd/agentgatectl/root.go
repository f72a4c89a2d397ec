package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lumastudio/agentgate/internal/audit"
	"github.com/lumastudio/agentgate/internal/catalog"
	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/engine/evaluators"
	"github.com/lumastudio/agentgate/internal/executor"
	"github.com/lumastudio/agentgate/internal/pipeline"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/shadow"
	"github.com/lumastudio/agentgate/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	logLevel      string
	postgresDSN   string
	clickhouseDSN string
	sqlitePath    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "agentgatectl",
		Short: "Operate the agentgate tool pipeline",
		Long: `agentgatectl inspects the studio tool catalog, reads the invocation
audit log and manages API keys. Storage flags default to the same
environment variables the server reads.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOrDefault("AGENTGATE_LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.postgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "Postgres DSN for the audit log and API keys")
	root.PersistentFlags().StringVar(&opts.clickhouseDSN, "clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse DSN for the audit log")
	root.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite-path", os.Getenv("SQLITE_PATH"), "SQLite file for the audit log")

	root.AddCommand(newToolsCmd(opts), newAuditCmd(opts), newKeysCmd(opts))
	return root
}

// app is the in-process pipeline a command operates on.
type app struct {
	pipeline *pipeline.Pipeline
	store    storage.Store
	logger   *zap.Logger
}

func (a *app) Close() {
	a.pipeline.Close()
	_ = a.store.Close()
	_ = a.logger.Sync()
}

// openApp builds the same pipeline the server runs, over the configured audit store.
func openApp(ctx context.Context, opts *globalOptions) (*app, error) {
	logger, err := buildLogger(opts.logLevel)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := catalog.Register(reg, catalog.NewMemoryBackend()); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	reg.Seal()

	store := storage.Open(ctx, storage.Options{
		PostgresDSN:   opts.postgresDSN,
		ClickHouseDSN: opts.clickhouseDSN,
		SQLitePath:    opts.sqlitePath,
	}, logger)

	schemas := schema.NewAdapter(logger)
	auditLog := audit.NewLogger(store, audit.Config{}, logger)
	p := pipeline.New(
		reg,
		schemas,
		engine.NewGuardrailEngine(evaluators.Defaults(schemas), logger),
		executor.New(executor.Config{}, logger),
		auditLog,
		shadow.NewComparator(auditLog, shadow.Config{}, logger),
		pipeline.Config{},
		logger,
	)
	return &app{pipeline: p, store: store, logger: logger}, nil
}

// buildLogger writes to stderr so command output on stdout stays machine-readable.
func buildLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
