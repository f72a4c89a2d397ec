package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lumastudio/agentgate/internal/api"
	"github.com/lumastudio/agentgate/internal/audit"
	"github.com/lumastudio/agentgate/internal/auth"
	"github.com/lumastudio/agentgate/internal/catalog"
	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/engine/evaluators"
	"github.com/lumastudio/agentgate/internal/executor"
	"github.com/lumastudio/agentgate/internal/pipeline"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/shadow"
	"github.com/lumastudio/agentgate/internal/storage"
	"github.com/lumastudio/agentgate/internal/tracing"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger := mustBuildLogger(envOrDefault("AGENTGATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	port := envOrDefault("AGENTGATE_HTTP_PORT", "8080")
	toolTimeoutMs := envOrDefaultInt("AGENTGATE_TOOL_TIMEOUT_MS", 30000)
	toolGraceMs := envOrDefaultInt("AGENTGATE_TOOL_GRACE_MS", 5000)
	auditBuffer := envOrDefaultInt("AGENTGATE_AUDIT_BUFFER", 1024)
	batchConcurrency := envOrDefaultInt("AGENTGATE_BATCH_CONCURRENCY", 8)
	authCacheTTL := envOrDefaultInt("AGENTGATE_AUTH_CACHE_TTL_S", 30)
	shadowTimeoutMs := envOrDefaultInt("AGENTGATE_SHADOW_TIMEOUT_MS", 60000)
	postgresDSN := os.Getenv("POSTGRES_DSN")

	logger.Info("starting agentgate server",
		zap.String("port", port),
		zap.Int("tool_timeout_ms", toolTimeoutMs),
		zap.Int("batch_concurrency", batchConcurrency),
	)

	ctx := context.Background()

	tracer, err := tracing.Init(ctx, envOrDefault("OTEL_SERVICE_NAME", "agentgate"))
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	// Audit store: Postgres, ClickHouse, SQLite, then in-memory
	store := storage.Open(ctx, storage.Options{
		PostgresDSN:   postgresDSN,
		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
	}, logger)
	defer func() { _ = store.Close() }()

	// Tool registry
	reg := registry.New()
	if err := catalog.Register(reg, catalog.NewMemoryBackend()); err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	reg.Seal()
	logger.Info("tool registry sealed", zap.Int("tools", reg.Len()))

	// Pipeline
	schemas := schema.NewAdapter(logger)
	for _, td := range reg.List() {
		if schemas.UsedFallback(td.Name, td.ParameterSchema) {
			logger.Warn("tool is exposed with a permissive schema", zap.String("tool_name", td.Name))
		}
	}
	auditLog := audit.NewLogger(store, audit.Config{BufferSize: auditBuffer}, logger)
	p := pipeline.New(
		reg,
		schemas,
		engine.NewGuardrailEngine(evaluators.Defaults(schemas), logger),
		executor.New(executor.Config{
			Timeout: time.Duration(toolTimeoutMs) * time.Millisecond,
			Grace:   time.Duration(toolGraceMs) * time.Millisecond,
		}, logger),
		auditLog,
		shadow.NewComparator(auditLog, shadow.Config{CandidateTimeout: time.Duration(shadowTimeoutMs) * time.Millisecond}, logger),
		pipeline.Config{BatchConcurrency: batchConcurrency, TracerProvider: tracer.TracerProvider()},
		logger,
	)

	// Auth: Postgres API keys if DSN provided, otherwise static dev principal
	var authenticator auth.Authenticator
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		keys := auth.NewKeyStore(db)
		if err := keys.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate api keys", zap.Error(err))
		}
		authenticator = auth.NewKeyAuthenticator(keys, time.Duration(authCacheTTL)*time.Second, logger)
		logger.Info("postgres authenticator connected")
	} else {
		authenticator = auth.NewStaticAuthenticator(devPrincipal())
		logger.Warn("using static authenticator (no POSTGRES_DSN)")
	}

	srv := &http.Server{
		Addr: ":" + port,
		Handler: api.NewRouter(&api.Dependencies{
			Pipeline:   p,
			Auth:       authenticator,
			Logger:     logger,
			ConfirmKey: []byte(os.Getenv("AGENTGATE_CONFIRM_KEY")),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		p.Close()
	}()

	logger.Info("agentgate listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
	<-done
}

func devPrincipal() auth.Principal {
	p := auth.Principal{
		StudioID: envOrDefault("AGENTGATE_DEV_STUDIO", "dev-studio"),
		Scopes:   strings.Split(envOrDefault("AGENTGATE_DEV_SCOPES", "*"), ","),
		Mode:     registry.ParsePolicyMode(envOrDefault("AGENTGATE_DEV_POLICY_MODE", "standard")),
	}
	if v := os.Getenv("AGENTGATE_DEV_APPROVAL_LIMIT"); v != "" {
		amount, currency, _ := strings.Cut(v, " ")
		if limit, err := registry.NewMoney(amount, currency); err == nil {
			p.ApprovalLimit = &limit
		}
	}
	return p
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
