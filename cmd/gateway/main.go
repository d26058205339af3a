package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sealgate/authgate/pkg/api"
	"github.com/sealgate/authgate/pkg/auth"
	"github.com/sealgate/authgate/pkg/config"
	"github.com/sealgate/authgate/pkg/httpapi"
	"github.com/sealgate/authgate/pkg/identity"
	"github.com/sealgate/authgate/pkg/ledger"
	"github.com/sealgate/authgate/pkg/observability"
	"github.com/sealgate/authgate/pkg/orchestrator"
	"github.com/sealgate/authgate/pkg/policy"
	"github.com/sealgate/authgate/pkg/policycompiler"
	"github.com/sealgate/authgate/pkg/seal"
)

// Dispatcher
func main() {
	if err := run(); err != nil {
		log.Fatalf("authgate: %v", err)
	}
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lgr, err := ledger.New(db, dialect)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	logger.Info("ledger ready", "dialect", dialect)

	identityDialect := identity.DialectPostgres
	if dialect == ledger.DialectSQLite {
		identityDialect = identity.DialectSQLite
	}
	identityStore, err := identity.NewStore(db, identityDialect)
	if err != nil {
		return fmt.Errorf("init identity store: %w", err)
	}

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		return fmt.Errorf("init keyset: %w", err)
	}
	tokens := identity.NewTokenManager(keySet)

	sealKey, err := seal.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate seal key: %w", err)
	}
	sealEngine := seal.NewEngine(sealKey, lgr, cfg.SealTTL)
	logger.Info("seal engine ready", "public_key", sealEngine.PublicKeyBase64())

	policyEngine, err := loadPolicyEngine(cfg)
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}
	logger.Info("policy engine ready", "policy_version", policyEngine.Version())

	versionCache := policy.NewVersionCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "default")
	defer versionCache.Close()
	if err := versionCache.Publish(ctx, policyEngine.Version()); err != nil {
		logger.Warn("could not publish policy version to fleet cache", "error", err)
	}

	telemetry, err := observability.New(ctx, telemetryConfig())
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	orch := orchestrator.New(policyEngine, sealEngine, lgr).WithTelemetry(telemetry)

	server, err := httpapi.New(httpapi.Config{
		Orchestrator:     orch,
		PolicyEngine:     policyEngine,
		SealEngine:       sealEngine,
		Ledger:           lgr,
		Identity:         identityStore,
		Tokens:           tokens,
		VersionCache:     versionCache,
		AuthRequired:     cfg.AuthRequired,
		MaxManifestBytes: cfg.MaxManifestBytes,
		TokenTTL:         cfg.JWTIssuerTTL,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	idempotency := api.NewIdempotencyStore(10 * time.Minute)
	rateLimiter := api.NewGlobalRateLimiter(50, 100).WithKeyFunc(orgOrIPKey).Start()

	// Auth must run before the rate limiter so org-keyed limiting sees
	// the authenticated principal; CORS and request-ID wrap everything.
	var handler http.Handler = mux
	handler = api.IdempotencyMiddleware(idempotency)(handler)
	handler = rateLimiter.Middleware(handler)
	handler = server.AuthMiddleware()(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.RequestDeadline,
		WriteTimeout: cfg.RequestDeadline,
	}

	go func() {
		logger.Info("authgate ready", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, ledger.Dialect, error) {
	driver := "postgres"
	dialect := ledger.DialectPostgres
	if cfg.DBDialect == "sqlite" {
		driver = "sqlite"
		dialect = ledger.DialectSQLite
	}

	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, "", err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, "", err
	}
	return db, dialect, nil
}

// loadPolicyEngine selects the OPA-backed engine when POLICY_ENGINE_URL
// is set, otherwise compiles the declarative policy source and runs it
// in process with CEL — engine choice is a deployment concern, not a
// code fork.
func loadPolicyEngine(cfg *config.Config) (policy.Engine, error) {
	raw, err := os.ReadFile(cfg.PolicySourcePath)
	if err != nil {
		return nil, fmt.Errorf("read policy source %s: %w", cfg.PolicySourcePath, err)
	}
	compiled, err := policycompiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile policy source: %w", err)
	}

	if cfg.PolicyEngineURL != "" {
		return policy.NewOPAEngine(policy.OPAConfig{
			URL:      cfg.PolicyEngineURL,
			Deadline: cfg.EvaluationDeadline,
		}, compiled), nil
	}
	return policy.NewCELEngine(compiled)
}

// orgOrIPKey keys the rate limiter by authenticated org when a bearer
// token is present, falling back to remote IP for unauthenticated
// requests — an unauthenticated caller can't exhaust an org's budget,
// and one noisy org can't throttle another.
func orgOrIPKey(r *http.Request) string {
	if principal, err := auth.GetPrincipal(r.Context()); err == nil && principal.OrgID != "" {
		return "org:" + principal.OrgID
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return "ip:" + ip
}

// telemetryConfig enables OTLP export only when an endpoint is
// configured; a deployment that never sets OTEL_EXPORTER_OTLP_ENDPOINT
// pays no tracing/metrics overhead.
func telemetryConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Environment = getEnvOr("ENVIRONMENT", "development")
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
		cfg.Enabled = true
		cfg.Insecure = getEnvOr("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true"
	} else {
		cfg.Enabled = false
	}
	return cfg
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
