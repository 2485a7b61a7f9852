package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"device-operation-management/api/internal/access"
	"device-operation-management/api/internal/handlers"
	"device-operation-management/api/internal/middleware"
	"device-operation-management/api/internal/notify"
	"device-operation-management/api/internal/operations"
	"device-operation-management/api/internal/repos"
	"device-operation-management/api/internal/telemetry"
	"device-operation-management/shared/authx"
	"device-operation-management/shared/cachex"
	"device-operation-management/shared/config"
	"device-operation-management/shared/dbx"
	"device-operation-management/shared/httpx"
	"device-operation-management/shared/influxx"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
	"device-operation-management/shared/mqx"
	"device-operation-management/shared/observability"
	"device-operation-management/shared/tenantx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func isProbe(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	shutdownTracer := observability.Setup(context.Background(), cfg, version, logger)
	defer func() { _ = shutdownTracer(context.Background()) }()
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	tenantsRepo := repos.NewTenantsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)
	devicesRepo := repos.NewDevicesRepo(dbPool)
	store := repos.NewOperationsStore(dbPool)

	var enrollments operations.EnrollmentResolver = devicesRepo
	var enrollmentCache handlers.EnrollmentInvalidator
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "enrollment cache disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = cache.Close() }()
			cached := repos.NewCachedEnrollments(devicesRepo, cache, time.Duration(cfg.EnrollmentCacheTTLSec)*time.Second)
			enrollments = cached
			enrollmentCache = cached
		}
	}

	var notifier operations.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka producer"})
		} else {
			defer func() { _ = producer.Close() }()
			notifier = notify.NewKafkaNotifier(producer, cfg.PushTopic)
		}
	} else {
		logger.Warn(context.Background(), "push_disabled", "KAFKA_BROKERS not set, devices will only see operations when they poll")
	}

	var recorder operations.Recorder
	var influx *influxx.Client
	if influxx.Enabled(cfg) {
		var err error
		influx, err = influxx.New(cfg, func(err error) {
			metricsx.IncInfluxWriteFailure()
			logger.Warn(context.Background(), "influx_write_failed", "dispatch telemetry batch dropped",
				slog.String("error", err.Error()),
			)
		})
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "dispatch telemetry disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			recorder = telemetry.NewInfluxRecorder(influx)
		}
	}

	manager := operations.New(operations.Deps{
		Store:       store,
		Enrollments: enrollments,
		Validator:   devicesRepo,
		Authorizer:  access.New(devicesRepo, cfg.AdminRoles),
		Notifier:    notifier,
		Recorder:    recorder,
		Logger:      logger,
	}, operations.Config{
		Scheduled:           operations.NewCodeSet(cfg.ScheduledOperationCodes...),
		AuthSkipCodes:       operations.NewCodeSet(cfg.AuthSkipOperationCodes...),
		OperatorPermissions: cfg.OperatorRoles,
		ActivityTopic:       cfg.ActivityTopic,
	})

	// jwks refresh runs until the process exits
	keysCtx, stopKeys := context.WithCancel(context.Background())
	defer stopKeys()
	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(keysCtx, authx.VerifierConfig{
			Issuer:    cfg.OIDCIssuer,
			Audience:  cfg.OIDCAudience,
			JWKSURL:   cfg.OIDCJWKSURL,
			Refresh:   time.Duration(cfg.JWKSTTLSeconds) * time.Second,
			ClockSkew: time.Duration(cfg.JWTClockSkewSec) * time.Second,
		})
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		if influx != nil {
			if err := influx.Health(r.Context()); err != nil {
				logger.Warn(r.Context(), "influx_unhealthy", "influx health check failed", slog.String("error", err.Error()))
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject":   auth.Subject,
			"roles":     auth.Roles,
			"tenant_id": tenantx.TenantIDFromContext(r.Context()),
		})
	})

	handlers.Operations{Service: manager, Logger: logger}.Register(mux)
	handlers.Devices{
		Registry: devicesRepo,
		Cache:    enrollmentCache,
		Logger:   logger,
		Admin: func(next http.Handler) http.Handler {
			return middleware.RequireRole(cfg.AdminRoles, next)
		},
	}.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	var handler http.Handler = httpx.WrapServeMux(mux, notFound)
	var pinger middleware.Pinger
	if dbPool != nil {
		pinger = dbPool
	}
	handler = (&middleware.DBRequiredMiddleware{Pool: pinger, Skip: isProbe}).Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    isProbe,
	}.Wrap(handler)
	auditSink := middleware.NewAuditSink(auditRepo, logger, 4096)
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		auditSink.Run(auditCtx)
	}()
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled && dbPool != nil,
		Sink:    auditSink,
		Skip:    isProbe,
	}.Wrap(handler)
	handler = middleware.TenantMiddleware{Tenants: tenantsRepo, Skip: isProbe}.Wrap(handler)
	var tokens middleware.TokenVerifier
	if verifier != nil {
		tokens = verifier
	}
	handler = middleware.AuthMiddleware{Verifier: tokens, Skip: isProbe}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = metricsx.Instrument(mux, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !isProbe(r) }),
	)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Any("scheduled_codes", cfg.ScheduledOperationCodes),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	stopAudit()
	<-auditDone
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
