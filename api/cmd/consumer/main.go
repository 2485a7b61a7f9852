package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"device-operation-management/api/internal/access"
	"device-operation-management/api/internal/ingest"
	"device-operation-management/api/internal/operations"
	"device-operation-management/api/internal/repos"
	"device-operation-management/shared/config"
	"device-operation-management/shared/dbx"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
	"device-operation-management/shared/mqx"
	"device-operation-management/shared/observability"
)

func main() {
	cfg, problems := config.Load("device-response-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	shutdownTracer := observability.Setup(context.Background(), cfg, version, logger)
	defer func() { _ = shutdownTracer(context.Background()) }()
	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	reader, err := mqx.NewConsumer(cfg, cfg.ResponseTopic, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	// Status updates never push, so the manager runs without a notifier.
	devicesRepo := repos.NewDevicesRepo(dbPool)
	manager := operations.New(operations.Deps{
		Store:       repos.NewOperationsStore(dbPool),
		Enrollments: devicesRepo,
		Validator:   devicesRepo,
		Authorizer:  access.New(devicesRepo, cfg.AdminRoles),
		Logger:      logger,
	}, operations.Config{
		Scheduled:           operations.NewCodeSet(cfg.ScheduledOperationCodes...),
		AuthSkipCodes:       operations.NewCodeSet(cfg.AuthSkipOperationCodes...),
		OperatorPermissions: cfg.OperatorRoles,
		ActivityTopic:       cfg.ActivityTopic,
	})
	handler := ingest.NewHandler(manager, logger, cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "device response consumer started",
		slog.String("topic", cfg.ResponseTopic),
		slog.String("group", cfg.KafkaGroupID),
	)
	mqx.Consume(ctx, reader, cfg.KafkaGroupID, logger, handler.Handle)
	logger.Info(context.Background(), "consumer_stop", "device response consumer stopped")
}
