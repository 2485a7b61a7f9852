package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"device-operation-management/api/internal/access"
	"device-operation-management/api/internal/notify"
	"device-operation-management/api/internal/operations"
	"device-operation-management/api/internal/repos"
	"device-operation-management/api/internal/tasks"
	"device-operation-management/shared/config"
	"device-operation-management/shared/dbx"
	"device-operation-management/shared/lockx"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/metricsx"
	"device-operation-management/shared/mqx"
	"device-operation-management/shared/observability"
)

func main() {
	cfg, problems := config.Load("operations-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	tenantIDs, tenantProblems := parseTenantIDs(cfg.ScheduledDispatchTenants)
	problems = append(problems, tenantProblems...)
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

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	lockClient := redis.NewClient(&redis.Options{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
	defer lockClient.Close()
	locker, err := lockx.New(lockClient, cfg.ServiceName)
	if err != nil {
		logger.Error(context.Background(), "lock_init_failed", "failed to init locker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	devicesRepo := repos.NewDevicesRepo(dbPool)
	manager := operations.New(operations.Deps{
		Store:       repos.NewOperationsStore(dbPool),
		Enrollments: devicesRepo,
		Validator:   devicesRepo,
		Authorizer:  access.New(devicesRepo, cfg.AdminRoles),
		Notifier:    notify.NewKafkaNotifier(producer, cfg.PushTopic),
		Logger:      logger,
	}, operations.Config{
		Scheduled:           operations.NewCodeSet(cfg.ScheduledOperationCodes...),
		AuthSkipCodes:       operations.NewCodeSet(cfg.AuthSkipOperationCodes...),
		OperatorPermissions: cfg.OperatorRoles,
		ActivityTopic:       cfg.ActivityTopic,
	})

	outbox := &tasks.OutboxProcessor{
		Store:       repos.NewOutboxRepo(dbPool),
		Publisher:   producer,
		Enqueuer:    client,
		Logger:      logger,
		Owner:       cfg.ServiceName,
		Queue:       cfg.AsynqQueue,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempt,
		StaleAfter:  time.Duration(cfg.OutboxStaleLockSec) * time.Second,
	}
	var scheduled *tasks.ScheduledDispatcher
	if len(cfg.ScheduledOperationCodes) > 0 {
		scheduled = &tasks.ScheduledDispatcher{
			Locker:      locker,
			Tenants:     repos.NewTenantsRepo(dbPool),
			Enrollments: devicesRepo,
			Dispatcher:  manager,
			Logger:      logger,
			Codes:       cfg.ScheduledOperationCodes,
			TenantIDs:   tenantIDs,
			DeviceType:  cfg.ScheduledDispatchType,
			LockTTL:     time.Duration(cfg.ScheduledDispatchSec) * time.Second,
		}
	}
	var purger *tasks.AuditPurger
	if cfg.AuditRetentionDays > 0 {
		purger = &tasks.AuditPurger{
			Store:     repos.NewAuditRepo(dbPool),
			Logger:    logger,
			Retention: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
		}
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	tasks.Register(mux, outbox, scheduled, purger)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	periodic := map[string]string{
		tasks.TypeOutboxScan: "@every " + strconv.Itoa(cfg.OutboxScanSec) + "s",
	}
	if scheduled != nil {
		periodic[tasks.TypeScheduledDispatch] = "@every " + strconv.Itoa(cfg.ScheduledDispatchSec) + "s"
	}
	if purger != nil {
		periodic[tasks.TypeAuditPurge] = "@daily"
	}
	for taskType, spec := range periodic {
		if _, err := scheduler.Register(spec, asynq.NewTask(taskType, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("task", taskType),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "operations worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Bool("scheduled_dispatch", scheduled != nil),
			slog.Bool("audit_purge", purger != nil),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "operations worker stopped")
}

func parseTenantIDs(raw []string) ([]uuid.UUID, []config.Problem) {
	var ids []uuid.UUID
	var problems []config.Problem
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			problems = append(problems, config.Problem{Field: "SCHEDULED_DISPATCH_TENANTS", Message: "invalid tenant id " + s})
			continue
		}
		ids = append(ids, id)
	}
	return ids, problems
}
