package operations

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"device-operation-management/api/internal/models"
	"device-operation-management/shared/events"
	"device-operation-management/shared/logx"
	"device-operation-management/shared/tenantx"
)

type Config struct {
	Scheduled ScheduleRegistry
	// AuthSkipCodes skip per-device authorization in addition to the
	// scheduled codes.
	AuthSkipCodes CodeSet
	// OperatorPermissions gate the device scoped reads and updates.
	OperatorPermissions []string
	ActivityTopic       string
	Now                 func() time.Time
}

type Deps struct {
	Store       Store
	Enrollments EnrollmentResolver
	Validator   DeviceValidator
	Authorizer  Authorizer
	Notifier    Notifier
	Recorder    Recorder
	Logger      logx.Logger
}

type Manager struct {
	store       Store
	enrollments EnrollmentResolver
	validator   DeviceValidator
	authorizer  Authorizer
	notifier    Notifier
	recorder    Recorder
	logger      logx.Logger
	cfg         Config
	tracer      trace.Tracer
}

func New(deps Deps, cfg Config) *Manager {
	if cfg.Scheduled == nil {
		cfg.Scheduled = CodeSet{}
	}
	if cfg.AuthSkipCodes == nil {
		cfg.AuthSkipCodes = CodeSet{}
	}
	if cfg.ActivityTopic == "" {
		cfg.ActivityTopic = events.TopicOperationActivities
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:       deps.Store,
		enrollments: deps.Enrollments,
		validator:   deps.Validator,
		authorizer:  deps.Authorizer,
		notifier:    deps.Notifier,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		cfg:         cfg,
		tracer:      otel.Tracer("device-operation-management/operations"),
	}
}

func tenantFromContext(ctx context.Context) (uuid.UUID, error) {
	id, err := tenantx.UUIDFromContext(ctx)
	if err != nil {
		if errors.Is(err, tenantx.ErrMissingTenant) {
			return uuid.Nil, invalidArgument("missing tenant")
		}
		return uuid.Nil, invalidArgument("invalid tenant id %q", tenantx.TenantIDFromContext(ctx))
	}
	return id, nil
}

// ParseActivityID extracts the operation id from an ACTIVITY_<n> string.
func ParseActivityID(activityID string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(activityID), models.ActivityIDPrefix)
	if !ok {
		return 0, invalidArgument("activity id %q must start with %s", activityID, models.ActivityIDPrefix)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, invalidArgument("malformed activity id %q", activityID)
	}
	if id <= 0 {
		return 0, invalidArgument("operation id cannot be zero in activity id %q", activityID)
	}
	return id, nil
}
