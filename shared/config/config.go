package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	AuditEnabled     bool
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	OutboxScanSec    int
	OutboxBatchSize  int
	OutboxMaxAttempt int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxTimeoutMS  int
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelSampleRatio  float64

	// Operation dispatch.
	ScheduledOperationCodes  []string
	AuthSkipOperationCodes   []string
	AdminRoles               []string
	OperatorRoles            []string
	EnrollmentCacheTTLSec    int
	PushTopic                string
	ResponseTopic            string
	ActivityTopic            string
	ScheduledDispatchSec     int
	ScheduledDispatchTenants []string
	ScheduledDispatchType    string
	RateLimitRPS             float64
	RateLimitBurst           int
	OutboxStaleLockSec       int
	AuditRetentionDays       int
}

// field binds one configuration key to a Config member. The same binding
// serves environment variables and the JSON config file.
type field struct {
	key   string
	apply func(cfg *Config, v any) error
}

var errWrongType = errors.New("wrong type")

func stringField(key string, dst func(*Config) *string) field {
	return field{key: key, apply: func(cfg *Config, v any) error {
		s, ok := v.(string)
		if !ok {
			return errWrongType
		}
		*dst(cfg) = strings.TrimSpace(s)
		return nil
	}}
}

func secretField(key string, dst func(*Config) *string) field {
	return field{key: key, apply: func(cfg *Config, v any) error {
		s, ok := v.(string)
		if !ok {
			return errWrongType
		}
		*dst(cfg) = s
		return nil
	}}
}

func intField(key string, dst func(*Config) *int) field {
	return field{key: key, apply: func(cfg *Config, v any) error {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("%s must be an integer", key)
		}
		*dst(cfg) = n
		return nil
	}}
}

func boolField(key string, dst func(*Config) *bool) field {
	return field{key: key, apply: func(cfg *Config, v any) error {
		var b bool
		var ok bool
		switch t := v.(type) {
		case bool:
			b, ok = t, true
		case string:
			b, ok = asBool(t)
		}
		if !ok {
			return fmt.Errorf("%s must be a boolean", key)
		}
		*dst(cfg) = b
		return nil
	}}
}

func floatField(key string, dst func(*Config) *float64) field {
	return field{key: key, apply: func(cfg *Config, v any) error {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("%s must be a number", key)
		}
		*dst(cfg) = f
		return nil
	}}
}

func listField(key string, dst func(*Config) *[]string) field {
	return field{key: key, apply: func(cfg *Config, v any) error {
		switch t := v.(type) {
		case string:
			*dst(cfg) = parseCSV(t)
		case []any:
			*dst(cfg) = parseAnyCSV(t)
		default:
			return fmt.Errorf("%s must be a list", key)
		}
		return nil
	}}
}

var fields = []field{
	stringField("SERVICE_NAME", func(c *Config) *string { return &c.ServiceName }),
	intField("HTTP_PORT", func(c *Config) *int { return &c.HTTPPort }),
	stringField("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	intField("REQUEST_TIMEOUT_MS", func(c *Config) *int { return &c.RequestTimeoutMS }),
	stringField("OIDC_ISSUER", func(c *Config) *string { return &c.OIDCIssuer }),
	stringField("OIDC_AUDIENCE", func(c *Config) *string { return &c.OIDCAudience }),
	stringField("OIDC_JWKS_URL", func(c *Config) *string { return &c.OIDCJWKSURL }),
	intField("JWKS_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.JWKSTTLSeconds }),
	intField("JWT_CLOCK_SKEW_SECONDS", func(c *Config) *int { return &c.JWTClockSkewSec }),
	stringField("DATABASE_URL", func(c *Config) *string { return &c.DatabaseURL }),
	intField("DB_MAX_CONNS", func(c *Config) *int { return &c.DBMaxConns }),
	intField("DB_MIN_CONNS", func(c *Config) *int { return &c.DBMinConns }),
	intField("DB_CONN_MAX_IDLE_SECONDS", func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	intField("DB_CONN_MAX_LIFETIME_SECONDS", func(c *Config) *int { return &c.DBConnMaxLifeSec }),
	boolField("AUDIT_ENABLED", func(c *Config) *bool { return &c.AuditEnabled }),
	listField("KAFKA_BROKERS", func(c *Config) *[]string { return &c.KafkaBrokers }),
	stringField("KAFKA_CLIENT_ID", func(c *Config) *string { return &c.KafkaClientID }),
	stringField("KAFKA_CONSUMER_GROUP", func(c *Config) *string { return &c.KafkaGroupID }),
	intField("KAFKA_RETRY_MAX", func(c *Config) *int { return &c.KafkaRetryMax }),
	intField("KAFKA_WRITE_TIMEOUT_MS", func(c *Config) *int { return &c.KafkaWriteMS }),
	stringField("REDIS_ADDR", func(c *Config) *string { return &c.RedisAddr }),
	secretField("REDIS_PASSWORD", func(c *Config) *string { return &c.RedisPassword }),
	intField("REDIS_DB", func(c *Config) *int { return &c.RedisDB }),
	stringField("ASYNQ_REDIS_ADDR", func(c *Config) *string { return &c.AsynqRedisAddr }),
	secretField("ASYNQ_REDIS_PASSWORD", func(c *Config) *string { return &c.AsynqRedisPass }),
	intField("ASYNQ_REDIS_DB", func(c *Config) *int { return &c.AsynqRedisDB }),
	stringField("ASYNQ_QUEUE", func(c *Config) *string { return &c.AsynqQueue }),
	intField("ASYNQ_CONCURRENCY", func(c *Config) *int { return &c.AsynqConcurrency }),
	intField("OUTBOX_SCAN_INTERVAL_SECONDS", func(c *Config) *int { return &c.OutboxScanSec }),
	intField("OUTBOX_BATCH_SIZE", func(c *Config) *int { return &c.OutboxBatchSize }),
	intField("OUTBOX_MAX_ATTEMPTS", func(c *Config) *int { return &c.OutboxMaxAttempt }),
	stringField("INFLUX_URL", func(c *Config) *string { return &c.InfluxURL }),
	secretField("INFLUX_TOKEN", func(c *Config) *string { return &c.InfluxToken }),
	stringField("INFLUX_ORG", func(c *Config) *string { return &c.InfluxOrg }),
	stringField("INFLUX_BUCKET", func(c *Config) *string { return &c.InfluxBucket }),
	intField("INFLUX_TIMEOUT_MS", func(c *Config) *int { return &c.InfluxTimeoutMS }),
	boolField("OTEL_ENABLED", func(c *Config) *bool { return &c.OtelEnabled }),
	stringField("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.OtelEndpoint }),
	boolField("OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) *bool { return &c.OtelInsecure }),
	floatField("OTEL_SAMPLE_RATIO", func(c *Config) *float64 { return &c.OtelSampleRatio }),
	listField("SCHEDULED_OPERATION_CODES", func(c *Config) *[]string { return &c.ScheduledOperationCodes }),
	listField("AUTH_SKIP_OPERATION_CODES", func(c *Config) *[]string { return &c.AuthSkipOperationCodes }),
	listField("ADMIN_ROLES", func(c *Config) *[]string { return &c.AdminRoles }),
	listField("OPERATOR_ROLES", func(c *Config) *[]string { return &c.OperatorRoles }),
	intField("ENROLLMENT_CACHE_TTL_SECONDS", func(c *Config) *int { return &c.EnrollmentCacheTTLSec }),
	stringField("PUSH_TOPIC", func(c *Config) *string { return &c.PushTopic }),
	stringField("RESPONSE_TOPIC", func(c *Config) *string { return &c.ResponseTopic }),
	stringField("ACTIVITY_TOPIC", func(c *Config) *string { return &c.ActivityTopic }),
	intField("SCHEDULED_DISPATCH_INTERVAL_SECONDS", func(c *Config) *int { return &c.ScheduledDispatchSec }),
	listField("SCHEDULED_DISPATCH_TENANTS", func(c *Config) *[]string { return &c.ScheduledDispatchTenants }),
	stringField("SCHEDULED_DISPATCH_DEVICE_TYPE", func(c *Config) *string { return &c.ScheduledDispatchType }),
	floatField("RATE_LIMIT_RPS", func(c *Config) *float64 { return &c.RateLimitRPS }),
	intField("RATE_LIMIT_BURST", func(c *Config) *int { return &c.RateLimitBurst }),
	intField("OUTBOX_STALE_LOCK_SECONDS", func(c *Config) *int { return &c.OutboxStaleLockSec }),
	intField("AUDIT_RETENTION_DAYS", func(c *Config) *int { return &c.AuditRetentionDays }),
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(envRaw, serviceNameDefault, httpPortDefault)

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
			if cfg.Env == "" {
				cfg.Env = strings.TrimSpace(fileEnv)
			}
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func defaults(env string, serviceName string, httpPort int) Config {
	return Config{
		Env:                    env,
		ServiceName:            serviceName,
		HTTPPort:               httpPort,
		LogLevel:               "info",
		ConfigPath:             strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:       30000,
		JWKSTTLSeconds:         300,
		JWTClockSkewSec:        60,
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		KafkaRetryMax:          5,
		KafkaWriteMS:           5000,
		AsynqQueue:             "default",
		AsynqConcurrency:       10,
		OutboxScanSec:          5,
		OutboxBatchSize:        50,
		OutboxMaxAttempt:       20,
		InfluxTimeoutMS:        5000,
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
		AuthSkipOperationCodes: []string{"POLICY_BUNDLE", "MONITOR"},
		AdminRoles:             []string{"admin"},
		OperatorRoles:          []string{"admin", "operator"},
		EnrollmentCacheTTLSec:  30,
		PushTopic:              "device.push",
		ResponseTopic:          "device.responses",
		ActivityTopic:          "operation.activities",
		ScheduledDispatchSec:   900,
		RateLimitRPS:           20,
		RateLimitBurst:         40,
		OutboxStaleLockSec:     300,
		AuditRetentionDays:     90,
	}
}

type check struct {
	bad   func(*Config) bool
	field string
	msg   string
	reset func(*Config)
}

var checks = []check{
	{func(c *Config) bool { return c.RequestTimeoutMS <= 0 }, "REQUEST_TIMEOUT_MS", "must be > 0", func(c *Config) { c.RequestTimeoutMS = 30000 }},
	{func(c *Config) bool { return c.JWKSTTLSeconds <= 0 }, "JWKS_CACHE_TTL_SECONDS", "must be > 0", func(c *Config) { c.JWKSTTLSeconds = 300 }},
	{func(c *Config) bool { return c.JWTClockSkewSec < 0 }, "JWT_CLOCK_SKEW_SECONDS", "must be >= 0", func(c *Config) { c.JWTClockSkewSec = 60 }},
	{func(c *Config) bool { return c.DBMaxConns <= 0 }, "DB_MAX_CONNS", "must be > 0", func(c *Config) { c.DBMaxConns = 10 }},
	{func(c *Config) bool { return c.DBMinConns < 0 }, "DB_MIN_CONNS", "must be >= 0", func(c *Config) { c.DBMinConns = 1 }},
	{func(c *Config) bool { return c.DBMinConns > c.DBMaxConns }, "DB_MIN_CONNS", "must be <= DB_MAX_CONNS", func(c *Config) { c.DBMinConns = c.DBMaxConns }},
	{func(c *Config) bool { return c.DBConnMaxIdleSec <= 0 }, "DB_CONN_MAX_IDLE_SECONDS", "must be > 0", func(c *Config) { c.DBConnMaxIdleSec = 300 }},
	{func(c *Config) bool { return c.DBConnMaxLifeSec <= 0 }, "DB_CONN_MAX_LIFETIME_SECONDS", "must be > 0", func(c *Config) { c.DBConnMaxLifeSec = 1800 }},
	{func(c *Config) bool { return c.KafkaRetryMax < 0 }, "KAFKA_RETRY_MAX", "must be >= 0", func(c *Config) { c.KafkaRetryMax = 5 }},
	{func(c *Config) bool { return c.KafkaWriteMS <= 0 }, "KAFKA_WRITE_TIMEOUT_MS", "must be > 0", func(c *Config) { c.KafkaWriteMS = 5000 }},
	{func(c *Config) bool { return c.RedisDB < 0 }, "REDIS_DB", "must be >= 0", func(c *Config) { c.RedisDB = 0 }},
	{func(c *Config) bool { return c.AsynqRedisDB < 0 }, "ASYNQ_REDIS_DB", "must be >= 0", func(c *Config) { c.AsynqRedisDB = 0 }},
	{func(c *Config) bool { return c.AsynqConcurrency <= 0 }, "ASYNQ_CONCURRENCY", "must be > 0", func(c *Config) { c.AsynqConcurrency = 10 }},
	{func(c *Config) bool { return c.OutboxScanSec <= 0 }, "OUTBOX_SCAN_INTERVAL_SECONDS", "must be > 0", func(c *Config) { c.OutboxScanSec = 5 }},
	{func(c *Config) bool { return c.OutboxBatchSize <= 0 }, "OUTBOX_BATCH_SIZE", "must be > 0", func(c *Config) { c.OutboxBatchSize = 50 }},
	{func(c *Config) bool { return c.OutboxMaxAttempt <= 0 }, "OUTBOX_MAX_ATTEMPTS", "must be > 0", func(c *Config) { c.OutboxMaxAttempt = 20 }},
	{func(c *Config) bool { return c.InfluxTimeoutMS <= 0 }, "INFLUX_TIMEOUT_MS", "must be > 0", func(c *Config) { c.InfluxTimeoutMS = 5000 }},
	{func(c *Config) bool { return c.OtelSampleRatio < 0 || c.OtelSampleRatio > 1 }, "OTEL_SAMPLE_RATIO", "must be 0-1", func(c *Config) { c.OtelSampleRatio = 1.0 }},
	{func(c *Config) bool { return c.EnrollmentCacheTTLSec < 0 }, "ENROLLMENT_CACHE_TTL_SECONDS", "must be >= 0", func(c *Config) { c.EnrollmentCacheTTLSec = 30 }},
	{func(c *Config) bool { return c.ScheduledDispatchSec <= 0 }, "SCHEDULED_DISPATCH_INTERVAL_SECONDS", "must be > 0", func(c *Config) { c.ScheduledDispatchSec = 900 }},
	{func(c *Config) bool { return c.RateLimitRPS <= 0 }, "RATE_LIMIT_RPS", "must be > 0", func(c *Config) { c.RateLimitRPS = 20 }},
	{func(c *Config) bool { return c.RateLimitBurst <= 0 }, "RATE_LIMIT_BURST", "must be > 0", func(c *Config) { c.RateLimitBurst = 40 }},
	{func(c *Config) bool { return c.OutboxStaleLockSec <= 0 }, "OUTBOX_STALE_LOCK_SECONDS", "must be > 0", func(c *Config) { c.OutboxStaleLockSec = 300 }},
	{func(c *Config) bool { return c.AuditRetentionDays < 0 }, "AUDIT_RETENTION_DAYS", "must be >= 0", func(c *Config) { c.AuditRetentionDays = 90 }},
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	for _, c := range checks {
		if c.bad(cfg) {
			*problems = append(*problems, Problem{Field: c.field, Message: c.field + " " + c.msg})
			c.reset(cfg)
		}
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if os.Getenv("HTTP_PORT") == "" {
		if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
			applyField(cfg, fieldByKey("HTTP_PORT"), v, problems)
		}
	}
	for _, f := range fields {
		v := strings.TrimSpace(os.Getenv(f.key))
		if v == "" {
			continue
		}
		applyField(cfg, f, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" || key == "CONFIG_PATH" {
			continue
		}
		f := fieldByKey(key)
		if f.apply == nil {
			continue
		}
		applyField(cfg, f, v, problems)
	}
}

func applyField(cfg *Config, f field, v any, problems *[]Problem) {
	if err := f.apply(cfg, v); err != nil {
		msg := err.Error()
		if errors.Is(err, errWrongType) {
			msg = f.key + " must be a string"
		}
		*problems = append(*problems, Problem{Field: f.key, Message: msg})
	}
}

func fieldByKey(key string) field {
	for _, f := range fields {
		if f.key == key {
			return f
		}
	}
	return field{}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
