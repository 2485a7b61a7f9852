package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadReadsEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SCHEDULED_OPERATION_CODES", "POLICY_REVOKE, APP_UNINSTALL")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("AUDIT_ENABLED", "yes")

	cfg, problems := Load("ops-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if len(cfg.ScheduledOperationCodes) != 2 || cfg.ScheduledOperationCodes[1] != "APP_UNINSTALL" {
		t.Fatalf("unexpected scheduled codes: %#v", cfg.ScheduledOperationCodes)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rps 2.5, got %v", cfg.RateLimitRPS)
	}
	if !cfg.AuditEnabled {
		t.Fatalf("expected audit enabled")
	}
	if len(cfg.AuthSkipOperationCodes) != 2 {
		t.Fatalf("expected default auth skip codes, got %#v", cfg.AuthSkipOperationCodes)
	}
}

func TestLoadReadsFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	body := `{"ENV":"staging","HTTP_PORT":7000,"PUSH_TOPIC":"push.file","ADMIN_ROLES":["root","admin"]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HTTP_PORT", "")
	t.Setenv("PORT", "")
	t.Setenv("PUSH_TOPIC", "push.env")

	cfg, problems := Load("ops-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.Env != "staging" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.HTTPPort != 7000 {
		t.Fatalf("expected port from file, got %d", cfg.HTTPPort)
	}
	if cfg.PushTopic != "push.env" {
		t.Fatalf("expected env override, got %q", cfg.PushTopic)
	}
	if len(cfg.AdminRoles) != 2 || cfg.AdminRoles[0] != "root" {
		t.Fatalf("unexpected admin roles: %#v", cfg.AdminRoles)
	}
}

func TestLoadReportsInvalidValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HTTP_PORT", "not-a-port")
	t.Setenv("OUTBOX_BATCH_SIZE", "0")

	cfg, problems := Load("ops-api", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	if !fields["HTTP_PORT"] || !fields["OUTBOX_BATCH_SIZE"] {
		t.Fatalf("expected problems for HTTP_PORT and OUTBOX_BATCH_SIZE, got %#v", problems)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default port, got %d", cfg.HTTPPort)
	}
	if cfg.OutboxBatchSize != 50 {
		t.Fatalf("expected reset batch size, got %d", cfg.OutboxBatchSize)
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", "")

	cfg, problems := Load("ops-api", 8080)
	if cfg.Env != "dev" {
		t.Fatalf("expected dev fallback, got %q", cfg.Env)
	}
	found := false
	for _, p := range problems {
		if p.Field == "ENV" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ENV problem, got %#v", problems)
	}
}
