package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":4000" {
		t.Errorf("ListenAddr = %q, want :4000", cfg.ListenAddr)
	}
	if cfg.HeartbeatTimeoutMS != 90_000 {
		t.Errorf("HeartbeatTimeoutMS = %d, want 90000", cfg.HeartbeatTimeoutMS)
	}
	if cfg.AcceptanceTimeoutMS != 60_000 {
		t.Errorf("AcceptanceTimeoutMS = %d, want 60000", cfg.AcceptanceTimeoutMS)
	}
	if cfg.SchedulerTickMS != 1_000 {
		t.Errorf("SchedulerTickMS = %d, want 1000", cfg.SchedulerTickMS)
	}
	if len(cfg.AdminAgents) != 0 {
		t.Errorf("AdminAgents = %v, want empty", cfg.AdminAgents)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.HeartbeatTimeout(); got != 90*time.Second {
		t.Errorf("HeartbeatTimeout() = %v, want 90s", got)
	}
	if got := cfg.AcceptanceTimeout(); got != 60*time.Second {
		t.Errorf("AcceptanceTimeout() = %v, want 60s", got)
	}
	if got := cfg.DefaultDeadline(); got != 30*time.Minute {
		t.Errorf("DefaultDeadline() = %v, want 30m", got)
	}
	if got := cfg.ReclaimSweep(); got != 30*time.Second {
		t.Errorf("ReclaimSweep() = %v, want 30s", got)
	}
	if got := cfg.SchedulerTick(); got != time.Second {
		t.Errorf("SchedulerTick() = %v, want 1s", got)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.ListenAddr != Default().ListenAddr {
		t.Errorf("Load(\"\") did not return defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "listen_addr: \":9000\"\nadmin_agents:\n  - admin-1\n  - admin-2\nheartbeat_timeout_ms: 5000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if len(cfg.AdminAgents) != 2 || cfg.AdminAgents[0] != "admin-1" {
		t.Errorf("AdminAgents = %v, want [admin-1 admin-2]", cfg.AdminAgents)
	}
	if cfg.HeartbeatTimeoutMS != 5000 {
		t.Errorf("HeartbeatTimeoutMS = %d, want 5000", cfg.HeartbeatTimeoutMS)
	}
	// Fields not present in the file keep their defaults.
	if cfg.SchedulerTickMS != 1_000 {
		t.Errorf("SchedulerTickMS = %d, want unchanged default 1000", cfg.SchedulerTickMS)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected Load of a missing file to return an error")
	}
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected Load of malformed YAML to return an error")
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := Default()
	cfg.AdminAgents = []string{"admin-1", "admin-2"}

	if !cfg.IsAdmin("admin-1") {
		t.Error("expected admin-1 to be recognized as admin")
	}
	if cfg.IsAdmin("agent-1") {
		t.Error("expected agent-1 to not be recognized as admin")
	}
}
