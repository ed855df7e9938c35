package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("SOLVER_WORKERS", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()
	if cfg.HTTPPort != "5000" {
		t.Fatalf("expected default port 5000, got %q", cfg.HTTPPort)
	}
	if cfg.SolverWorkers != 2 {
		t.Fatalf("expected 2 solver workers, got %d", cfg.SolverWorkers)
	}
	if cfg.RedisEnabled() {
		t.Fatalf("redis should be disabled without REDIS_ADDR")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SOLVER_WORKERS", "4")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("RECONCILE_ON_START", "true")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, https://sim.example.org ,")
	t.Setenv("SOLVER_TIME_DOMAIN_CMD", "  /opt/solver/time   --quiet ")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "0.5")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := Load()
	if cfg.SolverWorkers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.SolverWorkers)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected 5s shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
	if !cfg.ReconcileOnStart {
		t.Fatalf("expected reconcile on start")
	}
	if want := []string{"http://localhost:3000", "https://sim.example.org"}; !reflect.DeepEqual(cfg.CORSOrigins, want) {
		t.Fatalf("cors origins = %v, want %v", cfg.CORSOrigins, want)
	}
	if want := []string{"/opt/solver/time", "--quiet"}; !reflect.DeepEqual(cfg.SolverTimeDomainCmd, want) {
		t.Fatalf("time domain cmd = %v, want %v", cfg.SolverTimeDomainCmd, want)
	}
	if cfg.RateLimitRefill != 0.5 {
		t.Fatalf("expected refill 0.5, got %v", cfg.RateLimitRefill)
	}
	if !cfg.RedisEnabled() {
		t.Fatalf("redis should be enabled")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SOLVER_QUEUE_SIZE", "lots")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "maybe")

	cfg := Load()
	if cfg.SolverQueueSize != 16 {
		t.Fatalf("expected fallback queue size 16, got %d", cfg.SolverQueueSize)
	}
	if cfg.ArtifactS3PathStyle {
		t.Fatalf("expected fallback path style false")
	}
}
