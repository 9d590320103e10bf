package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Queue.Concurrency != 10 || cfg.Queue.RateLimit != 100 || cfg.Queue.MaxAttempts != 3 {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.Backoff != 2*time.Second {
		t.Errorf("expected 2s backoff, got %s", cfg.Queue.Backoff)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h cache ttl, got %s", cfg.Cache.TTL)
	}
	if cfg.Routing.ReferenceLiquidity != 100000 {
		t.Errorf("expected reference liquidity 100000, got %f", cfg.Routing.ReferenceLiquidity)
	}
	if len(cfg.Venues) != 2 || cfg.Venues[0].Name != "raydium" || cfg.Venues[1].Name != "meteora" {
		t.Errorf("expected default venues, got %+v", cfg.Venues)
	}
	if len(cfg.Pairs) != 4 {
		t.Errorf("expected default pairs, got %v", cfg.Pairs)
	}
}

func TestLoad_DecodesVenueList(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: test
venues:
  - name: fast
    kind: simulated
    latency: 50ms
    variance_min: 1
    variance_max: 1
    fee: 0.001
    liquidity_min: 10
    liquidity_max: 10
    execution_min: 10ms
    execution_max: 20ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.Venues) != 1 {
		t.Fatalf("expected one venue, got %d", len(cfg.Venues))
	}
	v := cfg.Venues[0]
	if v.Latency != 50*time.Millisecond || v.ExecutionMax != 20*time.Millisecond {
		t.Errorf("durations not decoded: %+v", v)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")
	t.Setenv("ENGINE_QUEUE_CONCURRENCY", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Queue.Concurrency != 3 {
		t.Errorf("expected env override concurrency=3, got %d", cfg.Queue.Concurrency)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	path := writeConfig(t, `
app:
  environment: test
queue:
  concurrency: 0
  max_attempts: 0
database:
  driver: mysql
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"queue.concurrency", "queue.max_attempts", "database.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error, got %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
