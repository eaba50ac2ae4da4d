package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "bandwatch" || cfg.App.Environment != "test" {
		t.Errorf("unexpected app section %+v", cfg.App)
	}
	if cfg.Engine.Settle != 25*time.Millisecond || cfg.Engine.Window != 336*time.Hour {
		t.Errorf("unexpected engine defaults %+v", cfg.Engine)
	}
	if cfg.Scheduler.Interval != time.Minute || !cfg.HTTP.Enabled {
		t.Errorf("unexpected scheduler/http defaults %+v %+v", cfg.Scheduler, cfg.HTTP)
	}
}

func TestLoadOverlays(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
overlays:
  - id: api_latency
    title: API latency p95
    confidence_level: 0.99
    discover_seasonalities: false
  - id: queue_depth
    pinned: true
  - id: rps
    source: prometheus
    query: sum(rate(http_requests_total[5m]))
sources:
  prometheus:
    url: http://prometheus:9090
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Overlays) != 3 {
		t.Fatalf("overlays = %d, want 3", len(cfg.Overlays))
	}
	if cfg.Overlays[2].Query == "" || cfg.Sources.Prometheus.Step != time.Minute {
		t.Errorf("prometheus overlay = %+v, sources = %+v", cfg.Overlays[2], cfg.Sources)
	}
	first, second := cfg.Overlays[0], cfg.Overlays[1]
	if first.ConfidenceLevel != 0.99 || first.Discover() {
		t.Errorf("first overlay = %+v", first)
	}
	if !second.Pinned || !second.Discover() || second.ConfidenceLevel != 0 {
		t.Errorf("second overlay = %+v", second)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"confidence":  "overlays:\n  - id: a\n    confidence_level: 1.0\n",
		"duplicate":   "overlays:\n  - id: a\n  - id: a\n",
		"missing id":  "overlays:\n  - title: nameless\n",
		"interval":    "scheduler:\n  interval: 0s\n",
		"telegram":    "alerting:\n  telegram:\n    enabled: true\n",
		"export":      "export:\n  max_data_points: 0\n",
		"threshold":   "engine:\n  threshold: 1.5\n",
		"http addr":   "http:\n  addr: \"\"\n",
		"neg periods": "engine:\n  max_periods: -1\n",
		"source":      "overlays:\n  - id: a\n    source: kafka\n",
		"prom url":    "overlays:\n  - id: a\n    source: prometheus\n    query: up\n",
		"file path":   "overlays:\n  - id: a\n    source: file\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BANDWATCH_SCHEDULER_INTERVAL", "30s")
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", cfg.Scheduler.Interval)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Error("ResolveMaxPoints should prefer a positive override")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if len(cfg.Overlays) == 0 {
		t.Fatal("example declares no overlays")
	}
	for _, o := range cfg.Overlays {
		if o.File == "" {
			continue
		}
		if _, err := os.Stat(o.File); err != nil {
			t.Errorf("overlay %q reads missing file %q", o.ID, o.File)
		}
	}
}
