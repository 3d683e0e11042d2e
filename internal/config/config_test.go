package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lineopthq/optimizer/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
dns:
  domain: example.com
  subdomain: cdn
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DNS.Domain != "example.com" {
		t.Fatalf("expected domain example.com got %s", cfg.DNS.Domain)
	}
	if cfg.Evaluation.LatencyThresholds.TelecomMs != 100 {
		t.Fatalf("expected default telecom threshold 100 got %v", cfg.Evaluation.LatencyThresholds.TelecomMs)
	}
	if cfg.Validation.SuccessRatio != 0.8 {
		t.Fatalf("expected default success ratio 0.8 got %v", cfg.Validation.SuccessRatio)
	}
	if cfg.History.EMAWeight != 0.7 {
		t.Fatalf("expected default ema weight 0.7 got %v", cfg.History.EMAWeight)
	}
	if cfg.Probe.InterIPDelay != time.Second {
		t.Fatalf("expected default inter-ip delay 1s got %v", cfg.Probe.InterIPDelay)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
probe:
  overseas_mode: true
  inter_ip_delay: 2s
evaluation:
  latency_thresholds:
    telecom_latency_threshold: 80
selection:
  max_records_per_line:
    TELECOM: 2
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Probe.OverseasMode {
		t.Fatalf("expected overseas mode enabled")
	}
	if got := cfg.Evaluation.LatencyThresholds.ForLine(types.LineTelecom); got != 80 {
		t.Fatalf("expected telecom threshold 80 got %v", got)
	}
	if got := cfg.Evaluation.LatencyThresholds.ForLine(types.LineUnicom); got != 100 {
		t.Fatalf("expected unicom threshold to keep default 100 got %v", got)
	}
	if got := cfg.Selection.MaxRecordsFor(types.LineTelecom); got != 2 {
		t.Fatalf("expected telecom cap 2 got %d", got)
	}
	if got := cfg.Selection.MaxRecordsFor(types.LineMobile); got != 1 {
		t.Fatalf("expected mobile cap default 1 got %d", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad ratio": `
validation:
  success_ratio: 1.5
`,
		"bad ema": `
history:
  ema_weight: 1.0
`,
		"unknown line": `
selection:
  max_records_per_line:
    BOGUS: 1
`,
	}

	for name, content := range cases {
		path := writeConfig(t, content)
		if _, err := Load(context.Background(), path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
