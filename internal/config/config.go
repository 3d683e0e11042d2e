package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lineopthq/optimizer/pkg/types"
)

const (
	envConfigPath     = "LINEOPT_CONFIG"
	DefaultConfigPath = "/etc/lineopt/config.yaml"
)

type Config struct {
	Probe      ProbeConfig      `yaml:"probe"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Validation ValidationConfig `yaml:"validation"`
	History    HistoryConfig    `yaml:"history"`
	Selection  SelectionConfig  `yaml:"selection"`
	DNS        DNSConfig        `yaml:"dns"`
	Pool       PoolConfig       `yaml:"pool"`
	Nodes      NodesConfig      `yaml:"nodes"`
	Run        RunConfig        `yaml:"run"`
}

type ProbeConfig struct {
	ServiceURL   string        `yaml:"service_url"`
	Transport    string        `yaml:"transport"`
	OverseasMode bool          `yaml:"overseas_mode"`
	InterIPDelay time.Duration `yaml:"inter_ip_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
}

type LatencyThresholds struct {
	TelecomMs  float64 `yaml:"telecom_latency_threshold"`
	UnicomMs   float64 `yaml:"unicom_latency_threshold"`
	MobileMs   float64 `yaml:"mobile_latency_threshold"`
	OverseasMs float64 `yaml:"overseas_latency_threshold"`
	DefaultMs  float64 `yaml:"default_latency_threshold"`
}

// ForLine resolves the threshold for a canonical line.
func (t LatencyThresholds) ForLine(line types.Line) float64 {
	switch line {
	case types.LineTelecom:
		return t.TelecomMs
	case types.LineUnicom:
		return t.UnicomMs
	case types.LineMobile:
		return t.MobileMs
	case types.LineOverseas:
		return t.OverseasMs
	default:
		return t.DefaultMs
	}
}

type ScoreWeights struct {
	Latency   float64 `yaml:"latency"`
	Loss      float64 `yaml:"loss"`
	Stability float64 `yaml:"stability"`
	TTFB      float64 `yaml:"ttfb"`
	TotalTime float64 `yaml:"total_time"`
}

type EvaluationConfig struct {
	LatencyThresholds LatencyThresholds `yaml:"latency_thresholds"`
	HTTPTTFBMs        float64           `yaml:"http_ttfb_threshold"`
	HTTPTotalTimeMs   float64           `yaml:"http_total_time_threshold"`
	VarianceMs        float64           `yaml:"latency_variance_threshold"`
	Weights           ScoreWeights      `yaml:"weights"`
}

type ValidationConfig struct {
	SuccessRatio float64 `yaml:"success_ratio"`
}

type HistoryConfig struct {
	Dir              string  `yaml:"dir"`
	AnalysisDays     int     `yaml:"analysis_days"`
	MinSamples       int     `yaml:"min_samples"`
	EMAWeight        float64 `yaml:"ema_weight"`
	BadIPThreshold   float64 `yaml:"bad_ip_threshold"`
	MinTestsForBadIP int     `yaml:"min_tests_for_bad_ip"`
	RetentionDays    int     `yaml:"retention_days"`
}

type SelectionConfig struct {
	MaxRecordsPerLine map[string]int `yaml:"max_records_per_line"`
}

// MaxRecordsFor resolves the per-line record cap, defaulting to 1.
func (s SelectionConfig) MaxRecordsFor(line types.Line) int {
	if n, ok := s.MaxRecordsPerLine[string(line)]; ok && n > 0 {
		return n
	}
	return 1
}

type DNSConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	Token      string `yaml:"token"`
	Domain     string `yaml:"domain"`
	Subdomain  string `yaml:"subdomain"`
	TTL        int    `yaml:"ttl"`
}

type IPRange struct {
	Prefix string `yaml:"prefix"`
	Start  int    `yaml:"start"`
	End    int    `yaml:"end"`
}

type PoolConfig struct {
	Ranges     []IPRange `yaml:"ranges"`
	SkipIPs    []string  `yaml:"skip_ips"`
	SampleSize int       `yaml:"sample_size"`
	SampleRate float64   `yaml:"sample_rate"`
}

type NodesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	PublicKey   string `yaml:"public_key"`
}

type RunConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`
	SaveEvery   int    `yaml:"save_every"`
}

// Default returns the built-in configuration; Load starts from it so a
// sparse file only needs to override what it cares about.
func Default() Config {
	return Config{
		Probe: ProbeConfig{
			ServiceURL:   "https://www.itdog.cn",
			Transport:    "itdog",
			InterIPDelay: time.Second,
			Timeout:      3 * time.Second,
			Retries:      3,
		},
		Evaluation: EvaluationConfig{
			LatencyThresholds: LatencyThresholds{
				TelecomMs:  100,
				UnicomMs:   100,
				MobileMs:   100,
				OverseasMs: 150,
				DefaultMs:  150,
			},
			HTTPTTFBMs:      200,
			HTTPTotalTimeMs: 1000,
			VarianceMs:      50,
			Weights: ScoreWeights{
				Latency:   0.4,
				Loss:      0.2,
				Stability: 0.2,
				TTFB:      0.1,
				TotalTime: 0.1,
			},
		},
		Validation: ValidationConfig{SuccessRatio: 0.8},
		History: HistoryConfig{
			Dir:              "results",
			AnalysisDays:     7,
			MinSamples:       5,
			EMAWeight:        0.7,
			BadIPThreshold:   0.8,
			MinTestsForBadIP: 5,
			RetentionDays:    30,
		},
		Selection: SelectionConfig{MaxRecordsPerLine: map[string]int{}},
		DNS:       DNSConfig{TTL: 600},
		Run: RunConfig{
			MetricsAddr: "127.0.0.1:9410",
			DataDir:     "data",
			SaveEvery:   10,
		},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}

	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Validation.SuccessRatio <= 0 || c.Validation.SuccessRatio > 1 {
		return fmt.Errorf("validation success_ratio must be in (0,1], got %v", c.Validation.SuccessRatio)
	}
	if c.History.EMAWeight <= 0 || c.History.EMAWeight >= 1 {
		return fmt.Errorf("history ema_weight must be in (0,1), got %v", c.History.EMAWeight)
	}
	if c.History.AnalysisDays <= 0 {
		return fmt.Errorf("history analysis_days must be positive, got %d", c.History.AnalysisDays)
	}
	if c.Probe.Retries <= 0 {
		return fmt.Errorf("probe retries must be positive, got %d", c.Probe.Retries)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %v", c.Probe.Timeout)
	}
	for line, n := range c.Selection.MaxRecordsPerLine {
		if !types.Line(line).Valid() {
			return fmt.Errorf("selection max_records_per_line: unknown line %q", line)
		}
		if n <= 0 {
			return fmt.Errorf("selection max_records_per_line[%s] must be positive, got %d", line, n)
		}
	}
	return nil
}
