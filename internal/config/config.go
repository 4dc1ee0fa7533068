package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the viewer core.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Clients  ClientsConfig  `yaml:"clients"`
	Chunks   ChunksConfig   `yaml:"chunks"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the gRPC listener consumed by the rendering layer.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	SessionIdleTTL  time.Duration `yaml:"sessionIdleTTL"`
}

// ClientsConfig groups integrations with external services.
type ClientsConfig struct {
	Analysis AnalysisClientConfig `yaml:"analysis"`
}

// AnalysisClientConfig configures access to the recording analysis service.
type AnalysisClientConfig struct {
	BaseURL         string        `yaml:"baseURL"`
	WindowPath      string        `yaml:"windowPath"`
	MultiWindowPath string        `yaml:"multiWindowPath"`
	RangesPath      string        `yaml:"rangesPath"`
	StatsPath       string        `yaml:"statsPath"`
	AHIPath         string        `yaml:"ahiPath"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ChunksConfig tunes waveform chunk caching.
type ChunksConfig struct {
	Granularity float64 `yaml:"granularity"`
	MaxSamples  int64   `yaml:"maxSamples"`
}

// AnalysisConfig tunes the event analysis view.
type AnalysisConfig struct {
	HintPadding     float64 `yaml:"hintPadding"`
	StatsPrecision  int     `yaml:"statsPrecision"`
	SeparateByType  bool    `yaml:"separateByType"`
	DefaultBinCount int     `yaml:"defaultBinCount"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PSG_VIEWER_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			SessionIdleTTL:  30 * time.Minute,
		},
		Clients: ClientsConfig{
			Analysis: AnalysisClientConfig{
				BaseURL:         "http://localhost:8000",
				WindowPath:      "/api/signal/window",
				MultiWindowPath: "/api/signal/multi-window",
				RangesPath:      "/api/signal/ranges",
				StatsPath:       "/api/signal/stats",
				AHIPath:         "/api/analysis/ahi",
				Timeout:         5 * time.Minute,
			},
		},
		Chunks: ChunksConfig{
			Granularity: 10,
			MaxSamples:  4 << 20,
		},
		Analysis: AnalysisConfig{
			HintPadding:    5,
			StatsPrecision: 3,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func (c Config) validate() error {
	if c.Chunks.Granularity < 0 {
		return fmt.Errorf("chunks.granularity must be >= 0, got %g", c.Chunks.Granularity)
	}
	if c.Chunks.MaxSamples < 0 {
		return fmt.Errorf("chunks.maxSamples must be >= 0, got %d", c.Chunks.MaxSamples)
	}
	if c.Analysis.HintPadding < 0 {
		return fmt.Errorf("analysis.hintPadding must be >= 0, got %g", c.Analysis.HintPadding)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PSG_VIEWER_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("PSG_VIEWER_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("PSG_VIEWER_SESSION_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.SessionIdleTTL = d
		}
	}
	if v := os.Getenv("PSG_VIEWER_ANALYSIS_URL"); v != "" {
		cfg.Clients.Analysis.BaseURL = v
	}
	if v := os.Getenv("PSG_VIEWER_ANALYSIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.Analysis.Timeout = d
		}
	}
	if v := os.Getenv("PSG_VIEWER_CHUNK_GRANULARITY"); v != "" {
		if g, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Chunks.Granularity = g
		}
	}
	if v := os.Getenv("PSG_VIEWER_CHUNK_MAX_SAMPLES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Chunks.MaxSamples = n
		}
	}
	if v := os.Getenv("PSG_VIEWER_HINT_PADDING"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.HintPadding = p
		}
	}
	if v := os.Getenv("PSG_VIEWER_SEPARATE_BY_TYPE"); v != "" {
		cfg.Analysis.SeparateByType = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("PSG_VIEWER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PSG_VIEWER_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
