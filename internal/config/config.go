package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinMaxHistory = 100
	MaxMaxHistory = 50000

	MinDispatchInterval = 50 * time.Millisecond
	MaxDispatchInterval = 500 * time.Millisecond
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Capture  CaptureConfig  `yaml:"capture"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Alerts   AlertConfig    `yaml:"alerts"`
	Replay   ReplayConfig   `yaml:"replay"`
	Export   ExportConfig   `yaml:"export"`
	Patterns PatternConfig  `yaml:"patterns"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// CaptureConfig 捕获存储配置
type CaptureConfig struct {
	MaxHistory           int `yaml:"max_history"`
	IncrementalThreshold int `yaml:"incremental_threshold"`
	RateSamples          int `yaml:"rate_samples"`
}

// DispatchConfig 批量分发配置
type DispatchConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// Interval 返回分发周期
func (d DispatchConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMS) * time.Millisecond
}

// AlertConfig 告警阈值
type AlertConfig struct {
	High            int  `yaml:"high"`
	Critical        int  `yaml:"critical"`
	HighEnabled     bool `yaml:"high_enabled"`
	CriticalEnabled bool `yaml:"critical_enabled"`
	Sound           bool `yaml:"sound"`
}

// ReplayConfig 重放配置
type ReplayConfig struct {
	TimeoutSec    int     `yaml:"timeout_sec"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	MaxIdleConns  int     `yaml:"max_idle_conns"`
}

// ExportConfig 导出配置
type ExportConfig struct {
	StreamingThreshold int    `yaml:"streaming_threshold"`
	ProgressEvery      int    `yaml:"progress_every"`
	Dir                string `yaml:"dir"`
}

// PatternRule 用户自定义的 URL 特征
type PatternRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Mode    string `yaml:"mode"` // substring / prefix / glob / regex
}

// PatternConfig 额外的指纹与追踪特征表
type PatternConfig struct {
	Fingerprint []PatternRule `yaml:"fingerprint"`
	Tracker     []PatternRule `yaml:"tracker"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{
		Version: "1.0.0",
		Capture: CaptureConfig{
			MaxHistory:           2000,
			IncrementalThreshold: 500,
			RateSamples:          10,
		},
		Dispatch: DispatchConfig{IntervalMS: 80},
		Alerts: AlertConfig{
			High:            70,
			Critical:        85,
			HighEnabled:     true,
			CriticalEnabled: true,
		},
		Replay: ReplayConfig{
			TimeoutSec:   30,
			MaxIdleConns: 100,
		},
		Export: ExportConfig{
			StreamingThreshold: 10000,
			ProgressEvery:      500,
			Dir:                "exports",
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "netlens_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	return c
}

// Load 从 YAML 文件加载配置，未填写的字段保留默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Normalize()
	return c, nil
}

// Normalize 将越界值收敛到允许范围
func (c *Config) Normalize() {
	c.Capture.MaxHistory = ClampHistory(c.Capture.MaxHistory)
	if c.Capture.IncrementalThreshold <= 0 {
		c.Capture.IncrementalThreshold = 500
	}
	if c.Capture.RateSamples <= 0 {
		c.Capture.RateSamples = 10
	}
	c.Dispatch.IntervalMS = int(ClampInterval(c.Dispatch.Interval()) / time.Millisecond)
	if c.Alerts.High <= 0 {
		c.Alerts.High = 70
	}
	if c.Alerts.Critical <= 0 {
		c.Alerts.Critical = 85
	}
	if c.Replay.TimeoutSec <= 0 {
		c.Replay.TimeoutSec = 30
	}
	if c.Replay.RatePerSecond < 0 {
		c.Replay.RatePerSecond = 0
	}
	if c.Export.StreamingThreshold <= 0 {
		c.Export.StreamingThreshold = 10000
	}
	if c.Export.ProgressEvery <= 0 {
		c.Export.ProgressEvery = 500
	}
}

// ClampHistory 历史容量限制在 100–50000
func ClampHistory(n int) int {
	switch {
	case n <= 0:
		return 2000
	case n < MinMaxHistory:
		return MinMaxHistory
	case n > MaxMaxHistory:
		return MaxMaxHistory
	}
	return n
}

// ClampInterval 分发周期限制在 50–500ms
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 80 * time.Millisecond
	case d < MinDispatchInterval:
		return MinDispatchInterval
	case d > MaxDispatchInterval:
		return MaxDispatchInterval
	}
	return d
}
