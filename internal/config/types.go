package config

import (
	"strings"
	"time"
)

// Config 是 quantbench 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Data       DataConfig       `toml:"data"`
	Session    SessionConfig    `toml:"session"`
	Provider   ProviderConfig   `toml:"provider"`
	Journal    JournalConfig    `toml:"journal"`
	Runs       RunsConfig       `toml:"runs"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Sync       SyncConfig       `toml:"sync"`
	Indicators IndicatorsConfig `toml:"indicators"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// DataConfig 描述缓存根目录与交易所时区。
type DataConfig struct {
	Root     string `toml:"root"`
	Timezone string `toml:"timezone"`
}

// SessionConfig 控制日内数据的常规时段过滤。
type SessionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Timezone string `toml:"timezone"`
	Open     string `toml:"open"`
	Close    string `toml:"close"`
}

const (
	ProviderAlpaca  = "alpaca"
	ProviderBinance = "binance"
)

type ProviderConfig struct {
	Name            string      `toml:"name"`
	BaseURL         string      `toml:"base_url"`
	KeyID           string      `toml:"key_id"`
	SecretKey       string      `toml:"secret_key"`
	Feed            string      `toml:"feed"`
	Adjustment      string      `toml:"adjustment"`
	PageLimit       int         `toml:"page_limit"`
	RateLimitPerMin int         `toml:"rate_limit_per_min"`
	TimeoutSeconds  int         `toml:"timeout_seconds"`
	Proxy           ProxyConfig `toml:"proxy"`
}

// Timeout 返回 HTTP 超时。
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.URL = strings.TrimSpace(p.URL)
	if p.URL == "" {
		p.Enabled = false
	}
}

type JournalConfig struct {
	Path string `toml:"path"`
}

type RunsConfig struct {
	Path             string `toml:"path"`
	DefaultTimeframe string `toml:"default_timeframe"`
	MaxConcurrent    int    `toml:"max_concurrent"`
}

type StrategyConfig struct {
	PresetsPath string `toml:"presets_path"`
	Watch       bool   `toml:"watch"`
}

// SyncConfig 描述批量同步的默认参数。
type SyncConfig struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	Symbols       []string `toml:"symbols"`
	Timeframe     string   `toml:"timeframe"`
	LookbackDays  int      `toml:"lookback_days"`
	// RefreshInterval 为空时 serve 模式不做定时刷新；边界按 UTC 对齐后再加 RefreshOffset。
	RefreshInterval string `toml:"refresh_interval"`
	RefreshOffset   string `toml:"refresh_offset"`
}

// IndicatorsConfig 覆盖指标快照的默认参数，0 表示使用内置默认。
type IndicatorsConfig struct {
	RSIPeriod    int     `toml:"rsi_period"`
	BollingerLen int     `toml:"bollinger_period"`
	BollingerStd float64 `toml:"bollinger_std"`
	LRCWindow    int     `toml:"lrc_window"`
	LRCAnnual    float64 `toml:"lrc_annual"`
	ATRPeriod    int     `toml:"atr_period"`
	Tail         int     `toml:"tail"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
