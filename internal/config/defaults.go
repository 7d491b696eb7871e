package config

import (
	"os"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultAppHTTPAddr      = ":9991"
	defaultDataRoot         = "data/cache"
	defaultTimezone         = "America/New_York"
	defaultSessionOpen      = "09:30"
	defaultSessionClose     = "16:00"
	defaultProviderName     = ProviderAlpaca
	defaultAlpacaBaseURL    = "https://data.alpaca.markets"
	defaultBinanceBaseURL   = "https://fapi.binance.com"
	defaultAlpacaFeed       = "iex"
	defaultAlpacaAdjustment = "raw"
	defaultRateLimitPerMin  = 200
	defaultTimeoutSeconds   = 20
	defaultJournalPath      = "data/journal.db"
	defaultRunsPath         = "data/runs.db"
	defaultRunsTimeframe    = "1d"
	defaultRunsConcurrent   = 1
	defaultPresetsPath      = "configs/presets.yaml"
	defaultSyncConcurrent   = 2
	defaultSyncTimeframe    = "1d"
	defaultSyncLookbackDays = 365

	envAlpacaKey    = "ALPACA_API_KEY"
	envAlpacaSecret = "ALPACA_SECRET_KEY"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Session.applyDefaults(keys, c.Data.Timezone)
	c.Provider.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
	c.Runs.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Sync.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.root", &d.Root, defaultDataRoot),
		stringFieldDefault("data.timezone", &d.Timezone, defaultTimezone),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet, timezone string) {
	if s == nil {
		return
	}
	if strings.TrimSpace(timezone) == "" {
		timezone = defaultTimezone
	}
	applyFieldDefaults(keys,
		boolFieldDefault("session.enabled", &s.Enabled, true),
		stringFieldDefault("session.timezone", &s.Timezone, timezone),
		stringFieldDefault("session.open", &s.Open, defaultSessionOpen),
		stringFieldDefault("session.close", &s.Close, defaultSessionClose),
	)
}

func (p *ProviderConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if p.Name == "" {
		p.Name = defaultProviderName
	}
	baseURL := defaultAlpacaBaseURL
	if p.Name == ProviderBinance {
		baseURL = defaultBinanceBaseURL
	}
	applyFieldDefaults(keys,
		stringFieldDefault("provider.base_url", &p.BaseURL, baseURL),
		fieldDefault{
			key:   "provider.rate_limit_per_min",
			need:  func() bool { return p.RateLimitPerMin <= 0 },
			apply: func() { p.RateLimitPerMin = defaultRateLimitPerMin },
		},
		fieldDefault{
			key:   "provider.timeout_seconds",
			need:  func() bool { return p.TimeoutSeconds <= 0 },
			apply: func() { p.TimeoutSeconds = defaultTimeoutSeconds },
		},
	)
	if p.Name == ProviderAlpaca {
		applyFieldDefaults(keys,
			stringFieldDefault("provider.feed", &p.Feed, defaultAlpacaFeed),
			stringFieldDefault("provider.adjustment", &p.Adjustment, defaultAlpacaAdjustment),
		)
		// 未在配置中写明时回退到环境变量
		if strings.TrimSpace(p.KeyID) == "" {
			p.KeyID = strings.TrimSpace(os.Getenv(envAlpacaKey))
		}
		if strings.TrimSpace(p.SecretKey) == "" {
			p.SecretKey = strings.TrimSpace(os.Getenv(envAlpacaSecret))
		}
	}
	p.Proxy.normalize()
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys, stringFieldDefault("journal.path", &j.Path, defaultJournalPath))
}

func (r *RunsConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("runs.path", &r.Path, defaultRunsPath),
		stringFieldDefault("runs.default_timeframe", &r.DefaultTimeframe, defaultRunsTimeframe),
		fieldDefault{
			key:   "runs.max_concurrent",
			need:  func() bool { return r.MaxConcurrent <= 0 },
			apply: func() { r.MaxConcurrent = defaultRunsConcurrent },
		},
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.presets_path", &s.PresetsPath, defaultPresetsPath),
		boolFieldDefault("strategy.watch", &s.Watch, true),
	)
}

func (s *SyncConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("sync.timeframe", &s.Timeframe, defaultSyncTimeframe),
		fieldDefault{
			key:   "sync.max_concurrent",
			need:  func() bool { return s.MaxConcurrent <= 0 },
			apply: func() { s.MaxConcurrent = defaultSyncConcurrent },
		},
		fieldDefault{
			key:   "sync.lookback_days",
			need:  func() bool { return s.LookbackDays <= 0 },
			apply: func() { s.LookbackDays = defaultSyncLookbackDays },
		},
	)
	s.Symbols = normalizeSymbols(s.Symbols)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeSymbols(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, sym := range list {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
