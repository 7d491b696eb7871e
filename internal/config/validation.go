package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"quantbench/internal/backtest"
	"quantbench/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Provider.validate(); err != nil {
		return err
	}
	if err := c.Runs.validate(); err != nil {
		return err
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.Indicators.validate(); err != nil {
		return err
	}
	return nil
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("data.root cannot be empty")
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		return fmt.Errorf("data.timezone invalid: %w", err)
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if _, err := market.ParseSession(s.Timezone, s.Open, s.Close); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	switch p.Name {
	case ProviderAlpaca:
		if p.KeyID == "" || p.SecretKey == "" {
			return fmt.Errorf("provider.key_id/secret_key required for alpaca (or set %s/%s)", envAlpacaKey, envAlpacaSecret)
		}
		switch p.Feed {
		case "iex", "sip", "otc":
		default:
			return fmt.Errorf("provider.feed must be iex/sip/otc, got %q", p.Feed)
		}
	case ProviderBinance:
	default:
		return fmt.Errorf("provider.name must be %s or %s, got %q", ProviderAlpaca, ProviderBinance, p.Name)
	}
	if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
		return fmt.Errorf("provider.base_url invalid: %w", err)
	}
	if p.PageLimit < 0 {
		return fmt.Errorf("provider.page_limit must be >= 0")
	}
	if p.Proxy.Enabled {
		if _, err := url.Parse(p.Proxy.URL); err != nil {
			return fmt.Errorf("provider.proxy.url invalid: %w", err)
		}
	}
	return nil
}

func (r *RunsConfig) validate() error {
	if _, err := backtest.ParseTimeframe(r.DefaultTimeframe); err != nil {
		return fmt.Errorf("runs.default_timeframe: %w", err)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if _, err := backtest.ParseTimeframe(s.Timeframe); err != nil {
		return fmt.Errorf("sync.timeframe: %w", err)
	}
	if _, _, err := s.Refresh(); err != nil {
		return err
	}
	return nil
}

func (i *IndicatorsConfig) validate() error {
	if i.RSIPeriod < 0 || i.BollingerLen < 0 || i.LRCWindow < 0 || i.ATRPeriod < 0 || i.Tail < 0 {
		return fmt.Errorf("indicators periods must be >= 0")
	}
	if i.BollingerStd < 0 || i.LRCAnnual < 0 {
		return fmt.Errorf("indicators.bollinger_std/lrc_annual must be >= 0")
	}
	return nil
}
