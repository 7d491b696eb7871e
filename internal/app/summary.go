package app

import (
	"fmt"
	"strings"

	"quantbench/internal/config"
)

type StartupSummary struct {
	Provider ProviderSummary
	Data     DataSummary
	Sync     SyncSummary
	Presets  []string
	HTTPAddr string
}

type ProviderSummary struct {
	Name    string
	BaseURL string
	Feed    string
	RateMin int
}

type DataSummary struct {
	Root     string
	Timezone string
	Session  string
	Journal  string
	Runs     string
}

type SyncSummary struct {
	Symbols       []string
	Timeframe     string
	LookbackDays  int
	MaxConcurrent int
	Refresh       string
}

func buildSummary(cfg *config.Config, stack *Stack) *StartupSummary {
	if cfg == nil {
		return nil
	}
	session := "off"
	if cfg.Session.Enabled {
		session = fmt.Sprintf("%s-%s %s", cfg.Session.Open, cfg.Session.Close, cfg.Session.Timezone)
	}
	s := &StartupSummary{
		Provider: ProviderSummary{
			Name:    cfg.Provider.Name,
			BaseURL: cfg.Provider.BaseURL,
			Feed:    cfg.Provider.Feed,
			RateMin: cfg.Provider.RateLimitPerMin,
		},
		Data: DataSummary{
			Root:     cfg.Data.Root,
			Timezone: cfg.Data.Timezone,
			Session:  session,
			Journal:  cfg.Journal.Path,
			Runs:     cfg.Runs.Path,
		},
		Sync: SyncSummary{
			Symbols:       cfg.Sync.Symbols,
			Timeframe:     cfg.Sync.Timeframe,
			LookbackDays:  cfg.Sync.LookbackDays,
			MaxConcurrent: cfg.Sync.MaxConcurrent,
			Refresh:       "off",
		},
		HTTPAddr: cfg.App.HTTPAddr,
	}
	if every, offset, err := cfg.Sync.Refresh(); err == nil && every > 0 {
		s.Sync.Refresh = fmt.Sprintf("every %s +%s", every, offset)
	}
	if stack != nil && stack.Presets != nil {
		s.Presets = stack.Presets.Names()
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[数据源 (PROVIDER)]")
	fmt.Printf("  名称: %s\n", s.Provider.Name)
	fmt.Printf("  地址: %s\n", s.Provider.BaseURL)
	if s.Provider.Feed != "" {
		fmt.Printf("  Feed: %s\n", s.Provider.Feed)
	}
	fmt.Printf("  限速: %d/min\n", s.Provider.RateMin)
	fmt.Println()

	fmt.Println("[缓存与存储 (STORAGE)]")
	fmt.Printf("  缓存目录: %s\n", s.Data.Root)
	fmt.Printf("  交易所时区: %s\n", s.Data.Timezone)
	fmt.Printf("  常规时段: %s\n", s.Data.Session)
	fmt.Printf("  Journal: %s\n", s.Data.Journal)
	fmt.Printf("  Runs: %s\n", s.Data.Runs)
	fmt.Println()

	fmt.Println("[预热同步 (WARMUP SYNC)]")
	fmt.Printf("  标的: %s\n", formatList(s.Sync.Symbols))
	fmt.Printf("  周期: %s  回溯: %d 天  并发: %d\n", s.Sync.Timeframe, s.Sync.LookbackDays, s.Sync.MaxConcurrent)
	fmt.Printf("  定时刷新: %s\n", s.Sync.Refresh)
	fmt.Println()

	fmt.Println("[策略预设 (PRESETS)]")
	fmt.Printf("  %s\n", formatList(s.Presets))
	fmt.Println()

	fmt.Printf("HTTP: %s\n", s.HTTPAddr)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
