package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"quantbench/internal/backtest"
	"quantbench/internal/cache"
	"quantbench/internal/config"
	"quantbench/internal/gateway/alpaca"
	"quantbench/internal/gateway/binance"
	"quantbench/internal/logger"
	"quantbench/internal/strategy"
	backtesthttp "quantbench/internal/transport/http/backtest"
)

// Stack 汇总一次进程内共享的数据与运行依赖，serve 与各 CLI 子命令共用。
type Stack struct {
	Config     *config.Config
	Cache      *cache.Store
	Fetcher    backtest.Fetcher
	Journal    *backtest.Journal
	Reconciler *backtest.Reconciler
	Sync       *backtest.Service
	Runs       *backtest.RunStore
	Presets    *strategy.PresetRegistry
	Runner     *backtest.Runner
}

// SetContext 把宿主 ctx 传给后台任务。
func (s *Stack) SetContext(ctx context.Context) {
	if s == nil {
		return
	}
	if s.Sync != nil {
		s.Sync.SetContext(ctx)
	}
	if s.Runner != nil {
		s.Runner.SetContext(ctx)
	}
}

// Close 释放存储资源。
func (s *Stack) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Runs != nil {
		errs = append(errs, s.Runs.Close())
	}
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	return errors.Join(errs...)
}

type AppBuilder struct {
	cfg *config.Config

	fetcherFn func(config.ProviderConfig) (backtest.Fetcher, error)
	httpFn    func(*config.Config, *Stack) (*backtesthttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithFetcher 替换远端数据源，测试与离线回放使用。
func WithFetcher(f backtest.Fetcher) AppBuilderOption {
	return func(b *AppBuilder) {
		b.fetcherFn = func(config.ProviderConfig) (backtest.Fetcher, error) { return f, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		fetcherFn: buildFetcher,
		httpFn:    buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	stack, err := b.BuildStack(ctx)
	if err != nil {
		return nil, err
	}
	server, err := b.httpFn(b.cfg, stack)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	return &App{
		cfg:     b.cfg,
		stack:   stack,
		server:  server,
		Summary: buildSummary(b.cfg, stack),
	}, nil
}

// BuildStack 按配置装配缓存、数据源、journal、对账器、同步服务与 runner。
func (b *AppBuilder) BuildStack(ctx context.Context) (*Stack, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	stack := &Stack{Config: cfg}
	fail := func(err error) (*Stack, error) {
		_ = stack.Close()
		return nil, err
	}

	store, err := cache.New(cache.Config{Root: cfg.Data.Root, Location: cfg.Location()})
	if err != nil {
		return fail(err)
	}
	stack.Cache = store

	fetcher, err := b.fetcherFn(cfg.Provider)
	if err != nil {
		return fail(fmt.Errorf("初始化数据源失败: %w", err))
	}
	stack.Fetcher = fetcher
	logger.Infof("✓ 数据源: %s", fetcher.Name())

	journal, err := backtest.OpenJournal(cfg.Journal.Path)
	if err != nil {
		return fail(fmt.Errorf("打开 journal 失败: %w", err))
	}
	stack.Journal = journal

	session, err := cfg.MarketSession()
	if err != nil {
		return fail(err)
	}
	rec, err := backtest.NewReconciler(backtest.ReconcilerConfig{
		Store:   store,
		Fetcher: fetcher,
		Session: session,
		Journal: journal,
	})
	if err != nil {
		return fail(err)
	}
	stack.Reconciler = rec

	svc, err := backtest.NewService(backtest.ServiceConfig{
		Reconciler:    rec,
		Journal:       journal,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
	})
	if err != nil {
		return fail(err)
	}
	stack.Sync = svc

	runs, err := backtest.OpenRunStore(cfg.Runs.Path)
	if err != nil {
		return fail(fmt.Errorf("打开 run store 失败: %w", err))
	}
	stack.Runs = runs

	presets, err := loadPresets(cfg.Strategy)
	if err != nil {
		return fail(err)
	}
	stack.Presets = presets

	runner, err := backtest.NewRunner(backtest.RunnerConfig{
		Bars:             svc,
		Runs:             runs,
		Presets:          presets,
		DefaultTimeframe: cfg.Runs.DefaultTimeframe,
		MaxConcurrent:    cfg.Runs.MaxConcurrent,
	})
	if err != nil {
		return fail(err)
	}
	stack.Runner = runner
	stack.SetContext(ctx)
	return stack, nil
}

func buildFetcher(cfg config.ProviderConfig) (backtest.Fetcher, error) {
	switch cfg.Name {
	case config.ProviderAlpaca:
		client, err := alpaca.New(alpaca.Config{
			BaseURL:         cfg.BaseURL,
			KeyID:           cfg.KeyID,
			SecretKey:       cfg.SecretKey,
			Feed:            cfg.Feed,
			Adjustment:      cfg.Adjustment,
			PageLimit:       cfg.PageLimit,
			RateLimitPerMin: cfg.RateLimitPerMin,
			Timeout:         cfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderBinance:
		src, err := binance.New(binance.Config{
			RESTBaseURL:  cfg.BaseURL,
			HTTPTimeout:  cfg.Timeout(),
			PageLimit:    cfg.PageLimit,
			ProxyEnabled: cfg.Proxy.Enabled,
			RESTProxyURL: cfg.Proxy.URL,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Name)
	}
}

// loadPresets 预设文件不存在时返回 nil，runner 只接受内置策略名。
func loadPresets(cfg config.StrategyConfig) (*strategy.PresetRegistry, error) {
	path := strings.TrimSpace(cfg.PresetsPath)
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("预设文件 %s 不存在，跳过", path)
			return nil, nil
		}
		return nil, err
	}
	reg, err := strategy.NewPresetRegistry(path, cfg.Watch)
	if err != nil {
		return nil, fmt.Errorf("加载策略预设失败: %w", err)
	}
	reg.OnChange(func(snap strategy.PresetSnapshot) {
		logger.Infof("✓ 策略预设已重载 version=%d presets=%d", snap.Version, len(snap.Presets))
	})
	logger.Infof("✓ 已加载 %d 个策略预设", len(reg.Names()))
	return reg, nil
}

func buildHTTPServer(cfg *config.Config, stack *Stack) (*backtesthttp.Server, error) {
	server, err := backtesthttp.NewServer(backtesthttp.Config{
		Addr:       cfg.App.HTTPAddr,
		Svc:        stack.Sync,
		Runner:     stack.Runner,
		Presets:    stack.Presets,
		Indicators: cfg.IndicatorSettings(),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 失败: %w", err)
	}
	return server, nil
}
