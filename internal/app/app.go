package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"quantbench/internal/backtest"
	"quantbench/internal/config"
	"quantbench/internal/logger"
	"quantbench/internal/scheduler"
	backtesthttp "quantbench/internal/transport/http/backtest"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与预热同步。
type App struct {
	cfg     *config.Config
	stack   *Stack
	server  *backtesthttp.Server
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// NewStack 只装配数据与运行依赖，供 CLI 子命令使用。
func NewStack(ctx context.Context, cfg *config.Config, opts ...AppBuilderOption) (*Stack, error) {
	return NewAppBuilder(cfg, opts...).BuildStack(ctx)
}

// Stack 暴露底层依赖（测试与 CLI 使用）。
func (a *App) Stack() *Stack {
	if a == nil {
		return nil
	}
	return a.stack
}

// Run 启动 HTTP 服务；配置了 sync.symbols 时在后台预热，设置 refresh_interval 后按周期刷新。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.stack == nil {
		return fmt.Errorf("app not initialized")
	}
	defer func() {
		if err := a.stack.Close(); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
	}()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	a.stack.SetContext(ctx)

	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if len(a.cfg.Sync.Symbols) > 0 {
		every, offset, err := a.cfg.Sync.Refresh()
		if err != nil {
			return err
		}
		group.Go(func() error {
			if every <= 0 {
				a.warmup(ctx)
				return nil
			}
			refresher := scheduler.NewAligned(ctx, "sync", every, offset)
			refresher.RunImmediately = true
			refresher.Start(a.warmup)
			return nil
		})
	}
	return group.Wait()
}

// warmup 把 sync.symbols 最近 lookback_days 的数据同步到缓存，单个失败只记录日志。
func (a *App) warmup(ctx context.Context) {
	tf, err := backtest.ParseTimeframe(a.cfg.Sync.Timeframe)
	if err != nil {
		logger.Warnf("[sync] 预热跳过: %v", err)
		return
	}
	end := time.Now().In(a.cfg.Location())
	start := end.AddDate(0, 0, -a.cfg.Sync.LookbackDays)
	results, err := a.stack.Sync.SyncAll(ctx, a.cfg.Sync.Symbols, tf, start, end)
	if err != nil {
		logger.Warnf("[sync] 预热中断: %v", err)
		return
	}
	for _, res := range results {
		if res.Error != "" {
			logger.Warnf("[sync] 预热 %s 失败: %s", res.Symbol, res.Error)
			continue
		}
		logger.Infof("[sync] 预热 %s 完成，bars=%d", res.Symbol, res.Bars)
	}
}
