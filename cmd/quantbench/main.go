package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"quantbench/internal/analysis/indicator"
	"quantbench/internal/analysis/visual"
	"quantbench/internal/app"
	"quantbench/internal/backtest"
	"quantbench/internal/config"
	"quantbench/internal/logger"
	backtesthttp "quantbench/internal/transport/http/backtest"
)

const usage = `usage: quantbench <command> [flags]

commands:
  serve       启动 HTTP API（默认）
  sync        同步一个或多个 symbol 的缓存
  run         运行策略并打印汇总
  indicators  打印最新指标快照
  verify      校验缓存与 CSV 备份是否一致
  chart       输出 K 线图（HTML，可选 PNG）
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "sync":
		err = runSync(ctx, args)
	case "run":
		err = runStrategy(ctx, args)
	case "indicators":
		err = runIndicators(ctx, args)
	case "verify":
		err = runVerify(args)
	case "chart":
		err = runChart(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s 失败: %v", cmd, err)
	}
}

// loadConfig 读取配置并初始化日志输出，返回需要在退出时关闭的日志文件。
func loadConfig(path string) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置失败: %w", err)
	}
	logger.SetFormat(cfg.App.LogFormat)
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，数据源=%s）", cfg.App.Env, cfg.Provider.Name)
	return cfg, logFile, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file (env QUANTBENCH_CONFIG overrides)")
	_ = fs.Parse(args)

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closeQuietly(closer)
	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	return a.Run(ctx)
}

func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file")
	symbols := fs.String("symbols", "", "comma separated symbols (default: sync.symbols)")
	tfFlag := fs.String("timeframe", "", "timeframe (default: sync.timeframe)")
	start := fs.String("start", "", "start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "end (YYYY-MM-DD or RFC3339, default now)")
	_ = fs.Parse(args)

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closeQuietly(closer)
	stack, err := app.NewStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(stack)

	list := cfg.Sync.Symbols
	if strings.TrimSpace(*symbols) != "" {
		list = splitList(*symbols)
	}
	tf, err := backtest.ParseTimeframe(firstNonEmpty(*tfFlag, cfg.Sync.Timeframe))
	if err != nil {
		return err
	}
	from, to, err := parseWindow(*start, *end, cfg)
	if err != nil {
		return err
	}
	results, err := stack.Sync.SyncAll(ctx, list, tf, from, to)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func runStrategy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file")
	symbol := fs.String("symbol", "", "symbol")
	tfFlag := fs.String("timeframe", "", "timeframe (default: runs.default_timeframe)")
	start := fs.String("start", "", "start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "end (default now)")
	name := fs.String("strategy", "", "builtin strategy name")
	preset := fs.String("preset", "", "preset name (overrides -strategy)")
	params := fs.String("params", "", "param overrides, e.g. n1=10,n2=30")
	decisions := fs.Bool("decisions", false, "print every decision")
	_ = fs.Parse(args)

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closeQuietly(closer)
	stack, err := app.NewStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(stack)

	from, to, err := parseWindow(*start, *end, cfg)
	if err != nil {
		return err
	}
	overrides, err := parseParams(*params)
	if err != nil {
		return err
	}
	res, err := stack.Runner.Run(ctx, backtest.RunRequest{
		Symbol:    *symbol,
		Timeframe: *tfFlag,
		Start:     from,
		End:       to,
		Strategy:  *name,
		Preset:    *preset,
		Params:    overrides,
	}, nil)
	if err != nil {
		return err
	}
	if *decisions {
		return printJSON(res)
	}
	return printJSON(res.Run)
}

func runIndicators(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("indicators", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file")
	symbol := fs.String("symbol", "", "symbol")
	tfFlag := fs.String("timeframe", "1d", "timeframe")
	start := fs.String("start", "", "start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "end (default now)")
	tail := fs.Int("tail", 0, "attach the last N values of each series")
	_ = fs.Parse(args)

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closeQuietly(closer)
	stack, err := app.NewStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(stack)

	tf, err := backtest.ParseTimeframe(*tfFlag)
	if err != nil {
		return err
	}
	from, to, err := parseWindow(*start, *end, cfg)
	if err != nil {
		return err
	}
	series, err := stack.Sync.Bars(ctx, strings.ToUpper(*symbol), tf, from, to)
	if err != nil {
		return err
	}
	settings := cfg.IndicatorSettings()
	settings.Symbol = strings.ToUpper(*symbol)
	settings.Interval = tf.Key
	if *tail > 0 {
		settings.Tail = *tail
	}
	report, err := indicator.ComputeSnapshot(series, settings)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file")
	symbol := fs.String("symbol", "", "symbol")
	tfFlag := fs.String("timeframe", "1d", "timeframe")
	_ = fs.Parse(args)

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closeQuietly(closer)
	tf, err := backtest.ParseTimeframe(*tfFlag)
	if err != nil {
		return err
	}
	stack, err := app.NewStack(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(stack)
	report, err := stack.Cache.VerifyBackup(strings.ToUpper(*symbol), tf.Tag)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Consistent {
		return fmt.Errorf("cache and backup differ")
	}
	return nil
}

// runChart 画出区间 K 线；指定 -strategy/-preset 时先跑一遍策略并叠加决策。
func runChart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chart", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file")
	symbol := fs.String("symbol", "", "symbol")
	tfFlag := fs.String("timeframe", "1d", "timeframe")
	start := fs.String("start", "", "start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "end (default now)")
	name := fs.String("strategy", "", "overlay decisions of this builtin strategy")
	preset := fs.String("preset", "", "overlay decisions of this preset")
	params := fs.String("params", "", "param overrides, e.g. n1=10,n2=30")
	out := fs.String("out", "chart.html", "html output path")
	pngOut := fs.String("png", "", "optional png output path (needs headless chrome)")
	_ = fs.Parse(args)

	cfg, closer, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	defer closeQuietly(closer)
	stack, err := app.NewStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(stack)

	tf, err := backtest.ParseTimeframe(*tfFlag)
	if err != nil {
		return err
	}
	from, to, err := parseWindow(*start, *end, cfg)
	if err != nil {
		return err
	}
	sym := strings.ToUpper(*symbol)
	series, err := stack.Sync.Bars(ctx, sym, tf, from, to)
	if err != nil {
		return err
	}
	var markers []visual.Marker
	if *name != "" || *preset != "" {
		overrides, err := parseParams(*params)
		if err != nil {
			return err
		}
		res, err := stack.Runner.Run(ctx, backtest.RunRequest{
			Symbol:    sym,
			Timeframe: tf.Key,
			Start:     from,
			End:       to,
			Strategy:  *name,
			Preset:    *preset,
			Params:    overrides,
		}, nil)
		if err != nil {
			return err
		}
		markers = backtesthttp.DecisionMarkers(res.Decisions)
	}
	html, err := visual.RenderHTML(visual.ChartInput{
		Symbol:   sym,
		Interval: tf.Key,
		Series:   series,
		Markers:  markers,
		Settings: cfg.IndicatorSettings(),
	})
	if err != nil {
		return err
	}
	if err := writeFile(*out, html); err != nil {
		return err
	}
	logger.Infof("图表已写入 %s (bars=%d markers=%d)", *out, len(series), len(markers))
	if *pngOut == "" {
		return nil
	}
	png, err := visual.RenderPNG(ctx, html, visual.ChartWidthPx, visual.ChartHeightPx)
	if err != nil {
		return err
	}
	if err := writeFile(*pngOut, png); err != nil {
		return err
	}
	logger.Infof("PNG 已写入 %s", *pngOut)
	return nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// parseWindow 默认区间为 [now - sync.lookback_days, now]。
func parseWindow(start, end string, cfg *config.Config) (time.Time, time.Time, error) {
	loc := cfg.Location()
	to := time.Now().In(loc)
	if strings.TrimSpace(end) != "" {
		t, err := backtesthttp.ParseTime(end, loc)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	from := to.AddDate(0, 0, -cfg.Sync.LookbackDays)
	if strings.TrimSpace(start) != "" {
		t, err := backtesthttp.ParseTime(start, loc)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	return from, to, nil
}

func parseParams(raw string) (map[string]any, error) {
	out := map[string]any{}
	for _, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid param %q (want key=value)", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func setupLogOutput(path string) (io.Closer, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		logger.SetOutput(os.Stderr)
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stderr, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
