package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/backtest"
	"quantbench/internal/config"
	"quantbench/internal/market"
)

// dailyFetcher 为任意区间生成每日一根的合成数据。
var dailyFetcher = backtest.FetcherFunc(func(ctx context.Context, req backtest.FetchRequest) (market.Series, error) {
	var out market.Series
	for t := req.Timeframe.Next(req.Start.AddDate(0, 0, -1)); !t.After(req.End); t = req.Timeframe.Next(t) {
		v := 100 + float64(t.YearDay()%20)
		out = append(out, market.Bar{Time: t, Open: v, High: v + 1, Low: v - 1, Close: v, Volume: 10})
	}
	return out, nil
})

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
app:
  http_addr: "127.0.0.1:0"
data:
  root: %q
provider:
  name: binance
journal:
  path: %q
runs:
  path: %q
strategy:
  presets_path: %q
  watch: false
%s`, filepath.Join(dir, "cache"), filepath.Join(dir, "journal.db"), filepath.Join(dir, "runs.db"),
		filepath.Join(dir, "presets.yaml"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildStackWiresServices(t *testing.T) {
	cfg := loadTestConfig(t, "")
	ctx := context.Background()

	stack, err := NewStack(ctx, cfg, WithFetcher(dailyFetcher))
	require.NoError(t, err)
	defer stack.Close()

	assert.Nil(t, stack.Presets)
	assert.Equal(t, "func", stack.Fetcher.Name())

	loc := cfg.Location()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, loc)
	res, err := stack.Runner.Run(ctx, backtest.RunRequest{
		Symbol:   "SPY",
		Start:    start,
		End:      end,
		Strategy: "sma_cross",
		Params:   map[string]any{"n1": 3, "n2": 8},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusDone, res.Run.Status)
	assert.Equal(t, 91, res.Run.Stats.Bars)

	stored, err := stack.Runs.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sma_cross", stored.Strategy)

	m, err := stack.Sync.ManifestInfo(ctx, "SPY", "1d")
	require.NoError(t, err)
	assert.Equal(t, int64(91), m.Rows)
}

func TestBuildStackLoadsPresets(t *testing.T) {
	cfg := loadTestConfig(t, "")
	require.NoError(t, os.WriteFile(cfg.Strategy.PresetsPath, []byte(`
presets:
  fast_cross:
    strategy: sma_cross
    params:
      n1: 2
      n2: 5
`), 0o644))

	stack, err := NewStack(context.Background(), cfg, WithFetcher(dailyFetcher))
	require.NoError(t, err)
	defer stack.Close()
	require.NotNil(t, stack.Presets)
	assert.Equal(t, []string{"fast_cross"}, stack.Presets.Names())
}

func TestAppRunWarmsUpAndStops(t *testing.T) {
	cfg := loadTestConfig(t, `
sync:
  symbols: [aapl, msft]
  lookback_days: 30
`)
	app, err := NewAppBuilder(cfg, WithFetcher(dailyFetcher)).Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, app.Summary)
	assert.Equal(t, []string{"AAPL", "MSFT"}, app.Summary.Sync.Symbols)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, errA := app.Stack().Sync.ManifestInfo(context.Background(), "AAPL", "1d")
		_, errM := app.Stack().Sync.ManifestInfo(context.Background(), "MSFT", "1d")
		return errA == nil && errM == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppRunRefreshesUntilCancelled(t *testing.T) {
	cfg := loadTestConfig(t, `
sync:
  symbols: [spy]
  lookback_days: 10
  refresh_interval: 50ms
`)
	app, err := NewAppBuilder(cfg, WithFetcher(dailyFetcher)).Build(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := app.Stack().Sync.ManifestInfo(context.Background(), "SPY", "1d")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBuildFetcherRejectsUnknownProvider(t *testing.T) {
	_, err := buildFetcher(config.ProviderConfig{Name: "polygon"})
	assert.Error(t, err)

	f, err := buildFetcher(config.ProviderConfig{Name: config.ProviderBinance, BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "binance", f.Name())

	_, err = buildFetcher(config.ProviderConfig{Name: config.ProviderAlpaca})
	assert.Error(t, err)
}
