package backtest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"quantbench/internal/market"
	"quantbench/internal/strategy"
)

type staticBars struct {
	series market.Series
	err    error
}

func (s staticBars) Bars(_ context.Context, _ string, _ Timeframe, start, end time.Time) (market.Series, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.series.Between(start, end), nil
}

type MockExecutor struct {
	mock.Mock
	rec *RecordingExecutor
}

func newMockExecutor() *MockExecutor {
	return &MockExecutor{rec: NewRecordingExecutor(1)}
}

func (m *MockExecutor) Buy(ctx context.Context, bar market.Bar, size, stopLoss float64) error {
	args := m.Called(bar.Close, size, stopLoss)
	if err := args.Error(0); err != nil {
		return err
	}
	return m.rec.Buy(ctx, bar, size, stopLoss)
}

func (m *MockExecutor) Close(ctx context.Context, bar market.Bar) error {
	args := m.Called(bar.Close)
	if err := args.Error(0); err != nil {
		return err
	}
	return m.rec.Close(ctx, bar)
}

func (m *MockExecutor) SetStop(ctx context.Context, bar market.Bar, stop float64) error {
	args := m.Called(stop)
	if err := args.Error(0); err != nil {
		return err
	}
	return m.rec.SetStop(ctx, bar, stop)
}

func (m *MockExecutor) Position() strategy.Position { return m.rec.Position() }

// crossSeries 以 n1=2/n2=4 的 SMA 在第 8 根金叉、第 12 根死叉。
func crossSeries(loc *time.Location) market.Series {
	closes := []float64{10, 10, 10, 10, 9, 8, 7, 8, 10, 12, 14, 12, 10, 8, 6}
	var s market.Series
	for i, c := range closes {
		s = append(s, market.Bar{Time: jan(loc, i+2), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10})
	}
	return s
}

func crossRequest(loc *time.Location) RunRequest {
	return RunRequest{
		Symbol:    "spy",
		Timeframe: "1d",
		Start:     jan(loc, 1),
		End:       jan(loc, 31),
		Strategy:  "sma_cross",
		Params:    map[string]any{"n1": 2, "n2": 4},
	}
}

func TestRunnerForwardsDecisionsToExecutor(t *testing.T) {
	loc := nyLocation(t)
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{series: crossSeries(loc)}})
	require.NoError(t, err)

	exec := newMockExecutor()
	exec.On("Buy", 10.0, 0.0, 0.0).Return(nil).Once()
	exec.On("Close", 10.0).Return(nil).Once()

	res, err := runner.Run(context.Background(), crossRequest(loc), exec)
	require.NoError(t, err)
	exec.AssertExpectations(t)

	assert.Equal(t, RunStatusDone, res.Run.Status)
	assert.Equal(t, "SPY", res.Run.Symbol)
	assert.Equal(t, map[string]float64{"n1": 2, "n2": 4}, res.Run.Params)
	assert.Equal(t, 15, res.Run.Stats.Bars)
	assert.Equal(t, 1, res.Run.Stats.Trades)
	assert.False(t, res.Run.Stats.FinalPosition.Open)

	require.Len(t, res.Decisions, 2)
	assert.Equal(t, 8, res.Decisions[0].Index)
	assert.Equal(t, "buy", res.Decisions[0].Action)
	assert.Equal(t, 12, res.Decisions[1].Index)
	assert.Equal(t, "close", res.Decisions[1].Action)
}

func TestRunnerStopsOnExecutorError(t *testing.T) {
	loc := nyLocation(t)
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{series: crossSeries(loc)}})
	require.NoError(t, err)

	exec := newMockExecutor()
	exec.On("Buy", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("insufficient funds"))

	res, err := runner.Run(context.Background(), crossRequest(loc), exec)
	assert.ErrorContains(t, err, "insufficient funds")
	assert.Equal(t, RunStatusFailed, res.Run.Status)
	exec.AssertNotCalled(t, "Close", mock.Anything)
}

func TestRunnerRejectsBadRequests(t *testing.T) {
	loc := nyLocation(t)
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{series: crossSeries(loc)}})
	require.NoError(t, err)
	ctx := context.Background()

	req := crossRequest(loc)
	req.Strategy = ""
	_, err = runner.Run(ctx, req, nil)
	assert.Error(t, err)

	req = crossRequest(loc)
	req.Start, req.End = req.End, req.Start
	_, err = runner.Run(ctx, req, nil)
	assert.ErrorIs(t, err, ErrInvalidRange)

	req = crossRequest(loc)
	req.Timeframe = "3d"
	_, err = runner.Run(ctx, req, nil)
	assert.Error(t, err)

	req = crossRequest(loc)
	req.Preset = "fast"
	_, err = runner.Run(ctx, req, nil)
	assert.ErrorContains(t, err, "preset")

	req = crossRequest(loc)
	req.Params = map[string]any{"n9": 1}
	_, err = runner.Run(ctx, req, nil)
	assert.ErrorContains(t, err, "unknown param")
}

func TestRunnerFailsOnEmptySeries(t *testing.T) {
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{}})
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), crossRequest(nyLocation(t)), nil)
	assert.ErrorIs(t, err, market.ErrEmptySeries)
}

func openRunStore(t *testing.T) *RunStore {
	t.Helper()
	store, err := OpenRunStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunnerPersistsRunAndDecisions(t *testing.T) {
	loc := nyLocation(t)
	store := openRunStore(t)
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{series: crossSeries(loc)}, Runs: store})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := runner.Run(ctx, crossRequest(loc), nil)
	require.NoError(t, err)

	saved, err := store.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, saved.Status)
	assert.Equal(t, "sma_cross", saved.Strategy)
	assert.Equal(t, 2.0, saved.Params["n1"])
	assert.Equal(t, 1, saved.Stats.Trades)
	assert.False(t, saved.CompletedAt.IsZero())
	assert.True(t, saved.Start.Equal(jan(loc, 1)))

	decisions, err := store.ListDecisions(ctx, res.Run.ID, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "buy", decisions[0].Action)
	assert.True(t, decisions[1].Time.Equal(jan(loc, 14)))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunnerStartRunsInBackground(t *testing.T) {
	loc := nyLocation(t)
	store := openRunStore(t)
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{series: crossSeries(loc)}, Runs: store})
	require.NoError(t, err)

	run, err := runner.Start(crossRequest(loc))
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, run.Status)

	require.Eventually(t, func() bool {
		saved, err := store.GetRun(context.Background(), run.ID)
		return err == nil && saved.Finished()
	}, 5*time.Second, 20*time.Millisecond)

	saved, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, saved.Status)
	assert.Equal(t, 15, saved.Stats.Bars)
}

func TestRunnerRecordsFailureInStore(t *testing.T) {
	loc := nyLocation(t)
	store := openRunStore(t)
	runner, err := NewRunner(RunnerConfig{Bars: staticBars{err: errors.New("disk gone")}, Runs: store})
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), crossRequest(loc), nil)
	require.Error(t, err)
	saved, err := store.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, saved.Status)
	assert.Contains(t, saved.Message, "disk gone")
}

func TestRecordingExecutor(t *testing.T) {
	ctx := context.Background()
	exec := NewRecordingExecutor(0)
	bar := market.Bar{Close: 100}

	require.NoError(t, exec.SetStop(ctx, bar, 90))
	assert.False(t, exec.Position().Open)

	require.NoError(t, exec.Buy(ctx, bar, 0, 95))
	require.NoError(t, exec.Buy(ctx, market.Bar{Close: 130}, 2, 0))
	pos := exec.Position()
	assert.True(t, pos.Open)
	assert.Equal(t, 3.0, pos.Size)
	assert.InDelta(t, 120.0, pos.EntryPrice, 1e-9)
	assert.Equal(t, 95.0, pos.StopLoss)

	require.NoError(t, exec.SetStop(ctx, bar, 110))
	assert.Equal(t, 110.0, exec.Position().StopLoss)
	require.NoError(t, exec.Close(ctx, bar))
	assert.False(t, exec.Position().Open)
	assert.Equal(t, 1, exec.Trades())
	assert.Error(t, exec.Buy(ctx, bar, -1, 0))
}
