package backtesthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/backtest"
	"quantbench/internal/cache"
	"quantbench/internal/market"
)

type stubFetcher struct {
	remote market.Series
}

func (f *stubFetcher) Fetch(_ context.Context, req backtest.FetchRequest) (market.Series, error) {
	return f.remote.Between(req.Start, req.End), nil
}

func (f *stubFetcher) Name() string { return "stub" }

func newTestServer(t *testing.T) (*Server, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	dir := t.TempDir()

	var remote market.Series
	for d := 1; d <= 31; d++ {
		v := 100 + float64(d)
		if d > 15 {
			v = 130 - float64(d)
		}
		remote = append(remote, market.Bar{
			Time: time.Date(2024, 1, d, 0, 0, 0, 0, loc),
			Open: v, High: v + 1, Low: v - 1, Close: v, Volume: 1000,
		})
	}
	store, err := cache.New(cache.Config{Root: filepath.Join(dir, "cache"), Location: loc})
	require.NoError(t, err)
	journal, err := backtest.OpenJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	rec, err := backtest.NewReconciler(backtest.ReconcilerConfig{Store: store, Fetcher: &stubFetcher{remote: remote}, Journal: journal})
	require.NoError(t, err)
	svc, err := backtest.NewService(backtest.ServiceConfig{Reconciler: rec, Journal: journal})
	require.NoError(t, err)
	runs, err := backtest.OpenRunStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })
	runner, err := backtest.NewRunner(backtest.RunnerConfig{Bars: svc, Runs: runs})
	require.NoError(t, err)

	srv, err := NewServer(Config{Svc: svc, Runner: runner})
	require.NoError(t, err)
	return srv, loc
}

func do(t *testing.T, srv *Server, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	out := map[string]json.RawMessage{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestSyncJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/backtest/sync", jsonBody{
		"symbol": "aapl", "timeframe": "1d", "start": "2024-01-01", "end": "2024-01-10",
	})
	require.Equal(t, http.StatusAccepted, code)
	var job backtest.SyncJob
	require.NoError(t, json.Unmarshal(body["job"], &job))
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		code, body := do(t, srv, http.MethodGet, "/api/backtest/sync/"+job.ID, nil)
		if code != http.StatusOK {
			return false
		}
		var snap backtest.SyncJob
		_ = json.Unmarshal(body["job"], &snap)
		return snap.Status == backtest.JobStatusDone
	}, 5*time.Second, 10*time.Millisecond)

	code, body = do(t, srv, http.MethodGet, "/api/backtest/manifest?symbol=AAPL&timeframe=1d", nil)
	require.Equal(t, http.StatusOK, code)
	var m backtest.Manifest
	require.NoError(t, json.Unmarshal(body["manifest"], &m))
	assert.Equal(t, int64(10), m.Rows)

	code, _ = do(t, srv, http.MethodGet, "/api/backtest/sync/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodGet, "/api/backtest/manifest?symbol=SPY&timeframe=1d", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSyncRejectsBadRange(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := do(t, srv, http.MethodPost, "/api/backtest/sync", jsonBody{
		"symbol": "aapl", "timeframe": "1d", "start": "2024-01-10", "end": "2024-01-01",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, srv, http.MethodPost, "/api/backtest/sync", jsonBody{"symbol": "aapl"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBarsAndIndicators(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := do(t, srv, http.MethodGet, "/api/backtest/bars?symbol=aapl&timeframe=1d&start=2024-01-01&end=2024-01-31&limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var bars market.Series
	require.NoError(t, json.Unmarshal(body["bars"], &bars))
	require.Len(t, bars, 5)
	assert.Equal(t, 99.0, bars[4].Close)

	code, body = do(t, srv, http.MethodGet, "/api/backtest/indicators?symbol=aapl&timeframe=1d&start=2024-01-01&end=2024-01-31", nil)
	require.Equal(t, http.StatusOK, code)
	var report struct {
		Count  int                        `json:"count"`
		Close  float64                    `json:"close"`
		Values map[string]json.RawMessage `json:"values"`
	}
	require.NoError(t, json.Unmarshal(body["report"], &report))
	assert.Equal(t, 31, report.Count)
	assert.Equal(t, 99.0, report.Close)
	assert.Contains(t, report.Values, "rsi")

	code, _ = do(t, srv, http.MethodGet, "/api/backtest/indicators?symbol=aapl&timeframe=1d&start=2024-03-01&end=2024-03-05", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodGet, "/api/backtest/bars?symbol=aapl&timeframe=1d&start=yesterday&end=2024-01-05", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, srv, http.MethodGet, "/api/backtest/bars?symbol=aapl", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRunLifecycle(t *testing.T) {
	srv, loc := newTestServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/backtest/runs", jsonBody{
		"symbol":    "aapl",
		"timeframe": "1d",
		"start":     time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Format(time.RFC3339),
		"end":       time.Date(2024, 1, 31, 0, 0, 0, 0, loc).Format(time.RFC3339),
		"strategy":  "sma_cross",
		"params":    jsonBody{"n1": 2, "n2": 4},
	})
	require.Equal(t, http.StatusAccepted, code)
	var run backtest.Run
	require.NoError(t, json.Unmarshal(body["run"], &run))
	require.NotEmpty(t, run.ID)

	require.Eventually(t, func() bool {
		code, body := do(t, srv, http.MethodGet, "/api/backtest/runs/"+run.ID, nil)
		if code != http.StatusOK {
			return false
		}
		var got backtest.Run
		_ = json.Unmarshal(body["run"], &got)
		return got.Finished()
	}, 5*time.Second, 10*time.Millisecond)

	code, body = do(t, srv, http.MethodGet, "/api/backtest/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var done backtest.Run
	require.NoError(t, json.Unmarshal(body["run"], &done))
	assert.Equal(t, backtest.RunStatusDone, done.Status)
	assert.Equal(t, 31, done.Stats.Bars)

	code, body = do(t, srv, http.MethodGet, "/api/backtest/runs/"+run.ID+"/decisions", nil)
	require.Equal(t, http.StatusOK, code)
	var decisions []backtest.DecisionRecord
	require.NoError(t, json.Unmarshal(body["decisions"], &decisions))
	assert.Len(t, decisions, done.Stats.Decisions)

	code, body = do(t, srv, http.MethodGet, "/api/backtest/runs", nil)
	require.Equal(t, http.StatusOK, code)
	var runs []backtest.Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	assert.Len(t, runs, 1)

	code, _ = do(t, srv, http.MethodGet, "/api/backtest/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodPost, "/api/backtest/runs", jsonBody{
		"symbol": "aapl", "start": time.Now().Format(time.RFC3339), "end": time.Now().Format(time.RFC3339), "strategy": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestChartRendersSeriesAndRunMarkers(t *testing.T) {
	srv, loc := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/chart?symbol=aapl&timeframe=1d&start=2024-01-01&end=2024-01-31", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "AAPL 1d")

	code, body := do(t, srv, http.MethodPost, "/api/backtest/runs", jsonBody{
		"symbol":    "aapl",
		"timeframe": "1d",
		"start":     time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Format(time.RFC3339),
		"end":       time.Date(2024, 1, 31, 0, 0, 0, 0, loc).Format(time.RFC3339),
		"strategy":  "sma_cross",
		"params":    jsonBody{"n1": 2, "n2": 4},
	})
	require.Equal(t, http.StatusAccepted, code)
	var run backtest.Run
	require.NoError(t, json.Unmarshal(body["run"], &run))
	require.Eventually(t, func() bool {
		_, body := do(t, srv, http.MethodGet, "/api/backtest/runs/"+run.ID, nil)
		var got backtest.Run
		_ = json.Unmarshal(body["run"], &got)
		return got.Finished()
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/backtest/chart?run="+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AAPL 1d")
	assert.Contains(t, rec.Body.String(), "MACD Hist")

	code, _ = do(t, srv, http.MethodGet, "/api/backtest/chart?run=missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodGet, "/api/backtest/chart?symbol=aapl&timeframe=1d&start=2024-03-01&end=2024-03-05", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDecisionMarkersPreferStopLevel(t *testing.T) {
	ts := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	markers := DecisionMarkers([]backtest.DecisionRecord{
		{Time: ts, Action: "buy", Price: 101},
		{Time: ts, Action: "update_stop", Price: 101, StopLoss: 97.5},
	})
	require.Len(t, markers, 2)
	assert.Equal(t, 101.0, markers[0].Price)
	assert.Equal(t, 97.5, markers[1].Price)
}

func TestStrategiesAndPresets(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := do(t, srv, http.MethodGet, "/api/backtest/strategies", nil)
	require.Equal(t, http.StatusOK, code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(body["strategies"], &list))
	assert.Len(t, list, 6)
	assert.Equal(t, "bollinger_reversion", list[0]["name"])
	assert.NotNil(t, list[0]["schema"])

	code, _ = do(t, srv, http.MethodGet, "/api/backtest/presets", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestParseTime(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ts, err := ParseTime("2024-01-05", loc)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, loc)))

	ts, err = ParseTime("2024-01-05T14:30:00Z", loc)
	require.NoError(t, err)
	assert.Equal(t, 9, ts.Hour())

	ts, err = ParseTime("1704067200000", loc)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err = ParseTime("", loc)
	assert.Error(t, err)
}

type jsonBody = map[string]any
