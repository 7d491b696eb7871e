package backtest

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, reconcilerFixture) {
	t.Helper()
	fx := newFixture(t, nil)
	svc, err := NewService(ServiceConfig{Reconciler: fx.rec, Journal: fx.journal, MaxConcurrent: 2})
	require.NoError(t, err)
	return svc, fx
}

func TestSubmitSyncCompletes(t *testing.T) {
	svc, fx := newTestService(t)

	job, err := svc.SubmitSync(SyncParams{Symbol: "aapl", Timeframe: "1Day", Start: jan(fx.loc, 1), End: jan(fx.loc, 10)})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "AAPL", job.Params.Symbol)
	assert.Equal(t, "1d", job.Params.Timeframe)
	assert.Equal(t, int64(10), job.Expected)

	require.Eventually(t, func() bool {
		snap, ok := svc.JobSnapshot(job.ID)
		return ok && (snap.Status == JobStatusDone || snap.Status == JobStatusFailed)
	}, 5*time.Second, 10*time.Millisecond)

	snap, _ := svc.JobSnapshot(job.ID)
	assert.Equal(t, JobStatusDone, snap.Status)
	assert.Equal(t, 10, snap.Bars)
	assert.True(t, snap.Persisted)
	assert.Len(t, svc.JobsSnapshot(), 1)

	m, err := svc.ManifestInfo(context.Background(), "AAPL", "1d")
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.Rows)
}

func TestSubmitSyncValidates(t *testing.T) {
	svc, fx := newTestService(t)

	_, err := svc.SubmitSync(SyncParams{Symbol: "", Timeframe: "1d", Start: jan(fx.loc, 1), End: jan(fx.loc, 2)})
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = svc.SubmitSync(SyncParams{Symbol: "AAPL", Timeframe: "2d", Start: jan(fx.loc, 1), End: jan(fx.loc, 2)})
	assert.Error(t, err)
	_, err = svc.SubmitSync(SyncParams{Symbol: "AAPL", Timeframe: "1d", Start: jan(fx.loc, 3), End: jan(fx.loc, 2)})
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Empty(t, svc.JobsSnapshot())
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	// MSFT 的缓存已损坏，其余 symbol 不受影响
	paths := fx.store.Paths("MSFT", daily.Tag)
	require.NoError(t, writeGarbage(paths.Binary))

	results, err := svc.SyncAll(ctx, []string{"aapl", "msft", "spy"}, daily, jan(fx.loc, 1), jan(fx.loc, 5))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "AAPL", results[0].Symbol)
	assert.Equal(t, 5, results[0].Bars)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, 5, results[2].Bars)

	_, err = svc.SyncAll(ctx, nil, daily, jan(fx.loc, 1), jan(fx.loc, 5))
	assert.Error(t, err)
}

func TestSyncAllStopsOnCancel(t *testing.T) {
	svc, fx := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SyncAll(ctx, []string{"AAPL", "SPY"}, daily, jan(fx.loc, 1), jan(fx.loc, 5))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestServiceBarsSerializesKey(t *testing.T) {
	svc, fx := newTestService(t)
	ctx := context.Background()

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := svc.Bars(ctx, "AAPL", daily, jan(fx.loc, 1), jan(fx.loc, 10))
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	// 同一 key 串行对账：只有第一次需要拉取
	assert.Len(t, fx.fetcher.Calls(), 1)
}

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("garbage"), 0o644)
}
