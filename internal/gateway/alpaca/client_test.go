package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/backtest"
)

func fetchRequest() backtest.FetchRequest {
	return backtest.FetchRequest{
		Symbol:    "aapl",
		Timeframe: backtest.MustTimeframe("1d"),
		Start:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchFollowsPageToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v2/stocks/AAPL/bars", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		q := r.URL.Query()
		assert.Equal(t, "1Day", q.Get("timeframe"))
		assert.Equal(t, "2024-01-02T00:00:00Z", q.Get("start"))
		assert.Equal(t, "iex", q.Get("feed"))
		assert.Equal(t, "raw", q.Get("adjustment"))
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("page_token") {
		case "":
			fmt.Fprint(w, `{"bars":[
				{"t":"2024-01-02T05:00:00Z","o":187.15,"h":188.44,"l":183.89,"c":185.64,"v":82488700},
				{"t":"2024-01-03T05:00:00Z","o":184.22,"h":185.88,"l":183.43,"c":184.25,"v":58414500}
			],"symbol":"AAPL","next_page_token":"p2"}`)
		case "p2":
			fmt.Fprint(w, `{"bars":[
				{"t":"2024-01-04T05:00:00Z","o":182.15,"h":183.09,"l":180.88,"c":181.91,"v":71983600}
			],"symbol":"AAPL","next_page_token":null}`)
		default:
			t.Errorf("unexpected page token %q", q.Get("page_token"))
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, KeyID: "key", SecretKey: "secret", RateLimitPerMin: 6000})
	require.NoError(t, err)
	series, err := c.Fetch(context.Background(), fetchRequest())
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, series.IsNormalized())
	assert.Equal(t, 185.64, series[0].Close)
	assert.Equal(t, 71983600.0, series[2].Volume)
	assert.True(t, series[2].Time.Equal(time.Date(2024, 1, 4, 5, 0, 0, 0, time.UTC)))
}

func TestFetchReportsErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"forbidden."}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, KeyID: "key", SecretKey: "secret"})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), fetchRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden.")
}

func TestFetchRejectsMalformedTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bars":[{"t":"yesterday","o":1,"h":1,"l":1,"c":1,"v":1}]}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, KeyID: "key", SecretKey: "secret"})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), fetchRequest())
	assert.Error(t, err)
}

func TestFetchHonoursCancellation(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", KeyID: "key", SecretKey: "secret"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Fetch(ctx, fetchRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{KeyID: "key"})
	assert.Error(t, err)

	c, err := New(Config{KeyID: "key", SecretKey: "secret", PageLimit: 50000})
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, c.cfg.BaseURL)
	assert.Equal(t, defaultPageLimit, c.cfg.PageLimit)
	assert.Equal(t, "alpaca", c.Name())
}
