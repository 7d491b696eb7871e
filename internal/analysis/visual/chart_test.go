package visual

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/market"
)

func sampleSeries(n int, step time.Duration) market.Series {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make(market.Series, n)
	for i := range out {
		v := 100 + 5*math.Sin(float64(i)/4)
		out[i] = market.Bar{
			Time: start.Add(time.Duration(i) * step),
			Open: v - 0.5, High: v + 1, Low: v - 1, Close: v + 0.5, Volume: float64(1000 + i),
		}
	}
	return out
}

func TestRenderHTMLIncludesOverlaysAndMarkers(t *testing.T) {
	series := sampleSeries(60, 24*time.Hour)
	html, err := RenderHTML(ChartInput{
		Symbol:   "aapl",
		Interval: "1d",
		Series:   series,
		Markers: []Marker{
			{Time: series[30].Time, Action: "buy", Price: series[30].Close},
			{Time: series[45].Time, Action: "close", Price: series[45].Close},
			{Time: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC), Action: "buy"},
		},
	})
	require.NoError(t, err)
	page := string(html)
	assert.Contains(t, page, "AAPL 1d")
	assert.Contains(t, page, "BB Upper")
	assert.Contains(t, page, "MACD Hist")
	assert.Contains(t, page, "Buy")
	assert.Contains(t, page, "2024-01-02")
	assert.Contains(t, page, "RSI")
}

func TestRenderHTMLIntradayAxis(t *testing.T) {
	series := sampleSeries(40, time.Hour)
	html, err := RenderHTML(ChartInput{Symbol: "BTCUSDT", Interval: "1h", Series: series, Subtitle: "custom"})
	require.NoError(t, err)
	assert.Contains(t, string(html), "01-02 03:00")
	assert.Contains(t, string(html), "custom")
	assert.NotContains(t, string(html), "\"Stop\"")
}

func TestRenderHTMLRejectsEmptyInput(t *testing.T) {
	_, err := RenderHTML(ChartInput{Symbol: "AAPL"})
	assert.ErrorIs(t, err, market.ErrEmptySeries)
	_, err = RenderHTML(ChartInput{Series: sampleSeries(5, time.Hour)})
	assert.Error(t, err)
}

func TestToLineDataPadsAndHidesUndefined(t *testing.T) {
	line := toLineData([]float64{math.NaN(), 1.23456}, 4)
	require.Len(t, line, 4)
	assert.Nil(t, line[0].Value)
	assert.Nil(t, line[2].Value)
	assert.Equal(t, 1.2346, line[3].Value)
}
