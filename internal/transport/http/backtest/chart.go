package backtesthttp

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"quantbench/internal/analysis/visual"
	"quantbench/internal/backtest"
	"quantbench/internal/market"
)

// handleChart 返回 K 线图页面；带 run 参数时按该运行的窗口取数并叠加决策标记。
func (s *Server) handleChart(c *gin.Context) {
	var (
		series   market.Series
		markers  []visual.Marker
		symbol   = strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
		interval = strings.TrimSpace(c.Query("timeframe"))
	)
	if runID := strings.TrimSpace(c.Query("run")); runID != "" {
		store := s.runStore()
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
			return
		}
		run, err := store.GetRun(c.Request.Context(), runID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, backtest.ErrRunNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		tf, err := backtest.ParseTimeframe(run.Timeframe)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		series, err = s.svc.Bars(c.Request.Context(), run.Symbol, tf, run.Start, run.End)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		decisions, err := store.ListDecisions(c.Request.Context(), run.ID, 5000)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		markers = DecisionMarkers(decisions)
		symbol, interval = run.Symbol, run.Timeframe
	} else {
		var ok bool
		if series, ok = s.loadSeries(c); !ok {
			return
		}
	}

	html, err := visual.RenderHTML(visual.ChartInput{
		Symbol:   symbol,
		Interval: interval,
		Series:   series,
		Markers:  markers,
		Settings: s.indicators,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, market.ErrEmptySeries) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

// DecisionMarkers 把决策日志转换成图表标记。
func DecisionMarkers(decisions []backtest.DecisionRecord) []visual.Marker {
	out := make([]visual.Marker, 0, len(decisions))
	for _, d := range decisions {
		price := d.Price
		if d.Action == "update_stop" && d.StopLoss > 0 {
			price = d.StopLoss
		}
		out = append(out, visual.Marker{Time: d.Time, Action: d.Action, Price: price, Reason: d.Reason})
	}
	return out
}
