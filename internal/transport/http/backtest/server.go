package backtesthttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quantbench/internal/analysis/indicator"
	"quantbench/internal/backtest"
	"quantbench/internal/logger"
	"quantbench/internal/market"
	"quantbench/internal/strategy"
)

// Server 提供同步、取数、指标与策略运行的 HTTP API。
type Server struct {
	addr       string
	svc        *backtest.Service
	runner     *backtest.Runner
	presets    *strategy.PresetRegistry
	indicators indicator.Settings
	loc        *time.Location
	router     *gin.Engine
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr       string
	Svc        *backtest.Service
	Runner     *backtest.Runner
	Presets    *strategy.PresetRegistry
	Indicators indicator.Settings
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:       cfg.Addr,
		svc:        cfg.Svc,
		runner:     cfg.Runner,
		presets:    cfg.Presets,
		indicators: cfg.Indicators,
		loc:        cfg.Svc.Reconciler().Location(),
		router:     router,
	}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露 gin 路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	api := s.router.Group("/api/backtest")
	api.POST("/sync", s.handleSync)
	api.GET("/sync/:id", s.handleSyncStatus)
	api.GET("/jobs", s.handleJobs)
	api.GET("/manifest", s.handleManifest)
	api.GET("/events", s.handleEvents)
	api.GET("/bars", s.handleBars)
	api.GET("/indicators", s.handleIndicators)
	api.GET("/strategies", s.handleStrategies)
	api.GET("/presets", s.handlePresets)
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/decisions", s.handleRunDecisions)
	api.GET("/chart", s.handleChart)
}

func (s *Server) handleSync(c *gin.Context) {
	var req struct {
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		Start     string `json:"start" binding:"required"`
		End       string `json:"end" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, end, err := s.parseRange(req.Start, req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitSync(backtest.SyncParams{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     start,
		End:       end,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	job, ok := s.svc.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.svc.JobsSnapshot()})
}

func (s *Server) handleManifest(c *gin.Context) {
	symbol, tf, ok := symbolAndTimeframe(c)
	if !ok {
		return
	}
	info, err := s.svc.ManifestInfo(c.Request.Context(), symbol, tf)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, backtest.ErrNoManifest) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *Server) handleEvents(c *gin.Context) {
	symbol, tf, ok := symbolAndTimeframe(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := s.svc.SyncEvents(c.Request.Context(), symbol, tf, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleBars(c *gin.Context) {
	series, ok := s.loadSeries(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"bars": series, "count": len(series)})
}

func (s *Server) handleIndicators(c *gin.Context) {
	series, ok := s.loadSeries(c)
	if !ok {
		return
	}
	cfg := s.indicators
	cfg.Symbol = strings.ToUpper(c.Query("symbol"))
	cfg.Interval = c.Query("timeframe")
	if tail, err := strconv.Atoi(c.Query("tail")); err == nil && tail > 0 {
		cfg.Tail = tail
	}
	report, err := indicator.ComputeSnapshot(series, cfg)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, market.ErrEmptySeries) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) handleStrategies(c *gin.Context) {
	catalog := strategy.Catalog()
	out := make([]gin.H, 0, len(catalog))
	for _, meta := range catalog {
		out = append(out, gin.H{
			"name":        meta.Name,
			"description": meta.Description,
			"params":      meta.Params,
			"schema":      strategy.ParamSchema(meta),
		})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *Server) handlePresets(c *gin.Context) {
	if s.presets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "预设未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": s.presets.Snapshot()})
}

func (s *Server) handleRunStart(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner 未启用"})
		return
	}
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.runner.Start(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	store := s.runStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	store := s.runStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	run, err := store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backtest.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunDecisions(c *gin.Context) {
	store := s.runStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	decisions, err := store.ListDecisions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (s *Server) runStore() *backtest.RunStore {
	if s.runner == nil {
		return nil
	}
	return s.runner.Runs()
}

// loadSeries 解析 symbol/timeframe/start/end 并经 Service 对账取数。
func (s *Server) loadSeries(c *gin.Context) (market.Series, bool) {
	symbol, tfKey, ok := symbolAndTimeframe(c)
	if !ok {
		return nil, false
	}
	tf, err := backtest.ParseTimeframe(tfKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	start, end, err := s.parseRange(c.Query("start"), c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	series, err := s.svc.Bars(c.Request.Context(), symbol, tf, start, end)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backtest.ErrInvalidRange) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}
	return series, true
}

func symbolAndTimeframe(c *gin.Context) (string, string, bool) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	tf := strings.TrimSpace(c.Query("timeframe"))
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return "", "", false
	}
	return symbol, tf, true
}

func (s *Server) parseRange(rawStart, rawEnd string) (time.Time, time.Time, error) {
	start, err := ParseTime(rawStart, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseTime(rawEnd, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, backtest.ErrInvalidRange
	}
	return start, end, nil
}

// ParseTime 支持 RFC3339、2006-01-02 与毫秒时间戳；日期按交易所时区解释。
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("start/end 必填")
	}
	if loc == nil {
		loc = time.UTC
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.In(loc), nil
	}
	if ts, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return ts, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).In(loc), nil
	}
	return time.Time{}, errors.New("无法解析时间: " + raw)
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
