package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quantbench/internal/logger"
	"quantbench/internal/market"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// SyncParams 描述一次同步请求。
type SyncParams struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// SyncJob 跟踪后台同步任务的进度。
type SyncJob struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Params     SyncParams `json:"params"`
	Expected   int64      `json:"expected"`
	Bars       int        `json:"bars"`
	First      time.Time  `json:"first,omitempty"`
	Last       time.Time  `json:"last,omitempty"`
	Persisted  bool       `json:"persisted"`
	Restored   bool       `json:"restored_backup"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

func (j *SyncJob) copy() SyncJob {
	if j == nil {
		return SyncJob{}
	}
	return *j
}

// SyncResult 是 SyncAll 中单个 symbol 的结果。
type SyncResult struct {
	Symbol string    `json:"symbol"`
	Bars   int       `json:"bars"`
	Event  SyncEvent `json:"event"`
	Error  string    `json:"error,omitempty"`
}

// ServiceConfig 配置 Service。
type ServiceConfig struct {
	Reconciler    *Reconciler
	Journal       *Journal
	MaxConcurrent int
}

// Service 负责管理同步任务，并保证同一 symbol@timeframe 不会被并发对账。
type Service struct {
	reconciler *Reconciler
	journal    *Journal
	maxConc    int
	sem        chan struct{}

	mu   sync.RWMutex
	jobs map[string]*SyncJob

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Service{
		reconciler: cfg.Reconciler,
		journal:    cfg.Journal,
		maxConc:    maxConcurrent,
		sem:        make(chan struct{}, maxConcurrent),
		jobs:       make(map[string]*SyncJob),
		keys:       make(map[string]*sync.Mutex),
		baseCtx:    context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Service) Reconciler() *Reconciler { return s.reconciler }

func (s *Service) lockKey(symbol string, tf Timeframe) func() {
	key := strings.ToUpper(symbol) + "@" + tf.Tag
	s.keyMu.Lock()
	mu, ok := s.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keys[key] = mu
	}
	s.keyMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Bars 串行化同一 key 的对账后返回区间数据。
func (s *Service) Bars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, error) {
	series, _, err := s.reconcile(ctx, symbol, tf, start, end)
	return series, err
}

func (s *Service) reconcile(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, SyncEvent, error) {
	unlock := s.lockKey(symbol, tf)
	defer unlock()
	return s.reconciler.Reconcile(ctx, symbol, tf, start, end)
}

// SubmitSync 提交后台同步任务，立即返回任务快照。
func (s *Service) SubmitSync(params SyncParams) (SyncJob, error) {
	params.Symbol = strings.ToUpper(strings.TrimSpace(params.Symbol))
	if params.Symbol == "" {
		return SyncJob{}, fmt.Errorf("%w: symbol 不能为空", ErrInvalidRange)
	}
	tf, err := ParseTimeframe(params.Timeframe)
	if err != nil {
		return SyncJob{}, err
	}
	if params.End.Before(params.Start) {
		return SyncJob{}, fmt.Errorf("%w: end before start", ErrInvalidRange)
	}
	params.Timeframe = tf.Key
	now := time.Now()
	job := &SyncJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Expected:  tf.ExpectedBars(params.Start, params.End),
		StartedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[sync] 任务 %s 提交：%s %s [%s,%s]", job.ID, params.Symbol, tf.Tag,
		params.Start.Format(time.RFC3339), params.End.Format(time.RFC3339))

	go s.runJob(job.ID, tf)
	return job.copy(), nil
}

func (s *Service) runJob(jobID string, tf Timeframe) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.updateJob(jobID, func(j *SyncJob) {
			j.Status = JobStatusFailed
			j.Message = "服务已关闭"
		})
		return
	}
	defer func() { <-s.sem }()

	job, ok := s.JobSnapshot(jobID)
	if !ok {
		return
	}
	s.updateJob(jobID, func(j *SyncJob) { j.Status = JobStatusRunning })

	p := job.Params
	series, ev, err := s.reconcile(s.ctx(), p.Symbol, tf, p.Start, p.End)
	s.updateJob(jobID, func(j *SyncJob) {
		j.FinishedAt = time.Now()
		if err != nil {
			j.Status = JobStatusFailed
			j.Message = err.Error()
			return
		}
		j.Status = JobStatusDone
		j.Bars = len(series)
		j.First, j.Last, _ = series.Bounds()
		j.Persisted = ev.Persisted
		j.Restored = ev.Restored
		if len(series) == 0 {
			j.Message = "区间内无数据"
		}
	})
	if err != nil {
		logger.Warnf("[sync] 任务 %s 失败: %v", jobID, err)
		return
	}
	logger.Infof("[sync] 任务 %s 完成，bars=%d prefix=%d suffix=%d", jobID, len(series), ev.PrefixRows, ev.SuffixRows)
}

// SyncAll 批量同步多个 symbol，单个失败不影响其他 symbol。
func (s *Service) SyncAll(ctx context.Context, symbols []string, tf Timeframe, start, end time.Time) ([]SyncResult, error) {
	if len(symbols) == 0 {
		return nil, errors.New("symbols 不能为空")
	}
	results := make([]SyncResult, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConc)
	for i, sym := range symbols {
		i, sym := i, strings.ToUpper(strings.TrimSpace(sym))
		g.Go(func() error {
			series, ev, err := s.reconcile(gctx, sym, tf, start, end)
			res := SyncResult{Symbol: sym, Bars: len(series), Event: ev}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				res.Error = err.Error()
				logger.Warnf("[sync] %s %s 失败: %v", sym, tf.Tag, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Service) updateJob(id string, fn func(*SyncJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
		job.UpdatedAt = time.Now()
	}
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (SyncJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return SyncJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot 返回所有任务的拷贝列表（新→旧）。
func (s *Service) JobsSnapshot() []SyncJob {
	s.mu.RLock()
	out := make([]SyncJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ManifestInfo 读取 journal 中的 manifest。
func (s *Service) ManifestInfo(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	if s.journal == nil {
		return Manifest{}, errors.New("journal 未启用")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return Manifest{}, err
	}
	return s.journal.Manifest(ctx, symbol, tf.Tag)
}

// SyncEvents 返回 journal 中最近的同步事件。
func (s *Service) SyncEvents(ctx context.Context, symbol, timeframe string, limit int) ([]SyncEvent, error) {
	if s.journal == nil {
		return nil, errors.New("journal 未启用")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	return s.journal.Events(ctx, symbol, tf.Tag, limit)
}
