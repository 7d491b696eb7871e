package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quantbench/internal/logger"
	"quantbench/internal/market"
	"quantbench/internal/strategy"
)

// Executor 接收策略的交易意图。成交、资金与风控都在执行方。
type Executor interface {
	Buy(ctx context.Context, bar market.Bar, size, stopLoss float64) error
	Close(ctx context.Context, bar market.Bar) error
	SetStop(ctx context.Context, bar market.Bar, stop float64) error
	Position() strategy.Position
}

// BarSource 提供对账后的区间数据；Service 与 Reconciler 都满足。
type BarSource interface {
	Bars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, error)
}

type RunnerConfig struct {
	Bars             BarSource
	Runs             *RunStore
	Presets          *strategy.PresetRegistry
	DefaultTimeframe string
	MaxConcurrent    int
}

// Runner 取数、校验、初始化策略，然后逐根 bar 把决策转发给 Executor。
type Runner struct {
	bars      BarSource
	runs      *RunStore
	presets   *strategy.PresetRegistry
	defaultTF string

	sem     chan struct{}
	baseCtx context.Context
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Bars == nil {
		return nil, fmt.Errorf("bar source 不能为空")
	}
	defaultTF := strings.TrimSpace(cfg.DefaultTimeframe)
	if defaultTF == "" {
		defaultTF = "1d"
	}
	if _, err := ParseTimeframe(defaultTF); err != nil {
		return nil, err
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		bars:      cfg.Bars,
		runs:      cfg.Runs,
		presets:   cfg.Presets,
		defaultTF: defaultTF,
		sem:       make(chan struct{}, maxConcurrent),
		baseCtx:   context.Background(),
	}, nil
}

func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

func (r *Runner) Runs() *RunStore { return r.runs }

type runPlan struct {
	run   Run
	tf    Timeframe
	strat strategy.Strategy
}

func (r *Runner) prepare(req RunRequest) (runPlan, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return runPlan{}, fmt.Errorf("%w: symbol 不能为空", ErrInvalidRange)
	}
	if req.Start.IsZero() || req.End.IsZero() || req.End.Before(req.Start) {
		return runPlan{}, fmt.Errorf("%w: start/end 非法", ErrInvalidRange)
	}
	tfKey := strings.TrimSpace(req.Timeframe)
	if tfKey == "" {
		tfKey = r.defaultTF
	}
	tf, err := ParseTimeframe(tfKey)
	if err != nil {
		return runPlan{}, err
	}

	var (
		st     strategy.Strategy
		params = req.Params
		preset = strings.TrimSpace(req.Preset)
	)
	switch {
	case preset != "":
		if r.presets == nil {
			return runPlan{}, fmt.Errorf("preset registry 未启用，无法使用 preset %s", preset)
		}
		st, params, err = r.presets.Build(preset, req.Params)
	case strings.TrimSpace(req.Strategy) != "":
		st, err = strategy.New(req.Strategy, req.Params)
	default:
		return runPlan{}, errors.New("strategy 或 preset 必须指定其一")
	}
	if err != nil {
		return runPlan{}, err
	}
	meta := st.Metadata()
	resolved, err := strategy.ResolveParams(meta, params)
	if err != nil {
		return runPlan{}, err
	}
	now := time.Now()
	run := Run{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Timeframe: tf.Key,
		Strategy:  meta.Name,
		Preset:    preset,
		Status:    RunStatusPending,
		Start:     req.Start,
		End:       req.End,
		Params:    resolved,
		Notes:     req.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return runPlan{run: run, tf: tf, strat: st}, nil
}

// Run 同步执行一次运行。exec 为 nil 时使用 RecordingExecutor。
func (r *Runner) Run(ctx context.Context, req RunRequest, exec Executor) (RunResult, error) {
	plan, err := r.prepare(req)
	if err != nil {
		return RunResult{}, err
	}
	if r.runs != nil {
		if err := r.runs.InsertRun(ctx, plan.run); err != nil {
			return RunResult{}, err
		}
	}
	if exec == nil {
		exec = NewRecordingExecutor(1)
	}
	return r.execute(ctx, plan, exec)
}

// Start 创建运行记录并立即返回，运行在后台进行，结果写入 RunStore。
func (r *Runner) Start(req RunRequest) (Run, error) {
	if r.runs == nil {
		return Run{}, errors.New("run store 未启用")
	}
	plan, err := r.prepare(req)
	if err != nil {
		return Run{}, err
	}
	ctx := r.ctx()
	if err := r.runs.InsertRun(ctx, plan.run); err != nil {
		return Run{}, err
	}
	go r.runLoop(plan)
	return plan.run, nil
}

func (r *Runner) runLoop(plan runPlan) {
	select {
	case r.sem <- struct{}{}:
	default:
		logger.Warnf("[run] %s 等待可用 worker", plan.run.ID)
		select {
		case r.sem <- struct{}{}:
		case <-r.ctx().Done():
			_ = r.runs.UpdateRunStatus(context.Background(), plan.run.ID, RunStatusFailed, "服务已关闭")
			return
		}
	}
	defer func() { <-r.sem }()
	if _, err := r.execute(r.ctx(), plan, NewRecordingExecutor(1)); err != nil {
		logger.Warnf("[run] %s 失败: %v", plan.run.ID, err)
	}
}

func (r *Runner) ctx() context.Context {
	if r.baseCtx != nil {
		return r.baseCtx
	}
	return context.Background()
}

func (r *Runner) execute(ctx context.Context, plan runPlan, exec Executor) (RunResult, error) {
	run := plan.run
	r.persistStatus(ctx, run.ID, RunStatusRunning, "")
	logger.Infof("[run] %s 开始：%s %s %s [%s,%s]", run.ID, run.Strategy, run.Symbol, run.Timeframe,
		run.Start.Format(time.RFC3339), run.End.Format(time.RFC3339))

	records, stats, err := r.loop(ctx, plan, exec)
	run.UpdatedAt = time.Now()
	if err != nil {
		run.Status = RunStatusFailed
		run.Message = err.Error()
		run.CompletedAt = run.UpdatedAt
		r.persistStatus(context.WithoutCancel(ctx), run.ID, RunStatusFailed, err.Error())
		return RunResult{Run: run, Decisions: records}, err
	}
	run.Status = RunStatusDone
	run.Stats = stats
	run.CompletedAt = run.UpdatedAt
	if r.runs != nil {
		if err := r.runs.AppendDecisions(ctx, run.ID, records); err != nil {
			logger.Warnf("[run] %s 决策日志写入失败: %v", run.ID, err)
		}
		if err := r.runs.UpdateRunSummary(ctx, run.ID, RunStatusDone, stats, ""); err != nil {
			logger.Warnf("[run] %s 汇总写入失败: %v", run.ID, err)
		}
	}
	logger.Infof("[run] %s 完成，bars=%d decisions=%d trades=%d", run.ID, stats.Bars, stats.Decisions, stats.Trades)
	return RunResult{Run: run, Decisions: records}, nil
}

func (r *Runner) loop(ctx context.Context, plan runPlan, exec Executor) ([]DecisionRecord, RunStats, error) {
	run := plan.run
	var stats RunStats
	series, err := r.bars.Bars(ctx, run.Symbol, plan.tf, run.Start, run.End)
	if err != nil {
		return nil, stats, err
	}
	if err := market.ValidateSeries(series); err != nil {
		return nil, stats, fmt.Errorf("%s %s: %w", run.Symbol, plan.tf.Tag, err)
	}
	if err := plan.strat.Init(series); err != nil {
		return nil, stats, fmt.Errorf("init %s: %w", run.Strategy, err)
	}

	var records []DecisionRecord
	for i, bar := range series {
		if err := ctx.Err(); err != nil {
			return records, stats, err
		}
		decisions := plan.strat.Next(strategy.Context{Index: i, Bar: bar, Position: exec.Position()})
		for _, d := range decisions {
			var err error
			switch d.Action {
			case strategy.ActionBuy:
				err = exec.Buy(ctx, bar, d.Size, d.StopLoss)
				stats.Buys++
			case strategy.ActionClose:
				if exec.Position().Open {
					stats.Trades++
				}
				err = exec.Close(ctx, bar)
				stats.Closes++
			case strategy.ActionUpdateStop:
				err = exec.SetStop(ctx, bar, d.StopLoss)
				stats.StopUpdates++
			default:
				continue
			}
			if err != nil {
				return records, stats, fmt.Errorf("bar %d (%s) %s: %w", i, bar.Time.Format(time.RFC3339), d.Action, err)
			}
			records = append(records, DecisionRecord{
				RunID:    run.ID,
				Index:    i,
				Time:     bar.Time,
				Action:   d.Action.String(),
				Price:    bar.Close,
				Size:     d.Size,
				StopLoss: d.StopLoss,
				Reason:   d.Reason,
			})
		}
	}
	stats.Bars = len(series)
	stats.Decisions = len(records)
	stats.FirstBar, stats.LastBar, _ = series.Bounds()
	stats.FinalPosition = exec.Position()
	stats.FinishedAt = time.Now()
	return records, stats, nil
}

func (r *Runner) persistStatus(ctx context.Context, id, status, message string) {
	if r.runs == nil {
		return
	}
	if err := r.runs.UpdateRunStatus(ctx, id, status, message); err != nil {
		logger.Warnf("[run] %s 状态更新失败: %v", id, err)
	}
}
