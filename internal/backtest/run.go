package backtest

import (
	"time"

	"quantbench/internal/strategy"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunRequest 为 HTTP/CLI 提交使用。Preset 与 Strategy 二选一，Preset 优先。
type RunRequest struct {
	Symbol    string         `json:"symbol" binding:"required"`
	Timeframe string         `json:"timeframe"`
	Start     time.Time      `json:"start" binding:"required"`
	End       time.Time      `json:"end" binding:"required"`
	Strategy  string         `json:"strategy"`
	Preset    string         `json:"preset"`
	Params    map[string]any `json:"params"`
	Notes     string         `json:"notes,omitempty"`
}

// RunStats 汇总一次运行里策略发出的意图。成交与资金曲线由 Executor 一侧负责。
type RunStats struct {
	Bars          int               `json:"bars"`
	Decisions     int               `json:"decisions"`
	Buys          int               `json:"buys"`
	Closes        int               `json:"closes"`
	StopUpdates   int               `json:"stop_updates"`
	Trades        int               `json:"trades"`
	FirstBar      time.Time         `json:"first_bar"`
	LastBar       time.Time         `json:"last_bar"`
	FinalPosition strategy.Position `json:"final_position"`
	FinishedAt    time.Time         `json:"finished_at"`
}

// Run 表示一次策略运行。
type Run struct {
	ID          string             `json:"id"`
	Symbol      string             `json:"symbol"`
	Timeframe   string             `json:"timeframe"`
	Strategy    string             `json:"strategy"`
	Preset      string             `json:"preset,omitempty"`
	Status      string             `json:"status"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	Params      map[string]float64 `json:"params"`
	Stats       RunStats           `json:"stats"`
	Notes       string             `json:"notes,omitempty"`
	Message     string             `json:"message,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// Finished 报告运行是否已结束（成功或失败）。
func (r Run) Finished() bool {
	return r.Status == RunStatusDone || r.Status == RunStatusFailed
}

// DecisionRecord 是决策日志中的一行：哪根 bar、什么意图、当时的收盘价。
type DecisionRecord struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id"`
	Index    int       `json:"index"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Price    float64   `json:"price"`
	Size     float64   `json:"size,omitempty"`
	StopLoss float64   `json:"stop_loss,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// RunResult 是同步运行的完整输出。
type RunResult struct {
	Run       Run              `json:"run"`
	Decisions []DecisionRecord `json:"decisions"`
}
