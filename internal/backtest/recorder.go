package backtest

import (
	"context"
	"fmt"
	"sync"

	"quantbench/internal/market"
	"quantbench/internal/strategy"
)

// RecordingExecutor 只按决策推演意向持仓，不模拟成交、手续费与资金。
// Size 为 0 的买入按 DefaultSize 计。
type RecordingExecutor struct {
	DefaultSize float64

	mu     sync.Mutex
	pos    strategy.Position
	trades int
}

func NewRecordingExecutor(defaultSize float64) *RecordingExecutor {
	if defaultSize <= 0 {
		defaultSize = 1
	}
	return &RecordingExecutor{DefaultSize: defaultSize}
}

func (e *RecordingExecutor) Buy(_ context.Context, bar market.Bar, size, stopLoss float64) error {
	if size < 0 {
		return fmt.Errorf("buy size 不能为负: %v", size)
	}
	if size == 0 {
		size = e.DefaultSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Open {
		// 加仓：按数量加权的均价
		total := e.pos.Size + size
		e.pos.EntryPrice = (e.pos.EntryPrice*e.pos.Size + bar.Close*size) / total
		e.pos.Size = total
	} else {
		e.pos = strategy.Position{Open: true, Size: size, EntryPrice: bar.Close}
	}
	if stopLoss > 0 {
		e.pos.StopLoss = stopLoss
	}
	return nil
}

func (e *RecordingExecutor) Close(_ context.Context, _ market.Bar) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Open {
		e.trades++
	}
	e.pos = strategy.Position{}
	return nil
}

func (e *RecordingExecutor) SetStop(_ context.Context, _ market.Bar, stop float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pos.Open {
		return nil
	}
	e.pos.StopLoss = stop
	return nil
}

func (e *RecordingExecutor) Position() strategy.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// Trades 返回已完成的开平仓次数。
func (e *RecordingExecutor) Trades() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trades
}
