package backtest

import (
	"context"
	"time"

	"quantbench/internal/market"
)

// FetchRequest 描述一次远端 K 线请求，End 对数据源而言是包含的。
type FetchRequest struct {
	Symbol    string
	Timeframe Timeframe
	Start     time.Time
	End       time.Time
}

// Fetcher 统一不同数据源的拉取行为。实现可以返回任意错误，
// Reconciler 在拉取边界把错误转换为空结果。
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (market.Series, error)
	Name() string
}

// FetcherFunc 便于测试或临时数据源。
type FetcherFunc func(ctx context.Context, req FetchRequest) (market.Series, error)

func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (market.Series, error) {
	return f(ctx, req)
}

func (f FetcherFunc) Name() string { return "func" }
