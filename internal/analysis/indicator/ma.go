package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// nanSeries 返回长度为 n、全部未定义的序列。
func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// IsDefined 报告 v 是否为有限值（NaN 表示 warm-up 未定义）。
func IsDefined(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Last 返回序列最后一个值；序列为空或最后一个值未定义时 ok=false。
func Last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return math.NaN(), false
	}
	v := series[len(series)-1]
	return v, IsDefined(v)
}

// LastDefined 从尾部向前找到第一个已定义的值。
func LastDefined(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		if IsDefined(series[i]) {
			return series[i], true
		}
	}
	return math.NaN(), false
}

// SMA 是简单移动平均，前 period-1 个值为 NaN。
func SMA(x []float64, period int) []float64 {
	if period < 1 || len(x) < period {
		return nanSeries(len(x))
	}
	out := talib.Sma(x, period)
	for i := 0; i < period-1 && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

// EMA 使用 alpha=2/(span+1)，以首个值为种子，不设 warm-up。
func EMA(x []float64, span int) []float64 {
	if span < 1 {
		return nanSeries(len(x))
	}
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = alpha*x[i] + (1-alpha)*out[i-1]
	}
	return out
}

// ATR 是 Wilder 平均真实波幅，前 period 个值为 NaN。
func ATR(high, low, close []float64, period int) []float64 {
	n := len(close)
	if period < 1 || len(high) != n || len(low) != n || n <= period {
		return nanSeries(n)
	}
	out := talib.Atr(high, low, close, period)
	for i := 0; i < period && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

// rollingStats 计算 [i-period+1, i] 窗口的均值与样本标准差（ddof=1）。
func rollingStats(x []float64, i, period int) (mean, std float64) {
	sum := 0.0
	for j := i - period + 1; j <= i; j++ {
		sum += x[j]
	}
	mean = sum / float64(period)
	if period < 2 {
		return mean, math.NaN()
	}
	ss := 0.0
	for j := i - period + 1; j <= i; j++ {
		d := x[j] - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(period-1))
}
