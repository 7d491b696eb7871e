package indicator

import "math"

// WidthRankLookback 是通道宽度百分位排名使用的历史窗口长度。
const WidthRankLookback = 200

// Channel 是滚动线性回归通道的全部输出，与输入等长。
type Channel struct {
	Center    []float64
	Upper     []float64
	Lower     []float64
	SlopePct  []float64 // 年化斜率百分比
	R2        []float64
	Width     []float64 // (upper-lower)/center
	WidthRank []float64 // 当前宽度在最近 200 个宽度中的百分位 (0,1]
}

// RegressionChannel 对每个窗口做 close 对 bar 序号的最小二乘回归。
// 估计标准误差带 (n-1)/(n-2) 修正；window<3 时全部为 NaN；
// 窗口内价格完全不变时 R²=0、通道宽度为 0。
func RegressionChannel(close []float64, window int, numStd, annual float64) Channel {
	n := len(close)
	ch := Channel{
		Center:    nanSeries(n),
		Upper:     nanSeries(n),
		Lower:     nanSeries(n),
		SlopePct:  nanSeries(n),
		R2:        nanSeries(n),
		Width:     nanSeries(n),
		WidthRank: nanSeries(n),
	}
	if window < 3 || n < window {
		return ch
	}
	w := float64(window)
	for i := window - 1; i < n; i++ {
		from := i - window + 1
		mx := float64(from+i) / 2
		my := 0.0
		for j := from; j <= i; j++ {
			my += close[j]
		}
		my /= w
		var sxy, sxx, syy float64
		for j := from; j <= i; j++ {
			dx := float64(j) - mx
			dy := close[j] - my
			sxy += dx * dy
			sxx += dx * dx
			syy += dy * dy
		}
		slope := sxy / sxx
		center := slope*float64(i) + (my - slope*mx)
		r2 := 0.0
		if syy > 0 {
			r2 = sxy * sxy / (sxx * syy)
		}
		stdY := math.Sqrt(syy / (w - 1))
		see := stdY * math.Sqrt(math.Max(0, 1-r2)) * math.Sqrt((w-1)/(w-2))

		ch.Center[i] = center
		ch.Upper[i] = center + numStd*see
		ch.Lower[i] = center - numStd*see
		ch.R2[i] = r2
		if center != 0 {
			ch.SlopePct[i] = slope / center * annual * 100
			ch.Width[i] = (ch.Upper[i] - ch.Lower[i]) / center
		}
	}
	ch.WidthRank = rollingPctRank(ch.Width, WidthRankLookback)
	return ch
}

// rollingPctRank 返回每个点在其最近 lookback 个值中的平均排名百分位；
// 窗口内有未定义值时结果未定义。
func rollingPctRank(x []float64, lookback int) []float64 {
	out := nanSeries(len(x))
	for i := lookback - 1; i < len(x); i++ {
		cur := x[i]
		if !IsDefined(cur) {
			continue
		}
		less, equal := 0, 0
		defined := true
		for j := i - lookback + 1; j <= i; j++ {
			v := x[j]
			if !IsDefined(v) {
				defined = false
				break
			}
			switch {
			case v < cur:
				less++
			case v == cur:
				equal++
			}
		}
		if !defined {
			continue
		}
		rank := float64(less) + float64(equal+1)/2
		out[i] = rank / float64(lookback)
	}
	return out
}
