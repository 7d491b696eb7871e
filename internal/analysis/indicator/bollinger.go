package indicator

// Bands 是 Bollinger 三轨，与输入等长。
type Bands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger: middle 为 period 滚动均值，带宽为 k 倍滚动样本标准差。
func Bollinger(close []float64, period int, k float64) Bands {
	n := len(close)
	b := Bands{Upper: nanSeries(n), Middle: nanSeries(n), Lower: nanSeries(n)}
	if period < 1 {
		return b
	}
	for i := period - 1; i < n; i++ {
		mean, std := rollingStats(close, i, period)
		b.Middle[i] = mean
		b.Upper[i] = mean + k*std
		b.Lower[i] = mean - k*std
	}
	return b
}
