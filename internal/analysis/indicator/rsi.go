package indicator

// RSI 使用 α=1/period 的指数平滑（adjust=false）：首个涨跌幅记为 0，
// 两条均线从索引 0 以 0 起步，avg = (1-α)·avg + α·x。
// 索引 0 没有涨跌幅，保持未定义；avg_loss 为 0 时结果为 100。
func RSI(close []float64, period int) []float64 {
	out := nanSeries(len(close))
	if period < 1 || len(close) < 2 {
		return out
	}
	alpha := 1 / float64(period)
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i < len(close); i++ {
		g, l := change(close[i-1], close[i])
		avgGain = (1-alpha)*avgGain + alpha*g
		avgLoss = (1-alpha)*avgLoss + alpha*l
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
