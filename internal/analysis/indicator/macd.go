package indicator

type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD = EMA(fast) - EMA(slow)，signal 为其 EMA，histogram = line - signal。
func MACD(close []float64, fast, slow, signal int) MACDResult {
	n := len(close)
	if fast < 1 || slow < 1 || signal < 1 {
		return MACDResult{Line: nanSeries(n), Signal: nanSeries(n), Histogram: nanSeries(n)}
	}
	emaFast := EMA(close, fast)
	emaSlow := EMA(close, slow)
	line := make([]float64, n)
	for i := range line {
		line[i] = emaFast[i] - emaSlow[i]
	}
	sig := EMA(line, signal)
	hist := make([]float64, n)
	for i := range hist {
		hist[i] = line[i] - sig[i]
	}
	return MACDResult{Line: line, Signal: sig, Histogram: hist}
}
