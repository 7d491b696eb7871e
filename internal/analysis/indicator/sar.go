package indicator

import "math"

type trend int

const (
	trendUp trend = iota
	trendDown
)

// sarState 是抛物线止损在相邻两根 bar 之间传递的全部状态。
type sarState struct {
	trend trend
	ep    float64 // 上升趋势为最高价，下降趋势为最低价
	af    float64
	stop  float64
}

// ParabolicSAR 以 fold 的方式逐根推进状态，初始为上升趋势：
// ep=high[0]，stop[0]=low[0]，af=step。high/low 长度不一致时返回全 NaN。
func ParabolicSAR(high, low []float64, step, maxAF float64) []float64 {
	n := len(high)
	if len(low) != n {
		return nanSeries(n)
	}
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	st := sarState{trend: trendUp, ep: high[0], af: step, stop: low[0]}
	out[0] = st.stop
	for i := 1; i < n; i++ {
		st = st.next(high, low, i, step, maxAF)
		out[i] = st.stop
	}
	return out
}

func (s sarState) next(high, low []float64, i int, step, maxAF float64) sarState {
	prev := s.stop
	if s.trend == trendUp {
		s.stop = prev + s.af*(s.ep-prev)
		if low[i] < s.stop {
			s.trend = trendDown
			s.stop = s.ep
			s.ep = low[i]
			s.af = step
			return s
		}
		if high[i] > s.ep {
			s.ep = high[i]
			s.af = math.Min(s.af+step, maxAF)
		}
		// 止损不得高于前两根 bar 的最低价
		s.stop = math.Min(s.stop, low[i-1])
		if i > 1 {
			s.stop = math.Min(s.stop, low[i-2])
		}
		return s
	}

	s.stop = prev - s.af*(prev-s.ep)
	if high[i] > s.stop {
		s.trend = trendUp
		s.stop = s.ep
		s.ep = high[i]
		s.af = step
		return s
	}
	if low[i] < s.ep {
		s.ep = low[i]
		s.af = math.Min(s.af+step, maxAF)
	}
	s.stop = math.Max(s.stop, high[i-1])
	if i > 1 {
		s.stop = math.Max(s.stop, high[i-2])
	}
	return s
}
