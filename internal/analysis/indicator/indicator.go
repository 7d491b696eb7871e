package indicator

import (
	"fmt"
	"math"
	"sort"

	"quantbench/internal/market"
)

// Settings 描述快照计算所需的参数，零值使用默认。
type Settings struct {
	Symbol    string           `json:"symbol"`
	Interval  string           `json:"interval"`
	RSI       RSISettings      `json:"rsi"`
	Bollinger BollingerSetting `json:"bollinger"`
	MACD      MACDSettings     `json:"macd"`
	SAR       SARSettings      `json:"sar"`
	LRC       LRCSettings      `json:"lrc"`
	ATRPeriod int              `json:"atr_period,omitempty"`
	// Tail 控制报告中附带的序列尾部长度，0 表示不附带。
	Tail int `json:"tail,omitempty"`
}

type RSISettings struct {
	Period     int     `json:"period,omitempty"`
	Oversold   float64 `json:"oversold,omitempty"`
	Overbought float64 `json:"overbought,omitempty"`
}

type BollingerSetting struct {
	Period int     `json:"period,omitempty"`
	StdDev float64 `json:"std_dev,omitempty"`
}

type MACDSettings struct {
	Fast   int `json:"fast,omitempty"`
	Slow   int `json:"slow,omitempty"`
	Signal int `json:"signal,omitempty"`
}

type SARSettings struct {
	Step float64 `json:"step,omitempty"`
	Max  float64 `json:"max,omitempty"`
}

type LRCSettings struct {
	Window int     `json:"window,omitempty"`
	StdDev float64 `json:"std_dev,omitempty"`
	Annual float64 `json:"annual,omitempty"`
}

// WithDefaults 填充未设置的参数。
func (s Settings) WithDefaults() Settings {
	if s.RSI.Period <= 0 {
		s.RSI.Period = 14
	}
	if s.RSI.Oversold == 0 {
		s.RSI.Oversold = 30
	}
	if s.RSI.Overbought == 0 {
		s.RSI.Overbought = 70
	}
	if s.Bollinger.Period <= 0 {
		s.Bollinger.Period = 20
	}
	if s.Bollinger.StdDev == 0 {
		s.Bollinger.StdDev = 2
	}
	if s.MACD.Fast <= 0 {
		s.MACD.Fast = 12
	}
	if s.MACD.Slow <= 0 {
		s.MACD.Slow = 26
	}
	if s.MACD.Signal <= 0 {
		s.MACD.Signal = 9
	}
	if s.SAR.Step == 0 {
		s.SAR.Step = 0.02
	}
	if s.SAR.Max == 0 {
		s.SAR.Max = 0.2
	}
	if s.LRC.Window <= 0 {
		s.LRC.Window = 40
	}
	if s.LRC.StdDev == 0 {
		s.LRC.StdDev = 2
	}
	if s.LRC.Annual == 0 {
		s.LRC.Annual = 252
	}
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = 14
	}
	return s
}

// IndicatorValue 保存单个指标的最新值、序列尾部与状态。
type IndicatorValue struct {
	Latest  float64   `json:"latest"`
	Defined bool      `json:"defined"`
	Series  []float64 `json:"series,omitempty"`
	State   string    `json:"state,omitempty"`
	Note    string    `json:"note,omitempty"`
}

// Report 汇总单个 symbol+interval 的指标输出。
type Report struct {
	Symbol   string                    `json:"symbol"`
	Interval string                    `json:"interval"`
	Count    int                       `json:"count"`
	Close    float64                   `json:"close"`
	Values   map[string]IndicatorValue `json:"values"`
	Warnings []string                  `json:"warnings,omitempty"`
}

// ComputeSnapshot 计算常用指标并返回最新值报告。
func ComputeSnapshot(series market.Series, cfg Settings) (Report, error) {
	cfg = cfg.WithDefaults()
	rep := Report{
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
		Count:    len(series),
		Values:   make(map[string]IndicatorValue),
	}
	if len(series) == 0 {
		return rep, market.ErrEmptySeries
	}
	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()
	lastClose := closes[len(closes)-1]
	rep.Close = lastClose

	rsi := RSI(closes, cfg.RSI.Period)
	rsiVal, ok := Last(rsi)
	rsiState := "neutral"
	switch {
	case !ok || len(closes) <= cfg.RSI.Period:
		rsiState = "warmup"
	case rsiVal >= cfg.RSI.Overbought:
		rsiState = "overbought"
	case rsiVal <= cfg.RSI.Oversold:
		rsiState = "oversold"
	}
	rep.put("rsi", rsi, cfg.Tail, rsiState,
		fmt.Sprintf("period=%d thresholds=%.1f/%.1f", cfg.RSI.Period, cfg.RSI.Oversold, cfg.RSI.Overbought))

	bands := Bollinger(closes, cfg.Bollinger.Period, cfg.Bollinger.StdDev)
	upper, _ := Last(bands.Upper)
	lower, okB := Last(bands.Lower)
	bbState := "inside"
	switch {
	case !okB:
		bbState = "warmup"
	case lastClose > upper:
		bbState = "above_upper"
	case lastClose < lower:
		bbState = "below_lower"
	}
	rep.put("bb_middle", bands.Middle, cfg.Tail, bbState,
		fmt.Sprintf("period=%d k=%.2f upper=%.4f lower=%.4f", cfg.Bollinger.Period, cfg.Bollinger.StdDev, round4(upper), round4(lower)))

	macd := MACD(closes, cfg.MACD.Fast, cfg.MACD.Slow, cfg.MACD.Signal)
	hist, _ := Last(macd.Histogram)
	sig, _ := Last(macd.Signal)
	rep.put("macd", macd.Line, cfg.Tail, polarityState(hist, "bullish", "bearish"),
		fmt.Sprintf("signal=%.4f hist=%.4f", round4(sig), round4(hist)))

	sar := ParabolicSAR(highs, lows, cfg.SAR.Step, cfg.SAR.Max)
	sarVal, _ := Last(sar)
	sarState := "below_price"
	if sarVal > lastClose {
		sarState = "above_price"
	}
	rep.put("sar", sar, cfg.Tail, sarState, fmt.Sprintf("step=%.3f max=%.2f", cfg.SAR.Step, cfg.SAR.Max))

	ch := RegressionChannel(closes, cfg.LRC.Window, cfg.LRC.StdDev, cfg.LRC.Annual)
	slope, okL := Last(ch.SlopePct)
	r2, _ := Last(ch.R2)
	rank, okRank := Last(ch.WidthRank)
	lrcState := polarityState(slope, "rising", "falling")
	if !okL {
		lrcState = "warmup"
	}
	note := fmt.Sprintf("window=%d r2=%.3f", cfg.LRC.Window, round4(r2))
	if okRank {
		note += fmt.Sprintf(" width_rank=%.3f", round4(rank))
	} else {
		rep.Warnings = append(rep.Warnings,
			fmt.Sprintf("lrc width rank needs %d bars", cfg.LRC.Window+WidthRankLookback-1))
	}
	rep.put("lrc_slope_pct", ch.SlopePct, cfg.Tail, lrcState, note)
	rep.put("lrc_center", ch.Center, cfg.Tail, "", "")

	atr := ATR(highs, lows, closes, cfg.ATRPeriod)
	rep.put("atr", atr, cfg.Tail, "volatility", fmt.Sprintf("period=%d", cfg.ATRPeriod))

	keys := make([]string, 0, len(rep.Values))
	for key, v := range rep.Values {
		if !v.Defined {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		rep.Warnings = append(rep.Warnings, key+" warming up")
	}
	return rep, nil
}

func (r *Report) put(key string, series []float64, tail int, state, note string) {
	latest, ok := Last(series)
	v := IndicatorValue{Defined: ok, State: state, Note: note}
	if ok {
		v.Latest = round4(latest)
	}
	if tail > 0 {
		v.Series = sanitizeTail(series, tail)
	}
	r.Values[key] = v
}

// sanitizeTail 去掉未定义值后保留最后 n 个，并保留 4 位小数。
func sanitizeTail(src []float64, n int) []float64 {
	out := make([]float64, 0, n)
	for _, v := range src {
		if !IsDefined(v) {
			continue
		}
		out = append(out, round4(v))
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func polarityState(v float64, pos, neg string) string {
	switch {
	case v > 0:
		return pos
	case v < 0:
		return neg
	default:
		return "flat"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
