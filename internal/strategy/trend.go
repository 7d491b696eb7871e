package strategy

import (
	"quantbench/internal/analysis/indicator"
	"quantbench/internal/market"
)

var smaCrossMeta = Metadata{
	Name:        "sma_cross",
	Description: "快线 SMA 上穿慢线开多，下穿平仓",
	Params: []Param{
		{Name: "n1", Default: 10, Min: 1, Max: 500, Integer: true, Description: "fast SMA period"},
		{Name: "n2", Default: 20, Min: 2, Max: 1000, Integer: true, Description: "slow SMA period"},
	},
}

type smaCrossConfig struct {
	N1 int `mapstructure:"n1"`
	N2 int `mapstructure:"n2"`
}

type smaCross struct {
	cfg        smaCrossConfig
	fast, slow []float64
}

func newSMACross(params map[string]any) (Strategy, error) {
	s := &smaCross{}
	if _, err := decodeParams(smaCrossMeta, params, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *smaCross) Metadata() Metadata { return smaCrossMeta }

func (s *smaCross) Init(series market.Series) error {
	closes := series.Closes()
	s.fast = indicator.SMA(closes, s.cfg.N1)
	s.slow = indicator.SMA(closes, s.cfg.N2)
	return nil
}

func (s *smaCross) Next(ctx Context) []Decision {
	i := ctx.Index
	switch {
	case Crossover(s.fast, s.slow, i) && !ctx.Position.Open:
		return []Decision{Buy(0, 0, "golden cross")}
	case Crossover(s.slow, s.fast, i) && ctx.Position.Open:
		return []Decision{Close("death cross")}
	}
	return nil
}

var macdCrossMeta = Metadata{
	Name:        "macd_cross",
	Description: "MACD 线上穿信号线开多，下穿平仓",
	Params: []Param{
		{Name: "fast", Default: 12, Min: 1, Max: 200, Integer: true},
		{Name: "slow", Default: 26, Min: 2, Max: 400, Integer: true},
		{Name: "signal", Default: 9, Min: 1, Max: 200, Integer: true},
	},
}

type macdCrossConfig struct {
	Fast   int `mapstructure:"fast"`
	Slow   int `mapstructure:"slow"`
	Signal int `mapstructure:"signal"`
}

type macdCross struct {
	cfg  macdCrossConfig
	macd indicator.MACDResult
}

func newMACDCross(params map[string]any) (Strategy, error) {
	s := &macdCross{}
	if _, err := decodeParams(macdCrossMeta, params, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *macdCross) Metadata() Metadata { return macdCrossMeta }

func (s *macdCross) Init(series market.Series) error {
	s.macd = indicator.MACD(series.Closes(), s.cfg.Fast, s.cfg.Slow, s.cfg.Signal)
	return nil
}

func (s *macdCross) Next(ctx Context) []Decision {
	i := ctx.Index
	var out []Decision
	if Crossover(s.macd.Line, s.macd.Signal, i) && !ctx.Position.Open {
		out = append(out, Buy(0, 0, "macd above signal"))
	}
	if Crossover(s.macd.Signal, s.macd.Line, i) && ctx.Position.Open {
		out = append(out, Close("macd below signal"))
	}
	return out
}

var parabolicMeta = Metadata{
	Name:        "parabolic_trail",
	Description: "价格位于 SAR 之上开多，止损跟随 (low+2*SAR)/3 只升不降，SAR 上穿价格平仓",
	Params: []Param{
		{Name: "step", Default: 0.02, Min: 0.001, Max: 1, Description: "acceleration step"},
		{Name: "max_step", Default: 0.2, Min: 0.001, Max: 1, Description: "acceleration cap"},
	},
}

type parabolicConfig struct {
	Step    float64 `mapstructure:"step"`
	MaxStep float64 `mapstructure:"max_step"`
}

type parabolicTrail struct {
	cfg    parabolicConfig
	sar    []float64
	closes []float64
	lows   []float64
}

func newParabolicTrail(params map[string]any) (Strategy, error) {
	s := &parabolicTrail{}
	if _, err := decodeParams(parabolicMeta, params, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *parabolicTrail) Metadata() Metadata { return parabolicMeta }

func (s *parabolicTrail) Init(series market.Series) error {
	s.closes = series.Closes()
	s.lows = series.Lows()
	s.sar = indicator.ParabolicSAR(series.Highs(), s.lows, s.cfg.Step, s.cfg.MaxStep)
	return nil
}

func (s *parabolicTrail) Next(ctx Context) []Decision {
	i := ctx.Index
	price, psar := s.closes[i], s.sar[i]
	trail := (s.lows[i] + 2*psar) / 3
	if !ctx.Position.Open {
		if price > psar {
			return []Decision{Buy(0, trail, "price above sar")}
		}
		return nil
	}
	var out []Decision
	stop := trail
	if ctx.Position.StopLoss > stop {
		stop = ctx.Position.StopLoss
	}
	if stop != ctx.Position.StopLoss {
		out = append(out, UpdateStop(stop, "trail sar"))
	}
	if Crossover(s.sar, s.closes, i) {
		out = append(out, Close("sar crossed above price"))
	}
	return out
}
