package strategy

import (
	"quantbench/internal/analysis/indicator"
	"quantbench/internal/market"
)

var bollingerMeta = Metadata{
	Name:        "bollinger_reversion",
	Description: "收盘跌破下轨且 RSI 超卖开多；RSI 超买或价格回到中轨与上轨中点平仓",
	Params: []Param{
		{Name: "rsi_period", Default: 14, Min: 2, Max: 200, Integer: true},
		{Name: "bb_period", Default: 50, Min: 2, Max: 500, Integer: true},
		{Name: "bb_std", Default: 2, Min: 0.1, Max: 10},
		{Name: "oversold", Default: 30, Min: 0, Max: 100},
		{Name: "overbought", Default: 80, Min: 0, Max: 100},
	},
}

type bollingerConfig struct {
	RSIPeriod  int     `mapstructure:"rsi_period"`
	BBPeriod   int     `mapstructure:"bb_period"`
	BBStd      float64 `mapstructure:"bb_std"`
	Oversold   float64 `mapstructure:"oversold"`
	Overbought float64 `mapstructure:"overbought"`
}

type bollingerReversion struct {
	cfg    bollingerConfig
	closes []float64
	rsi    []float64
	bands  indicator.Bands
}

func newBollingerReversion(params map[string]any) (Strategy, error) {
	s := &bollingerReversion{}
	if _, err := decodeParams(bollingerMeta, params, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *bollingerReversion) Metadata() Metadata { return bollingerMeta }

func (s *bollingerReversion) Init(series market.Series) error {
	s.closes = series.Closes()
	s.rsi = indicator.RSI(s.closes, s.cfg.RSIPeriod)
	s.bands = indicator.Bollinger(s.closes, s.cfg.BBPeriod, s.cfg.BBStd)
	return nil
}

func (s *bollingerReversion) Next(ctx Context) []Decision {
	i := ctx.Index
	price := s.closes[i]
	if !ctx.Position.Open {
		if price < s.bands.Lower[i] && s.rsi[i] < s.cfg.Oversold {
			return []Decision{Buy(0, 0, "below lower band, rsi oversold")}
		}
		return nil
	}
	if s.rsi[i] > s.cfg.Overbought {
		return []Decision{Close("rsi overbought")}
	}
	if price > (s.bands.Middle[i]+s.bands.Upper[i])/2 {
		return []Decision{Close("reverted above mid-upper")}
	}
	return nil
}

var lrcMeta = Metadata{
	Name:        "lrc_reversion",
	Description: "回归通道下轨反转：通道收窄时不交易，强势下跌且 R² 高时不接刀",
	Params: []Param{
		{Name: "window", Default: 40, Min: 3, Max: 1000, Integer: true},
		{Name: "n_std", Default: 2, Min: 0.1, Max: 10},
		{Name: "slope_threshold", Default: 15, Min: 0, Max: 10000},
		{Name: "r2_threshold", Default: 0.4, Min: 0, Max: 1},
		{Name: "squeeze_percentile", Default: 0.2, Min: 0, Max: 1},
		{Name: "stop_loss_pct", Default: 0.05, Min: 0, Max: 1},
		{Name: "annual", Default: 252, Min: 1, Max: 525600, Description: "bars per year for slope annualisation"},
	},
}

type lrcConfig struct {
	Window            int     `mapstructure:"window"`
	NStd              float64 `mapstructure:"n_std"`
	SlopeThreshold    float64 `mapstructure:"slope_threshold"`
	R2Threshold       float64 `mapstructure:"r2_threshold"`
	SqueezePercentile float64 `mapstructure:"squeeze_percentile"`
	StopLossPct       float64 `mapstructure:"stop_loss_pct"`
	Annual            float64 `mapstructure:"annual"`
}

type lrcReversion struct {
	cfg    lrcConfig
	closes []float64
	ch     indicator.Channel
}

func newLRCReversion(params map[string]any) (Strategy, error) {
	s := &lrcReversion{}
	if _, err := decodeParams(lrcMeta, params, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *lrcReversion) Metadata() Metadata { return lrcMeta }

func (s *lrcReversion) Init(series market.Series) error {
	s.closes = series.Closes()
	s.ch = indicator.RegressionChannel(s.closes, s.cfg.Window, s.cfg.NStd, s.cfg.Annual)
	return nil
}

func (s *lrcReversion) Next(ctx Context) []Decision {
	i := ctx.Index
	price := s.closes[i]
	// 通道过窄（squeeze）时跳过
	if s.ch.WidthRank[i] < s.cfg.SqueezePercentile {
		return nil
	}
	var out []Decision
	if price < s.ch.Lower[i] && !ctx.Position.Open {
		strongBear := s.ch.SlopePct[i] < -s.cfg.SlopeThreshold
		smooth := s.ch.R2[i] > s.cfg.R2Threshold
		if !(strongBear && smooth) {
			out = append(out, Buy(0, price*(1-s.cfg.StopLossPct), "below channel"))
		}
	}
	if ctx.Position.Open && price >= (s.ch.Center[i]+s.ch.Upper[i])/2 {
		out = append(out, Close("reverted to upper half"))
	}
	return out
}
