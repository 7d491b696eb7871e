package strategy

import (
	"github.com/shopspring/decimal"

	"quantbench/internal/market"
)

var dcaMeta = Metadata{
	Name:        "monthly_dca",
	Description: "每月首个交易日按固定金额买入整数股，倒数第二根 bar 全部平仓",
	Params: []Param{
		{Name: "monthly_contribution", Default: 2000, Min: 1, Max: 1e9},
	},
}

type dcaConfig struct {
	Contribution float64 `mapstructure:"monthly_contribution"`
}

type monthlyDCA struct {
	cfg        dcaConfig
	series     market.Series
	forceClose int
}

func newMonthlyDCA(params map[string]any) (Strategy, error) {
	s := &monthlyDCA{}
	if _, err := decodeParams(dcaMeta, params, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *monthlyDCA) Metadata() Metadata { return dcaMeta }

func (s *monthlyDCA) Init(series market.Series) error {
	s.series = series
	s.forceClose = -1
	if len(series) > 2 {
		s.forceClose = len(series) - 2
	}
	return nil
}

func (s *monthlyDCA) Next(ctx Context) []Decision {
	i := ctx.Index
	if i < 1 || i >= len(s.series) {
		return nil
	}
	if i == s.forceClose {
		if ctx.Position.Open {
			return []Decision{Close("force close before end of data")}
		}
		return nil
	}
	cur, prev := s.series[i].Time, s.series[i-1].Time
	if cur.Month() == prev.Month() && cur.Year() == prev.Year() {
		return nil
	}
	shares := SharesFor(s.cfg.Contribution, s.series[i].Close)
	if shares < 1 {
		return nil
	}
	return []Decision{Buy(float64(shares), 0, "monthly contribution")}
}

// SharesFor 返回 amount 在 price 下可买的整数股数（向下取整）。
func SharesFor(amount, price float64) int64 {
	if price <= 0 || amount <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(price)).Floor()
	return q.IntPart()
}
