package market

import "time"

// Bar 表示一个固定周期的 OHLCV 观测，Time 使用交易所本地时区。
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Columns 是持久化与校验使用的列顺序。
var Columns = []string{"Open", "High", "Low", "Close", "Volume"}
