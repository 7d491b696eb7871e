package cache

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantbench/internal/market"
)

const (
	metaTimezone  = "timezone"
	metaSymbol    = "symbol"
	metaTimeframe = "timeframe"
)

// barRow 是 parquet 中的一行，timestamp 为 UTC 毫秒。
type barRow struct {
	Timestamp int64   `parquet:"timestamp"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

type fileMeta struct {
	Timezone  string
	Symbol    string
	Timeframe string
}

func writeParquet(path string, series market.Series, meta fileMeta) error {
	rows := make([]barRow, len(series))
	for i, bar := range series {
		rows[i] = barRow{
			Timestamp: bar.Time.UnixMilli(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		}
	}
	return replaceFile(path, func(tmp string) error {
		return parquet.WriteFile(tmp, rows,
			parquet.KeyValueMetadata(metaTimezone, meta.Timezone),
			parquet.KeyValueMetadata(metaSymbol, meta.Symbol),
			parquet.KeyValueMetadata(metaTimeframe, meta.Timeframe),
		)
	})
}

// readParquet 读取全部行，时间戳按文件内记录的时区还原；缺失时使用 fallback。
func readParquet(path string, fallback *time.Location) (market.Series, error) {
	loc := fallback
	if tz, err := readTimezone(path); err != nil {
		return nil, err
	} else if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	rows, err := parquet.ReadFile[barRow](path)
	if err != nil {
		return nil, err
	}
	series := make(market.Series, len(rows))
	for i, row := range rows {
		series[i] = market.Bar{
			Time:   time.UnixMilli(row.Timestamp).In(loc),
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		}
	}
	return series, nil
}

func readTimezone(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return "", fmt.Errorf("open parquet: %w", err)
	}
	tz, _ := pf.Lookup(metaTimezone)
	return tz, nil
}
