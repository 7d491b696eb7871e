package cache

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"quantbench/internal/market"
)

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

func writeCSV(path string, series market.Series, loc *time.Location) error {
	return replaceFile(path, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			_ = f.Close()
			return err
		}
		for _, bar := range series {
			rec := []string{
				bar.Time.In(loc).Format(time.RFC3339),
				formatValue(bar.Open),
				formatValue(bar.High),
				formatValue(bar.Low),
				formatValue(bar.Close),
				formatValue(bar.Volume),
			}
			if err := w.Write(rec); err != nil {
				_ = f.Close()
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// readCSV 解析备份文件，表头列缺失时返回 market.ErrMissingColumns。
func readCSV(path string, loc *time.Location) (market.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := market.ValidateColumns(header); err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	tsCol, ok := idx["timestamp"]
	if !ok {
		return nil, fmt.Errorf("%w: [timestamp]", market.ErrMissingColumns)
	}
	var out market.Series
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := time.Parse(time.RFC3339, rec[tsCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: timestamp: %w", line, err)
		}
		bar := market.Bar{Time: ts.In(loc)}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, col := range []string{"open", "high", "low", "close", "volume"} {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx[col]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, col, err)
			}
			*fields[i] = v
		}
		out = append(out, bar)
	}
	return out, nil
}
