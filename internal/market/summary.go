package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Summary 生成一行行情摘要：最新收盘、区间涨跌幅与高低点。
func (s Series) Summary(label string) string {
	if len(s) == 0 {
		return ""
	}
	first := s[0]
	last := s[len(s)-1]
	base := first.Close
	if base == 0 {
		base = first.Open
	}
	low := math.MaxFloat64
	high := -math.MaxFloat64
	for _, bar := range s {
		low = math.Min(low, bar.Low)
		high = math.Max(high, bar.High)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("close≈%s", formatFloat(last.Close)))
	lbl := strings.TrimSpace(label)
	if lbl == "" {
		lbl = "window"
	}
	if base != 0 {
		sb.WriteString(fmt.Sprintf(" (%+.2f%%/%s)", (last.Close-base)/base*100, lbl))
	}
	sb.WriteString(fmt.Sprintf(", 区间 %s–%s", formatFloat(low), formatFloat(high)))
	sb.WriteString(fmt.Sprintf(", bars=%d %s→%s", len(s),
		first.Time.Format("2006-01-02 15:04"), last.Time.Format("2006-01-02 15:04")))
	return sb.String()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
