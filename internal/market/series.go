package market

import (
	"sort"
	"time"
)

// Series 是按时间严格递增、时间戳唯一的一组 Bar。
type Series []Bar

// Normalize 按时间稳定排序，并对重复时间戳保留最后出现的一条。
// 调用方通过拼接顺序决定哪一条算“更新”的数据。
func (s Series) Normalize() Series {
	if len(s) == 0 {
		return Series{}
	}
	sorted := make(Series, len(s))
	copy(sorted, s)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})
	out := make(Series, 0, len(sorted))
	for _, bar := range sorted {
		n := len(out)
		if n > 0 && out[n-1].Time.Equal(bar.Time) {
			out[n-1] = bar
			continue
		}
		out = append(out, bar)
	}
	return out
}

// IsNormalized reports whether timestamps are strictly increasing.
func (s Series) IsNormalized() bool {
	for i := 1; i < len(s); i++ {
		if !s[i].Time.After(s[i-1].Time) {
			return false
		}
	}
	return true
}

// Bounds 返回首尾时间戳；空序列 ok=false。
func (s Series) Bounds() (first, last time.Time, ok bool) {
	if len(s) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s[0].Time, s[len(s)-1].Time, true
}

// Between 返回 [start, end] 闭区间内的副本，要求序列已规范化。
func (s Series) Between(start, end time.Time) Series {
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(start) })
	hi := sort.Search(len(s), func(i int) bool { return s[i].Time.After(end) })
	if lo >= hi {
		return Series{}
	}
	out := make(Series, hi-lo)
	copy(out, s[lo:hi])
	return out
}

// In 将所有时间戳转换到指定时区。
func (s Series) In(loc *time.Location) Series {
	if loc == nil {
		return s
	}
	out := make(Series, len(s))
	for i, bar := range s {
		bar.Time = bar.Time.In(loc)
		out[i] = bar
	}
	return out
}

// Equal compares timestamps (as instants) and values bar by bar.
func (s Series) Equal(other Series) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		a, b := s[i], other[i]
		if !a.Time.Equal(b.Time) || a.Open != b.Open || a.High != b.High ||
			a.Low != b.Low || a.Close != b.Close || a.Volume != b.Volume {
			return false
		}
	}
	return true
}

func (s Series) Opens() []float64   { return s.column(func(b Bar) float64 { return b.Open }) }
func (s Series) Highs() []float64   { return s.column(func(b Bar) float64 { return b.High }) }
func (s Series) Lows() []float64    { return s.column(func(b Bar) float64 { return b.Low }) }
func (s Series) Closes() []float64  { return s.column(func(b Bar) float64 { return b.Close }) }
func (s Series) Volumes() []float64 { return s.column(func(b Bar) float64 { return b.Volume }) }

func (s Series) column(pick func(Bar) float64) []float64 {
	out := make([]float64, len(s))
	for i, bar := range s {
		out[i] = pick(bar)
	}
	return out
}
