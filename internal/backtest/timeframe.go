package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Unit 是周期的最小时间单位，增量拉取从缓存末尾向后推进一个 Unit。
type Unit int

const (
	UnitMinute Unit = iota
	UnitHour
	UnitDay
	UnitWeek
)

func (u Unit) String() string {
	switch u {
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	case UnitDay:
		return "day"
	case UnitWeek:
		return "week"
	default:
		return "unknown"
	}
}

// Timeframe 描述回测使用的周期信息（内部 duration + 缓存 tag + 数据源 interval）
type Timeframe struct {
	Key             string
	Tag             string
	Duration        time.Duration
	Unit            Unit
	Intraday        bool
	BinanceInterval string
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Tag: "1Min", Duration: time.Minute, Unit: UnitMinute, Intraday: true, BinanceInterval: "1m"},
	"5m":  {Key: "5m", Tag: "5Min", Duration: 5 * time.Minute, Unit: UnitMinute, Intraday: true, BinanceInterval: "5m"},
	"15m": {Key: "15m", Tag: "15Min", Duration: 15 * time.Minute, Unit: UnitMinute, Intraday: true, BinanceInterval: "15m"},
	"30m": {Key: "30m", Tag: "30Min", Duration: 30 * time.Minute, Unit: UnitMinute, Intraday: true, BinanceInterval: "30m"},
	"1h":  {Key: "1h", Tag: "1Hour", Duration: time.Hour, Unit: UnitHour, Intraday: true, BinanceInterval: "1h"},
	"4h":  {Key: "4h", Tag: "4Hour", Duration: 4 * time.Hour, Unit: UnitHour, Intraday: true, BinanceInterval: "4h"},
	"1d":  {Key: "1d", Tag: "1Day", Duration: 24 * time.Hour, Unit: UnitDay, BinanceInterval: "1d"},
	"1w":  {Key: "1w", Tag: "1Week", Duration: 7 * 24 * time.Hour, Unit: UnitWeek, BinanceInterval: "1w"},
}

// ParseTimeframe 接受 key（1h）或 tag（1Hour），大小写不敏感。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if tf, ok := supportedTimeframes[key]; ok {
		return tf, nil
	}
	for _, tf := range supportedTimeframes {
		if strings.EqualFold(tf.Tag, key) {
			return tf, nil
		}
	}
	return Timeframe{}, fmt.Errorf("不支持的周期: %s", input)
}

// MustTimeframe 仅用于静态已知的 key。
func MustTimeframe(key string) Timeframe {
	tf, err := ParseTimeframe(key)
	if err != nil {
		panic(err)
	}
	return tf
}

// SupportedTimeframes 返回所有支持的 key（按周期长度排序）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedTimeframes[keys[i]].Duration < supportedTimeframes[keys[j]].Duration
	})
	return keys
}

// Next 返回 t 之后一个最小单位的时间点；日/周按日历运算，跨夏令时不漂移。
func (tf Timeframe) Next(t time.Time) time.Time {
	switch tf.Unit {
	case UnitMinute:
		return t.Add(time.Minute)
	case UnitHour:
		return t.Add(time.Hour)
	case UnitDay:
		return t.AddDate(0, 0, 1)
	case UnitWeek:
		return t.AddDate(0, 0, 7)
	default:
		return t.Add(tf.Duration)
	}
}

// AlignRange 将区间对齐到周期网格，保证 start<=end；日线以上按 t 所在时区的 0 点对齐。
func (tf Timeframe) AlignRange(start, end time.Time) (time.Time, time.Time) {
	if end.Before(start) {
		start, end = end, start
	}
	return tf.alignDown(start), tf.alignDown(end)
}

func (tf Timeframe) alignDown(t time.Time) time.Time {
	if tf.Intraday {
		return t.Truncate(tf.Duration)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ExpectedBars 估算 start~end（含）区间的 bar 数量，不考虑休市。
func (tf Timeframe) ExpectedBars(start, end time.Time) int64 {
	if end.Before(start) || tf.Duration <= 0 {
		return 0
	}
	switch tf.Unit {
	case UnitDay, UnitWeek:
		days := int64(0)
		for d := tf.alignDown(start); !d.After(end); d = d.AddDate(0, 0, 1) {
			days++
		}
		if tf.Unit == UnitWeek {
			return (days + 6) / 7
		}
		return days
	default:
		return int64(end.Sub(start)/tf.Duration) + 1
	}
}
