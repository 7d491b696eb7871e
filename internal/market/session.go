package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"
)

const DefaultExchangeTimezone = "America/New_York"

// Session 描述交易所常规交易时段，Open/Close 为当地时间距 0 点的偏移。
type Session struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
}

// NewYorkRegular 返回美股常规时段 09:30–16:00 (America/New_York)。
func NewYorkRegular() Session {
	loc, err := time.LoadLocation(DefaultExchangeTimezone)
	if err != nil {
		loc = time.UTC
	}
	return Session{
		Location: loc,
		Open:     9*time.Hour + 30*time.Minute,
		Close:    16 * time.Hour,
	}
}

// ParseSession 根据时区名与 "HH:MM" 格式的开收盘时间构建 Session。
func ParseSession(timezone, open, close string) (Session, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(timezone))
	if err != nil {
		return Session{}, fmt.Errorf("invalid session timezone %q: %w", timezone, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return Session{}, err
	}
	c, err := parseClock(close)
	if err != nil {
		return Session{}, err
	}
	if c <= o {
		return Session{}, fmt.Errorf("session close %s must be after open %s", close, open)
	}
	return Session{Location: loc, Open: o, Close: c}, nil
}

func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock hour %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock minute %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains 判断 t 的当地钟面时间是否落在 [Open, Close] 闭区间。
func (s Session) Contains(t time.Time) bool {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	clock := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return clock >= s.Open && clock <= s.Close
}

// Filter 只保留常规时段内的 bar，并统一转换到交易所时区。
func (s Session) Filter(series Series) Series {
	out := make(Series, 0, len(series))
	for _, bar := range series {
		if !s.Contains(bar.Time) {
			continue
		}
		if s.Location != nil {
			bar.Time = bar.Time.In(s.Location)
		}
		out = append(out, bar)
	}
	return out
}
