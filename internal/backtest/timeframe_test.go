package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("1H")
	require.NoError(t, err)
	assert.Equal(t, "1Hour", tf.Tag)
	assert.True(t, tf.Intraday)

	tf, err = ParseTimeframe("1day")
	require.NoError(t, err)
	assert.Equal(t, "1d", tf.Key)
	assert.Equal(t, UnitDay, tf.Unit)

	_, err = ParseTimeframe("7m")
	assert.Error(t, err)
	assert.Panics(t, func() { MustTimeframe("bogus") })

	assert.Equal(t, []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}, SupportedTimeframes())
}

func TestTimeframeNextUsesCalendar(t *testing.T) {
	loc := nyLocation(t)
	// 2024-03-10 美东切换夏令时，当天只有 23 小时
	before := time.Date(2024, 3, 9, 0, 0, 0, 0, loc)
	next := MustTimeframe("1d").Next(before)
	assert.Equal(t, 10, next.Day())
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 17, MustTimeframe("1w").Next(before.AddDate(0, 0, 1)).Day())

	hour := time.Date(2024, 3, 4, 15, 0, 0, 0, loc)
	assert.Equal(t, 16, MustTimeframe("4h").Next(hour).Hour())
	assert.Equal(t, 1, MustTimeframe("15m").Next(hour).Minute())
}

func TestAlignRangeAndExpectedBars(t *testing.T) {
	loc := nyLocation(t)
	hourly := MustTimeframe("1h")
	start := time.Date(2024, 3, 4, 9, 45, 0, 0, time.UTC)
	end := time.Date(2024, 3, 4, 12, 10, 0, 0, time.UTC)
	s, e := hourly.AlignRange(end, start)
	assert.Equal(t, 9, s.Hour())
	assert.Equal(t, 12, e.Hour())
	assert.Equal(t, int64(4), hourly.ExpectedBars(s, e))

	s, e = daily.AlignRange(time.Date(2024, 1, 3, 15, 0, 0, 0, loc), time.Date(2024, 1, 5, 9, 0, 0, 0, loc))
	assert.True(t, s.Equal(jan(loc, 3)))
	assert.True(t, e.Equal(jan(loc, 5)))
	assert.Equal(t, int64(3), daily.ExpectedBars(s, e))
	assert.Equal(t, int64(0), daily.ExpectedBars(e, s))
	assert.Equal(t, int64(2), MustTimeframe("1w").ExpectedBars(jan(loc, 1), jan(loc, 10)))
}
