package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/market"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func dailySeries(loc *time.Location, from, to int) market.Series {
	var s market.Series
	for d := from; d <= to; d++ {
		v := float64(d)
		s = append(s, market.Bar{
			Time:   time.Date(2024, 1, d, 0, 0, 0, 0, loc),
			Open:   v,
			High:   v + 0.5,
			Low:    v - 0.5,
			Close:  v + 0.25,
			Volume: 1000 * v,
		})
	}
	return s
}

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(Config{Root: filepath.Join(t.TempDir(), "data"), Location: newYork(t)})
	require.NoError(t, err)
	return st
}

func TestLoadMissing(t *testing.T) {
	st := newStore(t)
	series, ok, err := st.Load("AAPL", "1Day")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, series)
	assert.False(t, st.Exists("AAPL", "1Day"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := newStore(t)
	loc := st.Location()
	in := dailySeries(loc, 1, 10)
	require.NoError(t, st.Save("aapl", "1Day", in))

	paths := st.Paths("AAPL", "1Day")
	assert.Equal(t, "AAPL_1Day.parquet", filepath.Base(paths.Binary))
	assert.FileExists(t, paths.Binary)
	assert.FileExists(t, paths.Backup)
	assert.NoFileExists(t, paths.Binary+".tmp")

	out, ok, err := st.Load("AAPL", "1Day")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, in.Equal(out))
	assert.Equal(t, "America/New_York", out[0].Time.Location().String())
}

func TestTimeframesDoNotShareFiles(t *testing.T) {
	st := newStore(t)
	assert.NotEqual(t, st.Paths("SPY", "1Day").Binary, st.Paths("SPY", "1Hour").Binary)
	assert.Equal(t, "BTC-USDT_1Hour", DefaultNaming("btc/usdt", "1Hour"))
}

func TestSaveRejectsUnsorted(t *testing.T) {
	st := newStore(t)
	s := dailySeries(st.Location(), 1, 3)
	s[0], s[2] = s[2], s[0]
	assert.Error(t, st.Save("AAPL", "1Day", s))
	assert.ErrorIs(t, st.Save("AAPL", "1Day", nil), market.ErrEmptySeries)
	assert.False(t, st.Exists("AAPL", "1Day"))
}

func TestLoadCorrupt(t *testing.T) {
	st := newStore(t)
	paths := st.Paths("AAPL", "1Day")
	require.NoError(t, os.WriteFile(paths.Binary, []byte("not a parquet file"), 0o644))

	_, _, err := st.Load("AAPL", "1Day")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEnsureBackup(t *testing.T) {
	st := newStore(t)
	s := dailySeries(st.Location(), 1, 5)
	require.NoError(t, st.Save("AAPL", "1Day", s))
	paths := st.Paths("AAPL", "1Day")

	restored, err := st.EnsureBackup("AAPL", "1Day", s)
	require.NoError(t, err)
	assert.False(t, restored)

	binBefore, err := os.ReadFile(paths.Binary)
	require.NoError(t, err)
	require.NoError(t, os.Remove(paths.Backup))

	restored, err = st.EnsureBackup("AAPL", "1Day", s)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.FileExists(t, paths.Backup)

	binAfter, err := os.ReadFile(paths.Binary)
	require.NoError(t, err)
	assert.Equal(t, binBefore, binAfter)

	raw, err := os.ReadFile(paths.Backup)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "timestamp,open,high,low,close,volume", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2024-01-01T00:00:00-05:00,1,1.5,0.5,1.25,1000"))
}

func TestVerifyBackup(t *testing.T) {
	st := newStore(t)
	s := dailySeries(st.Location(), 1, 5)
	require.NoError(t, st.Save("AAPL", "1Day", s))

	report, err := st.VerifyBackup("AAPL", "1Day")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 5, report.BackupRows)

	paths := st.Paths("AAPL", "1Day")
	require.NoError(t, os.WriteFile(paths.Backup, []byte("timestamp,open,close\n"), 0o644))
	report, err = st.VerifyBackup("AAPL", "1Day")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	require.NotEmpty(t, report.Problems)
	assert.Contains(t, report.Problems[0], "missing required columns")

	require.NoError(t, os.Remove(paths.Backup))
	report, err = st.VerifyBackup("AAPL", "1Day")
	require.NoError(t, err)
	assert.False(t, report.BackupExists)
	assert.False(t, report.Consistent)
}
