package backtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SyncEvent 记录一次缓存对账的结果。
type SyncEvent struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	RequestedStart time.Time `json:"requested_start"`
	RequestedEnd   time.Time `json:"requested_end"`
	PrefixRows     int       `json:"prefix_rows"`
	SuffixRows     int       `json:"suffix_rows"`
	Persisted      bool      `json:"persisted"`
	Restored       bool      `json:"restored_backup"`
	First          time.Time `json:"first"`
	Last           time.Time `json:"last"`
	Rows           int       `json:"rows"`
	SyncedAt       time.Time `json:"synced_at"`
}

// Manifest 是某个 symbol@timeframe 最近一次对账后的缓存概况。
type Manifest struct {
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	MinTime    time.Time `json:"min_time"`
	MaxTime    time.Time `json:"max_time"`
	Rows       int64     `json:"rows"`
	LastSyncAt time.Time `json:"last_sync_at"`
	Syncs      int64     `json:"syncs"`
}

var ErrNoManifest = errors.New("manifest not found")

// Journal 把对账事件写入 sqlite，供 manifest 查询与排障。
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureJournalSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func ensureJournalSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol          TEXT NOT NULL,
			timeframe       TEXT NOT NULL,
			requested_start INTEGER NOT NULL,
			requested_end   INTEGER NOT NULL,
			prefix_rows     INTEGER NOT NULL DEFAULT 0,
			suffix_rows     INTEGER NOT NULL DEFAULT 0,
			persisted       INTEGER NOT NULL DEFAULT 0,
			restored        INTEGER NOT NULL DEFAULT 0,
			first_time      INTEGER,
			last_time       INTEGER,
			rows            INTEGER NOT NULL DEFAULT 0,
			synced_at       INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_events_key ON sync_events(symbol, timeframe, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record 追加一条对账事件并回填 ID。
func (j *Journal) Record(ctx context.Context, ev *SyncEvent) error {
	if j == nil || ev == nil {
		return nil
	}
	if ev.SyncedAt.IsZero() {
		ev.SyncedAt = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO sync_events (symbol, timeframe, requested_start, requested_end, prefix_rows, suffix_rows,
		                         persisted, restored, first_time, last_time, rows, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(ev.Symbol), ev.Timeframe,
		ev.RequestedStart.UnixMilli(), ev.RequestedEnd.UnixMilli(),
		ev.PrefixRows, ev.SuffixRows, boolInt(ev.Persisted), boolInt(ev.Restored),
		nullMillis(ev.First), nullMillis(ev.Last), ev.Rows, ev.SyncedAt.UnixMilli())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		ev.ID = id
	}
	return nil
}

// Events 返回最近 limit 条事件（新→旧）。
func (j *Journal) Events(ctx context.Context, symbol, timeframe string, limit int) ([]SyncEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, requested_start, requested_end, prefix_rows, suffix_rows,
		       persisted, restored, first_time, last_time, rows, synced_at
		FROM sync_events WHERE symbol = ? AND timeframe = ?
		ORDER BY id DESC LIMIT ?`, strings.ToUpper(symbol), timeframe, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []SyncEvent
	for rows.Next() {
		var (
			ev                         SyncEvent
			reqStart, reqEnd, syncedAt int64
			persisted, restored        int
			first, last                sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.Symbol, &ev.Timeframe, &reqStart, &reqEnd, &ev.PrefixRows, &ev.SuffixRows,
			&persisted, &restored, &first, &last, &ev.Rows, &syncedAt); err != nil {
			return nil, err
		}
		ev.RequestedStart = time.UnixMilli(reqStart)
		ev.RequestedEnd = time.UnixMilli(reqEnd)
		ev.Persisted = persisted != 0
		ev.Restored = restored != 0
		if first.Valid {
			ev.First = time.UnixMilli(first.Int64)
		}
		if last.Valid {
			ev.Last = time.UnixMilli(last.Int64)
		}
		ev.SyncedAt = time.UnixMilli(syncedAt)
		list = append(list, ev)
	}
	return list, rows.Err()
}

// Manifest 汇总最近一次事件的边界与累计对账次数。
func (j *Journal) Manifest(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, COALESCE(first_time, 0), COALESCE(last_time, 0), rows, synced_at,
		       (SELECT COUNT(1) FROM sync_events WHERE symbol = ? AND timeframe = ?)
		FROM sync_events WHERE symbol = ? AND timeframe = ?
		ORDER BY id DESC LIMIT 1`,
		strings.ToUpper(symbol), timeframe, strings.ToUpper(symbol), timeframe)
	var (
		m                     Manifest
		first, last, syncedAt int64
	)
	if err := row.Scan(&m.Symbol, &m.Timeframe, &first, &last, &m.Rows, &syncedAt, &m.Syncs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Manifest{}, fmt.Errorf("%w: %s %s", ErrNoManifest, symbol, timeframe)
		}
		return Manifest{}, err
	}
	if first > 0 {
		m.MinTime = time.UnixMilli(first)
	}
	if last > 0 {
		m.MaxTime = time.UnixMilli(last)
	}
	m.LastSyncAt = time.UnixMilli(syncedAt)
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
