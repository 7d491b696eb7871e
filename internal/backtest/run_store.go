package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrRunNotFound = errors.New("run not found")

type runModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Symbol          string         `gorm:"column:symbol;index"`
	Timeframe       string         `gorm:"column:timeframe"`
	Strategy        string         `gorm:"column:strategy"`
	Preset          string         `gorm:"column:preset"`
	Status          string         `gorm:"column:status"`
	StartUnix       int64          `gorm:"column:start_ts"`
	EndUnix         int64          `gorm:"column:end_ts"`
	ParamsJSON      datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	StatsJSON       datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	Notes           string         `gorm:"column:notes"`
	Message         string         `gorm:"column:message"`
	CreatedAtUnix   int64          `gorm:"column:created_at;index"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
	CompletedAtUnix *int64         `gorm:"column:completed_at"`
}

func (runModel) TableName() string { return "backtest_runs" }

type decisionModel struct {
	ID       int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID    string  `gorm:"column:run_id;index:idx_decisions_run,priority:1"`
	BarIndex int     `gorm:"column:bar_index;index:idx_decisions_run,priority:2"`
	BarUnix  int64   `gorm:"column:bar_ts"`
	Action   string  `gorm:"column:action"`
	Price    float64 `gorm:"column:price"`
	Size     float64 `gorm:"column:size"`
	StopLoss float64 `gorm:"column:stop_loss"`
	Reason   string  `gorm:"column:reason"`
}

func (decisionModel) TableName() string { return "backtest_decisions" }

// RunStore 管理 backtest_runs/backtest_decisions 两张表。
type RunStore struct {
	db *gorm.DB
}

func OpenRunStore(path string) (*RunStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("run store path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewRunStoreFromDB(db)
}

func NewRunStoreFromDB(db *gorm.DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&runModel{}, &decisionModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertRun 写入一条 run 记录。
func (s *RunStore) InsertRun(ctx context.Context, run Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	m.CreatedAtUnix, m.UpdatedAtUnix = now, now
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpdateRunStatus 仅更新状态与提示。
func (s *RunStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	updates := map[string]any{
		"status":     status,
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	}
	if status == RunStatusDone || status == RunStatusFailed {
		updates["completed_at"] = time.Now().UnixMilli()
	}
	return s.update(ctx, id, updates)
}

// UpdateRunSummary 更新状态与统计。
func (s *RunStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	updates := map[string]any{
		"status":     status,
		"stats_json": datatypes.JSON(statsJSON),
		"message":    message,
		"updated_at": now,
	}
	if status == RunStatusDone || status == RunStatusFailed {
		updates["completed_at"] = now
	}
	return s.update(ctx, id, updates)
}

func (s *RunStore) update(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// AppendDecisions 批量追加决策日志。
func (s *RunStore) AppendDecisions(ctx context.Context, runID string, records []DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]decisionModel, len(records))
	for i, rec := range records {
		rows[i] = decisionModel{
			RunID:    runID,
			BarIndex: rec.Index,
			BarUnix:  rec.Time.UnixMilli(),
			Action:   rec.Action,
			Price:    rec.Price,
			Size:     rec.Size,
			StopLoss: rec.StopLoss,
			Reason:   rec.Reason,
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return err
	}
	for i := range records {
		records[i].ID = rows[i].ID
		records[i].RunID = runID
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (Run, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	return fromRunModel(m)
}

// ListRuns 按创建时间倒序返回。
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		run, err := fromRunModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *RunStore) ListDecisions(ctx context.Context, runID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var models []decisionModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("bar_index ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]DecisionRecord, len(models))
	for i, m := range models {
		out[i] = DecisionRecord{
			ID:       m.ID,
			RunID:    m.RunID,
			Index:    m.BarIndex,
			Time:     timeFromMillis(m.BarUnix),
			Action:   m.Action,
			Price:    m.Price,
			Size:     m.Size,
			StopLoss: m.StopLoss,
			Reason:   m.Reason,
		}
	}
	return out, nil
}

func toRunModel(run Run) (runModel, error) {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return runModel{}, err
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return runModel{}, err
	}
	m := runModel{
		ID:         run.ID,
		Symbol:     run.Symbol,
		Timeframe:  run.Timeframe,
		Strategy:   run.Strategy,
		Preset:     run.Preset,
		Status:     run.Status,
		StartUnix:  run.Start.UnixMilli(),
		EndUnix:    run.End.UnixMilli(),
		ParamsJSON: datatypes.JSON(params),
		StatsJSON:  datatypes.JSON(stats),
		Notes:      run.Notes,
		Message:    run.Message,
	}
	if !run.CompletedAt.IsZero() {
		ms := run.CompletedAt.UnixMilli()
		m.CompletedAtUnix = &ms
	}
	return m, nil
}

func fromRunModel(m runModel) (Run, error) {
	run := Run{
		ID:        m.ID,
		Symbol:    m.Symbol,
		Timeframe: m.Timeframe,
		Strategy:  m.Strategy,
		Preset:    m.Preset,
		Status:    m.Status,
		Start:     timeFromMillis(m.StartUnix),
		End:       timeFromMillis(m.EndUnix),
		Notes:     m.Notes,
		Message:   m.Message,
		CreatedAt: timeFromMillis(m.CreatedAtUnix),
		UpdatedAt: timeFromMillis(m.UpdatedAtUnix),
	}
	if m.CompletedAtUnix != nil {
		run.CompletedAt = timeFromMillis(*m.CompletedAtUnix)
	}
	if len(m.ParamsJSON) > 0 {
		if err := json.Unmarshal(m.ParamsJSON, &run.Params); err != nil {
			return Run{}, err
		}
	}
	if len(m.StatsJSON) > 0 {
		if err := json.Unmarshal(m.StatsJSON, &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
