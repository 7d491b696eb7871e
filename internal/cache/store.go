package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quantbench/internal/logger"
	"quantbench/internal/market"
)

// ErrCorrupt 表示二进制缓存存在但无法读取；调用方应直接失败而不是重新拉取。
var ErrCorrupt = errors.New("cache artifact is corrupt")

// NamingFunc 返回某个 symbol/timeframe 的文件基础名（不含扩展名）。
type NamingFunc func(symbol, tag string) string

// DefaultNaming 生成 <SYMBOL>_<tag>，symbol 中的路径分隔符替换为 "-"。
func DefaultNaming(symbol, tag string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	sym = strings.NewReplacer("/", "-", "\\", "-", " ", "").Replace(sym)
	return sym + "_" + strings.TrimSpace(tag)
}

type Config struct {
	Root     string
	Naming   NamingFunc
	Location *time.Location
}

// Paths 描述一条缓存记录对应的两个文件。
type Paths struct {
	Binary string `json:"binary"`
	Backup string `json:"backup"`
}

// Store 是按 symbol+timeframe 保存 OHLCV 的本地缓存：parquet 为权威数据，CSV 为可读备份。
type Store struct {
	root   string
	naming NamingFunc
	loc    *time.Location
}

func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("cache root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	naming := cfg.Naming
	if naming == nil {
		naming = DefaultNaming
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Store{root: root, naming: naming, loc: loc}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) Paths(symbol, tag string) Paths {
	base := filepath.Join(s.root, s.naming(symbol, tag))
	return Paths{Binary: base + ".parquet", Backup: base + ".csv"}
}

// Exists 只看二进制文件，备份缺失不影响缓存是否存在。
func (s *Store) Exists(symbol, tag string) bool {
	_, err := os.Stat(s.Paths(symbol, tag).Binary)
	return err == nil
}

// Load 读取二进制缓存。文件不存在返回 (nil, false, nil)。
func (s *Store) Load(symbol, tag string) (market.Series, bool, error) {
	paths := s.Paths(symbol, tag)
	if _, err := os.Stat(paths.Binary); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	series, err := readParquet(paths.Binary, s.loc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, paths.Binary, err)
	}
	if !series.IsNormalized() {
		return nil, false, fmt.Errorf("%w: %s: timestamps not strictly increasing", ErrCorrupt, paths.Binary)
	}
	return series, true, nil
}

// Save 先写二进制，再从同一份内存数据生成 CSV 备份。
func (s *Store) Save(symbol, tag string, series market.Series) error {
	if len(series) == 0 {
		return market.ErrEmptySeries
	}
	if !series.IsNormalized() {
		return fmt.Errorf("refuse to save %s %s: series not normalized", symbol, tag)
	}
	paths := s.Paths(symbol, tag)
	meta := fileMeta{Timezone: s.loc.String(), Symbol: strings.ToUpper(symbol), Timeframe: tag}
	if err := writeParquet(paths.Binary, series, meta); err != nil {
		return fmt.Errorf("write %s: %w", paths.Binary, err)
	}
	if err := writeCSV(paths.Backup, series, s.loc); err != nil {
		return fmt.Errorf("write %s: %w", paths.Backup, err)
	}
	first, last, _ := series.Bounds()
	logger.Debugf("[cache] saved %s %s rows=%d %s→%s", symbol, tag, len(series),
		first.Format(time.RFC3339), last.Format(time.RFC3339))
	return nil
}

// EnsureBackup 在 CSV 备份缺失时用 series 重建，从不改动二进制文件。
func (s *Store) EnsureBackup(symbol, tag string, series market.Series) (bool, error) {
	paths := s.Paths(symbol, tag)
	if _, err := os.Stat(paths.Backup); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := writeCSV(paths.Backup, series, s.loc); err != nil {
		return false, fmt.Errorf("restore backup %s: %w", paths.Backup, err)
	}
	logger.Infof("[cache] restored backup %s rows=%d", paths.Backup, len(series))
	return true, nil
}

// replaceFile 先写临时文件再 rename，读者要么看到旧文件要么看到完整的新文件。
func replaceFile(path string, write func(tmp string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
