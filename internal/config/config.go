package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"quantbench/internal/analysis/indicator"
	"quantbench/internal/market"
)

// EnvConfigPath 非空时覆盖命令行给出的配置路径。
const EnvConfigPath = "QUANTBENCH_CONFIG"

const DefaultPath = "configs/config.yaml"

// ResolvePath 按 环境变量 > 参数 > 默认值 的顺序确定配置文件。
func ResolvePath(flagPath string) string {
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load 读取配置文件（含 include），填充默认值并校验。
// include 中的文件先于引用它的文件合并，后者覆盖前者。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{
		merged:  viper.New(),
		done:    make(map[string]bool),
		walking: make(map[string]bool),
	}
	w.merged.SetConfigType("yaml")
	if err := w.visit(abs); err != nil {
		return nil, err
	}

	var cfg Config
	if err := w.merged.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	keys := make(keySet)
	for _, k := range w.merged.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// includeWalker 深度优先展开 include，walking 用于发现环。
type includeWalker struct {
	merged  *viper.Viper
	done    map[string]bool
	walking map[string]bool
}

func (w *includeWalker) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case w.walking[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case w.done[path]:
		return nil
	}
	w.walking[path] = true
	defer delete(w.walking, path)

	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := includeList(file.Get("include"))
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.visit(inc); err != nil {
			return err
		}
	}
	w.done[path] = true
	return w.merged.MergeConfigMap(file.AllSettings())
}

func includeList(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		if strs, isStrs := raw.([]string); isStrs {
			items = make([]any, len(strs))
			for i, s := range strs {
				items[i] = s
			}
		} else {
			return nil, fmt.Errorf("include must be a string array")
		}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

// Location 返回交易所时区。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Data.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MarketSession 返回常规时段过滤配置；未启用时返回 nil。
func (c *Config) MarketSession() (*market.Session, error) {
	if !c.Session.Enabled {
		return nil, nil
	}
	sess, err := market.ParseSession(c.Session.Timezone, c.Session.Open, c.Session.Close)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// IndicatorSettings 把配置覆盖项转换为指标快照参数。
func (c *Config) IndicatorSettings() indicator.Settings {
	ic := c.Indicators
	var s indicator.Settings
	s.RSI.Period = ic.RSIPeriod
	s.Bollinger.Period = ic.BollingerLen
	s.Bollinger.StdDev = ic.BollingerStd
	s.LRC.Window = ic.LRCWindow
	s.LRC.Annual = ic.LRCAnnual
	s.ATRPeriod = ic.ATRPeriod
	s.Tail = ic.Tail
	return s.WithDefaults()
}

// Refresh 解析定时刷新周期与偏移，interval 为 0 表示关闭。
func (s SyncConfig) Refresh() (interval, offset time.Duration, err error) {
	if raw := strings.TrimSpace(s.RefreshInterval); raw != "" {
		if interval, err = time.ParseDuration(raw); err != nil || interval <= 0 {
			return 0, 0, fmt.Errorf("sync.refresh_interval 无效: %q", s.RefreshInterval)
		}
	}
	if raw := strings.TrimSpace(s.RefreshOffset); raw != "" {
		if offset, err = time.ParseDuration(raw); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("sync.refresh_offset 无效: %q", s.RefreshOffset)
		}
	}
	return interval, offset, nil
}
