package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quantbench/internal/logger"
)

// Preset 是一组命名的策略参数。
type Preset struct {
	Name        string         `yaml:"name" json:"name"`
	Strategy    string         `yaml:"strategy" json:"strategy"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Params      map[string]any `yaml:"params" json:"params,omitempty"`
}

// PresetFile 映射 presets.yaml。
type PresetFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// PresetSnapshot 公开的预设快照。
type PresetSnapshot struct {
	Version  int64             `json:"version"`
	LoadedAt time.Time         `json:"loaded_at"`
	Presets  map[string]Preset `json:"presets"`
}

// PresetListener 在 registry 重载时触发。
type PresetListener func(PresetSnapshot)

// PresetRegistry 管理策略预设，文件变更后自动重载；新文件校验失败时保留旧快照。
type PresetRegistry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  PresetSnapshot
	listeners []PresetListener
}

// NewPresetRegistry 读取预设文件；watch=true 时监听变更。
func NewPresetRegistry(path string, watch bool) (*PresetRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("preset registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read preset file failed: %w", err)
	}
	r := &PresetRegistry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("preset reload failed (%s): %v", evt.Name, err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
	}
	return r, nil
}

// Snapshot 返回当前预设集。
func (r *PresetRegistry) Snapshot() PresetSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePresets(r.snapshot)
}

func (r *PresetRegistry) Preset(name string) (Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Presets[strings.TrimSpace(name)]
	return p, ok
}

// Names 返回排序后的预设名。
func (r *PresetRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Presets))
	for name := range r.snapshot.Presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OnChange 注册重载回调。
func (r *PresetRegistry) OnChange(fn PresetListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload 手动重新读取文件。
func (r *PresetRegistry) Reload() error {
	if err := r.reload(); err != nil {
		return err
	}
	r.notifyListeners()
	return nil
}

// Build 用预设参数（再叠加 overrides）创建策略实例，返回最终参数。
func (r *PresetRegistry) Build(name string, overrides map[string]any) (Strategy, map[string]any, error) {
	p, ok := r.Preset(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown preset: %s", name)
	}
	params := make(map[string]any, len(p.Params)+len(overrides))
	for k, v := range p.Params {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}
	if err := ValidateParams(p.Strategy, params); err != nil {
		return nil, nil, fmt.Errorf("preset %s: %w", name, err)
	}
	st, err := New(p.Strategy, params)
	if err != nil {
		return nil, nil, err
	}
	return st, params, nil
}

func (r *PresetRegistry) reload() error {
	cfg, err := readPresetFile(r.path)
	if err != nil {
		return err
	}
	presets := make(map[string]Preset, len(cfg.Presets))
	for key, p := range cfg.Presets {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			p.Name = strings.TrimSpace(key)
		}
		p.Strategy = strings.ToLower(strings.TrimSpace(p.Strategy))
		if err := ValidateParams(p.Strategy, p.Params); err != nil {
			return fmt.Errorf("preset %s: %w", p.Name, err)
		}
		presets[p.Name] = p
	}
	r.mu.Lock()
	r.snapshot = PresetSnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Presets:  presets,
	}
	r.mu.Unlock()
	logger.Infof("Strategy presets loaded %d entries from %s", len(presets), filepath.Base(r.path))
	return nil
}

func (r *PresetRegistry) notifyListeners() {
	r.mu.RLock()
	snap := clonePresets(r.snapshot)
	listeners := append([]PresetListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb PresetListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("preset listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func clonePresets(src PresetSnapshot) PresetSnapshot {
	dst := PresetSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Presets:  make(map[string]Preset, len(src.Presets)),
	}
	for k, v := range src.Presets {
		dst.Presets[k] = v
	}
	return dst
}

func readPresetFile(path string) (PresetFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PresetFile{}, fmt.Errorf("read preset file failed: %w", err)
	}
	var cfg PresetFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return PresetFile{}, fmt.Errorf("parse preset file failed: %w", err)
	}
	return cfg, nil
}

// ParamSchema 由策略元数据生成参数的 JSON Schema。
func ParamSchema(meta Metadata) map[string]any {
	props := make(map[string]any, len(meta.Params))
	for _, p := range meta.Params {
		typ := "number"
		if p.Integer {
			typ = "integer"
		}
		prop := map[string]any{"type": typ, "minimum": p.Min, "maximum": p.Max}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"title":                meta.Name,
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

// ValidateParams 用元数据生成的 schema 校验参数。
func ValidateParams(strategyName string, params map[string]any) error {
	meta, ok := Lookup(strategyName)
	if !ok {
		return fmt.Errorf("unknown strategy %q", strategyName)
	}
	schema, err := compileSchema(meta.Name, ParamSchema(meta))
	if err != nil {
		return err
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func compileSchema(name string, data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// toJSONValue 把 YAML 解出的 int 等类型转换成 JSON 解码后的表示，数字字符串视为数字。
func toJSONValue(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return sanitizeNumbers(out), nil
}

func sanitizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeNumbers(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeNumbers(child)
		}
		return out
	case string:
		if num, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
