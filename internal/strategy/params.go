package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// ResolveParams 合并默认值与覆盖值（弱类型："20" 与 20 等价），并按元数据校验范围。
func ResolveParams(meta Metadata, overrides map[string]any) (map[string]float64, error) {
	merged := meta.Defaults()
	for k, v := range overrides {
		if _, ok := meta.Param(k); !ok {
			return nil, fmt.Errorf("%s: unknown param %q (allowed: %v)", meta.Name, k, paramNames(meta))
		}
		merged[k] = v
	}
	var values map[string]float64
	if err := mapstructure.WeakDecode(merged, &values); err != nil {
		return nil, fmt.Errorf("%s: decode params: %w", meta.Name, err)
	}
	for _, p := range meta.Params {
		v := values[p.Name]
		if math.IsNaN(v) || v < p.Min || v > p.Max {
			return nil, fmt.Errorf("%s: param %s=%v out of range [%v, %v]", meta.Name, p.Name, v, p.Min, p.Max)
		}
		if p.Integer && v != math.Trunc(v) {
			return nil, fmt.Errorf("%s: param %s must be an integer, got %v", meta.Name, p.Name, v)
		}
	}
	return values, nil
}

// decodeParams 解析参数并写入带 mapstructure tag 的配置结构体。
func decodeParams(meta Metadata, overrides map[string]any, out any) (map[string]float64, error) {
	values, err := ResolveParams(meta, overrides)
	if err != nil {
		return nil, err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(values); err != nil {
		return nil, fmt.Errorf("%s: %w", meta.Name, err)
	}
	return values, nil
}

func paramNames(meta Metadata) []string {
	names := make([]string, 0, len(meta.Params))
	for _, p := range meta.Params {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
