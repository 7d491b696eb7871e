package strategy

import (
	"fmt"
	"sort"
	"strings"
)

// Factory 用解析后的参数构建一个新的策略实例（每次运行一个实例）。
type Factory func(params map[string]any) (Strategy, error)

type builtin struct {
	meta    Metadata
	factory Factory
}

var builtins = map[string]builtin{}

func register(meta Metadata, factory Factory) {
	builtins[meta.Name] = builtin{meta: meta, factory: factory}
}

func init() {
	register(smaCrossMeta, newSMACross)
	register(bollingerMeta, newBollingerReversion)
	register(macdCrossMeta, newMACDCross)
	register(parabolicMeta, newParabolicTrail)
	register(lrcMeta, newLRCReversion)
	register(dcaMeta, newMonthlyDCA)
}

// New 按名称创建内置策略。
func New(name string, params map[string]any) (Strategy, error) {
	b, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return b.factory(params)
}

// Lookup 返回内置策略的元数据。
func Lookup(name string) (Metadata, bool) {
	b, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	return b.meta, ok
}

func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog 返回所有内置策略的元数据，按名称排序。
func Catalog() []Metadata {
	names := Names()
	out := make([]Metadata, 0, len(names))
	for _, n := range names {
		out = append(out, builtins[n].meta)
	}
	return out
}
