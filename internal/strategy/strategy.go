package strategy

import "quantbench/internal/market"

// Param 声明策略的一个可调参数。
type Param struct {
	Name        string  `json:"name"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Integer     bool    `json:"integer,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Metadata 是策略对外声明的名称与参数表，报告与预设校验都基于它。
type Metadata struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

func (m Metadata) Param(name string) (Param, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Defaults 返回参数默认值表。
func (m Metadata) Defaults() map[string]any {
	out := make(map[string]any, len(m.Params))
	for _, p := range m.Params {
		if p.Integer {
			out[p.Name] = int(p.Default)
		} else {
			out[p.Name] = p.Default
		}
	}
	return out
}

type Action int

const (
	ActionHold Action = iota
	ActionBuy
	ActionClose
	ActionUpdateStop
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionClose:
		return "close"
	case ActionUpdateStop:
		return "update_stop"
	default:
		return "hold"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Decision 是策略在某根 bar 上的意图。Size 为 0 时由执行方决定仓位大小。
type Decision struct {
	Action   Action  `json:"action"`
	Size     float64 `json:"size,omitempty"`
	StopLoss float64 `json:"stop_loss,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

func Buy(size, stopLoss float64, reason string) Decision {
	return Decision{Action: ActionBuy, Size: size, StopLoss: stopLoss, Reason: reason}
}

func Close(reason string) Decision {
	return Decision{Action: ActionClose, Reason: reason}
}

func UpdateStop(stop float64, reason string) Decision {
	return Decision{Action: ActionUpdateStop, StopLoss: stop, Reason: reason}
}

// Position 是执行方回报的当前持仓。
type Position struct {
	Open       bool    `json:"open"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
}

// Context 是 Next 的输入：当前 bar 的序号、bar 本身与持仓。
type Context struct {
	Index    int
	Bar      market.Bar
	Position Position
}

// Strategy 在一次运行内先 Init 预计算指标，再逐根调用 Next。
type Strategy interface {
	Metadata() Metadata
	Init(series market.Series) error
	Next(ctx Context) []Decision
}

// Crossover 判断 a 在 i 处从下方穿越 b：a[i-1] < b[i-1] 且 a[i] > b[i]。
func Crossover(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i-1] < b[i-1] && a[i] > b[i]
}
