package market

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptySeries    = errors.New("series is empty")
	ErrMissingColumns = errors.New("missing required columns")
)

// ValidateColumns 检查表头是否包含 Open/High/Low/Close/Volume（大小写不敏感）。
func ValidateColumns(header []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.ToLower(strings.TrimSpace(h))] = true
	}
	var missing []string
	for _, col := range Columns {
		if !have[strings.ToLower(col)] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingColumns, missing)
	}
	return nil
}

// ValidateSeries 用于必须有数据的场景（例如回测运行）。
func ValidateSeries(s Series) error {
	if len(s) == 0 {
		return ErrEmptySeries
	}
	if !s.IsNormalized() {
		return errors.New("series is not sorted by unique timestamps")
	}
	return nil
}
