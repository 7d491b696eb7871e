package cache

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// VerifyReport 对比二进制缓存与 CSV 备份的一致性，仅用于诊断。
type VerifyReport struct {
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	BinaryRows   int       `json:"binary_rows"`
	BackupRows   int       `json:"backup_rows"`
	BackupExists bool      `json:"backup_exists"`
	First        time.Time `json:"first"`
	Last         time.Time `json:"last"`
	Consistent   bool      `json:"consistent"`
	Problems     []string  `json:"problems,omitempty"`
}

func (s *Store) VerifyBackup(symbol, tag string) (VerifyReport, error) {
	report := VerifyReport{Symbol: symbol, Timeframe: tag}
	series, ok, err := s.Load(symbol, tag)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, fmt.Errorf("no cache for %s %s", symbol, tag)
	}
	report.BinaryRows = len(series)
	report.First, report.Last, _ = series.Bounds()

	backup, err := readCSV(s.Paths(symbol, tag).Backup, s.loc)
	switch {
	case errors.Is(err, os.ErrNotExist):
		report.Problems = append(report.Problems, "backup missing")
		return report, nil
	case err != nil:
		report.BackupExists = true
		report.Problems = append(report.Problems, err.Error())
		return report, nil
	}
	report.BackupExists = true
	report.BackupRows = len(backup)
	if report.BackupRows != report.BinaryRows {
		report.Problems = append(report.Problems,
			fmt.Sprintf("row count mismatch: binary=%d backup=%d", report.BinaryRows, report.BackupRows))
	}
	if first, last, ok := backup.Bounds(); ok {
		if !first.Equal(report.First) || !last.Equal(report.Last) {
			report.Problems = append(report.Problems, "bounds mismatch")
		}
	}
	report.Consistent = len(report.Problems) == 0
	return report, nil
}
