// Package runlog records completed pump runs to CSV, one row per run, with
// daily file rotation. Rows are written when a run ends, so a crash mid-run
// loses at most the in-flight row.
package runlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds run log configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeError     Outcome = "error"
)

// Entry is one finished run.
type Entry struct {
	Start        time.Time
	End          time.Time
	Direction    string
	Rate         string
	TargetVolume string
	EstimatedSec float64
	Outcome      Outcome
}

var csvHeader = []string{
	"start", "end", "direction", "rate", "target_volume",
	"estimated_s", "actual_s", "outcome",
}

// Log appends run entries to a per-day CSV file.
type Log struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	logger  *zap.Logger

	file    *os.File
	writer  *csv.Writer
	fileDay string // "2006-01-02" of the open file
}

// New creates a run log. Nothing is opened until the first record.
func New(cfg Config, logger *zap.Logger) *Log {
	if cfg.Path == "" {
		cfg.Path = "/var/log/legato-dash"
	}
	return &Log{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		logger:  logger,
	}
}

// SetEnabled toggles logging at runtime.
func (l *Log) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled reports whether runs are being recorded.
func (l *Log) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record appends one finished run. Failures are logged, not returned; a
// broken log file must not interfere with pump control.
func (l *Log) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	day := e.End.Format("2006-01-02")
	if l.writer == nil || day != l.fileDay {
		if err := l.rotateFile(day); err != nil {
			l.logger.Warn("run log rotate failed", zap.Error(err))
			return
		}
	}

	row := []string{
		e.Start.Format(time.RFC3339),
		e.End.Format(time.RFC3339),
		e.Direction,
		e.Rate,
		e.TargetVolume,
		fmt.Sprintf("%.3f", e.EstimatedSec),
		fmt.Sprintf("%.3f", e.End.Sub(e.Start).Seconds()),
		string(e.Outcome),
	}
	if err := l.writer.Write(row); err != nil {
		l.logger.Warn("run log write failed", zap.Error(err))
		return
	}
	l.writer.Flush()
}

// Close flushes and closes the current log file.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Log) rotateFile(day string) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	path := filepath.Join(l.dir, fmt.Sprintf("runs_%s.csv", day))
	// Append so restarts within a day keep writing the same file; only a
	// fresh file gets a header.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.fileDay = day

	if st.Size() == 0 {
		if err := l.writer.Write(csvHeader); err != nil {
			return err
		}
		l.writer.Flush()
	}
	l.logger.Info("run log opened", zap.String("path", path))
	return nil
}

func (l *Log) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
