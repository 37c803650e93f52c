package runlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordWritesRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir}, zap.NewNop())
	defer l.Close()

	end := time.Date(2026, 8, 26, 10, 5, 0, 0, time.UTC)
	l.Record(Entry{
		Start:        end.Add(-5 * time.Minute),
		End:          end,
		Direction:    "infuse",
		Rate:         "1 ml/min",
		TargetVolume: "5 ml",
		EstimatedSec: 300,
		Outcome:      OutcomeCompleted,
	})
	l.Close()

	f, err := os.Open(filepath.Join(dir, "runs_2026-08-26.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "infuse", rows[1][2])
	assert.Equal(t, "1 ml/min", rows[1][3])
	assert.Equal(t, "300.000", rows[1][6])
	assert.Equal(t, "completed", rows[1][7])
}

func TestReopenAppendsWithoutSecondHeader(t *testing.T) {
	dir := t.TempDir()
	end := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	entry := Entry{Start: end.Add(-time.Minute), End: end, Direction: "withdraw", Outcome: OutcomeStopped}

	l := New(Config{Enabled: true, Path: dir}, zap.NewNop())
	l.Record(entry)
	l.Close()

	l = New(Config{Enabled: true, Path: dir}, zap.NewNop())
	l.Record(entry)
	l.Close()

	f, err := os.Open(filepath.Join(dir, "runs_2026-08-26.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3) // one header, two runs
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir}, zap.NewNop())
	l.Record(Entry{End: time.Now()})
	l.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDailyRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir}, zap.NewNop())
	defer l.Close()

	day1 := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 26, 0, 1, 0, 0, time.UTC)
	l.Record(Entry{Start: day1.Add(-time.Minute), End: day1, Outcome: OutcomeCompleted})
	l.Record(Entry{Start: day2.Add(-time.Minute), End: day2, Outcome: OutcomeCompleted})
	l.Close()

	for _, name := range []string{"runs_2026-08-25.csv", "runs_2026-08-26.csv"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}
