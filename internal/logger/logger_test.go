package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/veera-kit/internal/kit"
)

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "kit_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecordWritesRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir}, zerolog.Nop())
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	l.Record(kit.Event{Kind: kit.EventSensorUpdate, Sensor: "T", Value: 31.0, Time: ts})
	l.Record(kit.Event{Kind: kit.EventClassChanged, ClassNum: "5", Time: ts})
	l.Record(kit.Event{Kind: kit.EventAck, Frame: "#W:070", Time: ts})
	l.Close()

	rows := readRows(t, dir)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{ts.Format(time.RFC3339Nano), "sensor-update", "T", "31"}, rows[1])
	assert.Equal(t, []string{ts.Format(time.RFC3339Nano), "class-changed", "C", "5"}, rows[2])
	assert.Equal(t, "#W:070", rows[3][3])
}

func TestDisabledRecordsNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir}, zerolog.Nop())
	l.Record(kit.Event{Kind: kit.EventSensorUpdate, Sensor: "T", Value: 1.0})

	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	assert.Empty(t, files)
	assert.False(t, l.IsEnabled())

	l.SetEnabled(true)
	assert.True(t, l.IsEnabled())
}

func TestValueStr(t *testing.T) {
	assert.Equal(t, "12.5", valueStr(12.5))
	assert.Equal(t, "on", valueStr("on"))
	assert.Equal(t, "", valueStr(nil))
}
