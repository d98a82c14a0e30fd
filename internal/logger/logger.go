package logger

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/veera-kit/internal/kit"
)

// Logger records kit events to CSV files with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	log     zerolog.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{"timestamp", "type", "key", "value"}

// Kinds lists the events worth recording; connection churn goes to the
// process log instead.
var Kinds = []kit.EventKind{
	kit.EventClassChanged, kit.EventExperimentChanged,
	kit.EventSensorUpdate, kit.EventAck,
}

// New creates a new Logger.
func New(cfg Config, log zerolog.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/veerakit"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		log:     log.With().Str("component", "recorder").Logger(),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Run records events from sub until ctx is done or sub is closed.
func (l *Logger) Run(ctx context.Context, sub *kit.Subscription) {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			l.Record(ev)
		}
	}
}

// Record writes one event row.
func (l *Logger) Record(ev kit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(ts); err != nil {
			l.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(ts, ev)); err != nil {
		l.log.Error().Err(err).Msg("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("kit_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info().Str("path", path).Msg("opened event log")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, ev kit.Event) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = string(ev.Kind)

	switch ev.Kind {
	case kit.EventClassChanged:
		row[2] = "C"
		row[3] = ev.ClassNum
	case kit.EventExperimentChanged:
		row[2] = "E"
		row[3] = ev.ExpNum
	case kit.EventSensorUpdate:
		row[2] = ev.Sensor
		row[3] = valueStr(ev.Value)
	case kit.EventAck:
		row[3] = ev.Frame
	case kit.EventError:
		row[3] = ev.Err
	}
	return row
}

func valueStr(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
