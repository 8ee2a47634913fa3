// Package logging provides the leveled, ring-buffered log sink used across
// llamagate. Every component writes through a LogMonitor rather than the
// standard logger so that engine stdout/stderr, proxy activity, and
// supervisor transitions can be replayed to a /logs SSE subscriber and kept
// in a bounded in-memory history without re-reading files.
package logging

import (
	"container/ring"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/llamagate/llamagate/event"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogDataEvent is broadcast on every write so a /logs handler can tail it.
type LogDataEvent struct {
	Data []byte
}

const LogDataEventID = 0x10

func (e LogDataEvent) Type() uint32 { return LogDataEventID }

// LogMonitor is an io.Writer that also keeps a bounded ring buffer of recent
// lines and re-broadcasts everything written to it over the event bus.
type LogMonitor struct {
	eventbus *event.Dispatcher

	mu     sync.RWMutex
	level  LogLevel
	prefix string

	bufferMu sync.RWMutex
	buffer   *ring.Ring

	out io.Writer
}

func NewLogMonitor() *LogMonitor {
	return NewLogMonitorWriter(os.Stdout)
}

func NewLogMonitorWriter(out io.Writer) *LogMonitor {
	return &LogMonitor{
		eventbus: event.NewDispatcherConfig(1000),
		buffer:   ring.New(4 * 1024),
		out:      out,
		level:    LevelInfo,
	}
}

func (w *LogMonitor) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, err := w.out.Write(p)
	if err != nil {
		return n, err
	}

	cp := make([]byte, len(p))
	copy(cp, p)

	w.bufferMu.Lock()
	w.buffer.Value = cp
	w.buffer = w.buffer.Next()
	w.bufferMu.Unlock()

	event.Publish(w.eventbus, LogDataEvent{Data: cp})
	return n, nil
}

// History returns the buffered log lines, oldest first.
func (w *LogMonitor) History() []byte {
	w.bufferMu.RLock()
	defer w.bufferMu.RUnlock()

	var out []byte
	w.buffer.Do(func(v any) {
		if b, ok := v.([]byte); ok {
			out = append(out, b...)
		}
	})
	return out
}

// Follow subscribes a callback to every subsequent write.
func (w *LogMonitor) Follow(cb func(data []byte)) func() {
	cancel := event.Subscribe(w.eventbus, func(e LogDataEvent) { cb(e.Data) })
	return func() { cancel() }
}

func (w *LogMonitor) SetLevel(level LogLevel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.level = level
}

func (w *LogMonitor) SetPrefix(prefix string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prefix = prefix
}

func (w *LogMonitor) currentLevel() LogLevel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.level
}

func (w *LogMonitor) format(level LogLevel, msg string) []byte {
	w.mu.RLock()
	prefix := w.prefix
	w.mu.RUnlock()

	p := ""
	if prefix != "" {
		p = fmt.Sprintf("[%s] ", prefix)
	}
	return []byte(fmt.Sprintf("%s %s[%s] %s\n", time.Now().Format(time.RFC3339), p, level, msg))
}

func (w *LogMonitor) log(level LogLevel, msg string) {
	if level < w.currentLevel() {
		return
	}
	w.Write(w.format(level, msg))
}

func (w *LogMonitor) Debug(msg string) { w.log(LevelDebug, msg) }
func (w *LogMonitor) Info(msg string)  { w.log(LevelInfo, msg) }
func (w *LogMonitor) Warn(msg string)  { w.log(LevelWarn, msg) }
func (w *LogMonitor) Error(msg string) { w.log(LevelError, msg) }

func (w *LogMonitor) Debugf(format string, args ...any) { w.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (w *LogMonitor) Infof(format string, args ...any)  { w.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (w *LogMonitor) Warnf(format string, args ...any)  { w.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (w *LogMonitor) Errorf(format string, args ...any) { w.log(LevelError, fmt.Sprintf(format, args...)) }
