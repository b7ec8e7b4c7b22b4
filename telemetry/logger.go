package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/relay/core"
)

// log levels in ascending severity
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(level string) int {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return levelDebug
	case "WARN":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// JSONLogger writes one JSON object per line. It implements core.Logger and
// is safe for concurrent use.
type JSONLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level int
	name  string
}

// NewJSONLogger creates a logger writing to stdout at the given level.
func NewJSONLogger(serviceName, level string) *JSONLogger {
	return &JSONLogger{
		out:   os.Stdout,
		level: parseLevel(level),
		name:  serviceName,
	}
}

// NewJSONLoggerTo writes to an explicit writer; used by tests.
func NewJSONLoggerTo(w io.Writer, serviceName, level string) *JSONLogger {
	return &JSONLogger{out: w, level: parseLevel(level), name: serviceName}
}

func (l *JSONLogger) log(level int, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName
	entry["service"] = l.name
	entry["message"] = msg

	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(encoded, '\n'))
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

var _ core.Logger = (*JSONLogger)(nil)
