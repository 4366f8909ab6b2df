package logx

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level type so callers never import zerolog
// directly.
type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// timeFormat keeps timestamps short; millisecond precision is enough to
// correlate console output with Telegram-side events.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var setupOnce sync.Once

// setupZerolog applies the process-wide zerolog knobs exactly once, no
// matter which constructor runs first.
func setupZerolog() {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

// Field appends one key/value pair to an event. Fields apply in order,
// so a later duplicate key wins. The console writer renders them as
// key=value, JSON sinks keep them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

// Err attaches err under the "err" key; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a thin handle over a zerolog root. Handles created from a
// Service keep following it across config reloads; With() derives a
// child carrying extra fixed fields. The zero value is a safe no-op.
type Logger struct {
	svc    *Service
	static zerolog.Logger
	bound  bool // static holds a usable root

	with []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{static: zerolog.Nop(), bound: true}
}

// NewConsole returns a logger wired straight to stdout, with no Service
// behind it. The app uses it while booting, before the log service and
// its config exist.
func NewConsole(level string) Logger {
	setupZerolog()
	root := zerolog.New(consoleSink()).
		Level(parseLevel(level, LevelInfo)).
		With().Timestamp().Logger()
	return Logger{static: root, bound: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.bound && len(l.with) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.activeRoot()
	case l.bound:
		return l.static
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	return level >= l.root().GetLevel()
}

// With returns a copy carrying extra fixed fields. The copy follows the
// same Service, so runtime reconfiguration reaches it too.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.with)+len(fields))
	merged = append(merged, l.with...)
	merged = append(merged, fields...)
	l.with = merged
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l Logger) log(level Level, msg string, extra []Field) {
	root := l.root()
	e := root.WithLevel(level)
	if e == nil {
		return
	}

	// Call site as short file:line; full paths and function names are
	// noise in the console output.
	if site := callSite(3); site != "" {
		e.Str(zerolog.CallerFieldName, site)
	}

	applyFields(e, l.with)
	applyFields(e, extra)

	e.Msg(msg)
}

func applyFields(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

var levelNames = map[string]Level{
	"TRACE":   LevelTrace,
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARN":    LevelWarn,
	"WARNING": LevelWarn,
	"ERROR":   LevelError,
}

func parseLevel(s string, def Level) Level {
	if lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return def
}
