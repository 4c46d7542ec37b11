/*
Package logging wraps zerolog with Config-based construction, a
per-logger minimum level, and With()-style child loggers scoped to this client's
domain/apiMethod/httpStatus fields, with a mandatory redaction pass
applied to every structured field before it reaches zerolog.
*/
package logging

import (
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// Level is a logging threshold, ordered debug < info < warn < error.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls a Logger's verbosity and destination.
type Config struct {
	Enabled bool
	Level   Level
	Output  io.Writer
}

// DefaultConfig matches the library default: enabled, info level, to
// stderr (so a library's own diagnostics never mix into a consumer's
// stdout-based data pipeline).
func DefaultConfig() Config {
	return Config{Enabled: true, Level: InfoLevel, Output: os.Stderr}
}

// Logger is a leveled, redacting logger. Every record carries a fixed
// "[<library>][<domain>][<apiMethod>][<httpStatus?>]" prefix built
// from the context accumulated by WithContext/WithStatus.
type Logger struct {
	cfg       Config
	z         zerolog.Logger
	domain    string
	apiMethod string
	status    string
}

const libraryName = "bitrix24-api-client"

// New builds a Logger from cfg. A zero Config is valid and behaves
// like DefaultConfig with logging disabled (Enabled defaults to
// false), so library code can hold a *Logger value without requiring
// every caller to configure one.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	z := zerolog.New(cfg.Output).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{cfg: cfg, z: z}
}

// WithContext returns a child logger scoped to one tenant/method pair,
// used for every record emitted while handling one call.
func (l *Logger) WithContext(domain, apiMethod string) *Logger {
	child := *l
	child.domain = domain
	child.apiMethod = apiMethod
	return &child
}

// WithStatus returns a child logger additionally scoped to an HTTP
// status observed during the call.
func (l *Logger) WithStatus(status int) *Logger {
	child := *l
	if status != 0 {
		child.status = strconv.Itoa(status)
	}
	return &child
}

func (l *Logger) prefix() string {
	return "[" + libraryName + "][" + l.domain + "][" + l.apiMethod + "]" + optionalBracket(l.status)
}

func optionalBracket(s string) string {
	if s == "" {
		return ""
	}
	return "[" + s + "]"
}

func (l *Logger) enabled(level Level) bool {
	return l.cfg.Enabled && levelRank(level) >= levelRank(l.cfg.Level)
}

func levelRank(l Level) int {
	switch l {
	case DebugLevel:
		return 0
	case InfoLevel:
		return 1
	case WarnLevel:
		return 2
	case ErrorLevel:
		return 3
	default:
		return 1
	}
}

// Fields is a structured payload attached to one log record; it is
// passed through RedactValue before being written.
type Fields map[string]any

func (l *Logger) Debug(msg string, fields Fields) { l.log(DebugLevel, msg, fields, nil) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(InfoLevel, msg, fields, nil) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(WarnLevel, msg, fields, nil) }
func (l *Logger) Error(msg string, err error, fields Fields) {
	l.log(ErrorLevel, msg, fields, err)
}

func (l *Logger) log(level Level, msg string, fields Fields, err error) {
	if !l.enabled(level) {
		return
	}
	var ev *zerolog.Event
	switch level {
	case DebugLevel:
		ev = l.z.Debug()
	case WarnLevel:
		ev = l.z.Warn()
	case ErrorLevel:
		ev = l.z.Error()
	default:
		ev = l.z.Info()
	}

	redacted, _ := RedactValue(map[string]any(fields)).(map[string]any)
	for k, v := range redacted {
		ev = ev.Interface(k, v)
	}
	if err != nil {
		ev = ev.Fields(map[string]any{"error": RedactValue(ExpandError(err))})
	}
	ev.Msg(l.prefix() + " " + msg)
}

// ExpandError turns an error into name/message (and stack-as-lines when
// the error carries a stack) plus any additional structured properties carried by a *bxerrors.Error-shaped
// value (duck-typed via the errorProperties interface so this package
// doesn't need to import bxerrors).
func ExpandError(err error) map[string]any {
	out := map[string]any{
		"message": err.Error(),
		"name":    "error",
	}
	var withProps errorProperties
	if errors.As(err, &withProps) {
		props := withProps.LogProperties()
		for k, v := range props {
			out[k] = v
		}
		if kind, ok := props["kind"].(string); ok && kind != "" {
			out["name"] = kind
		}
	}
	return out
}

// errorProperties lets richer error types (bxerrors.Error) surface
// extra structured fields without this package depending on them. Its
// LogProperties map is expected to carry a "kind" entry naming the
// error's failure class, which becomes the expanded record's "name".
type errorProperties interface {
	error
	LogProperties() map[string]any
}
