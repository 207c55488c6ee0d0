package logging

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
//
// A leading namespace prefix such as "[env] " is moved into the
// "component" field so structured sinks can filter on it.
type ZerologLogger struct {
	logger       zerolog.Logger
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewZerologLogger wraps l.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

// NewJSONLogger writes JSON lines to w at the given level, with timestamps.
func NewJSONLogger(w io.Writer, level Level) *ZerologLogger {
	l := zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger()
	return NewZerologLogger(l)
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (z *ZerologLogger) SetFatalHandler(h FatalHandler) {
	z.fatalHandler.Store(&h)
}

// Errorf implements Logger.
func (z *ZerologLogger) Errorf(format string, args ...any) {
	z.emit(z.logger.Error(), format, args)
}

// Warnf implements Logger.
func (z *ZerologLogger) Warnf(format string, args ...any) {
	z.emit(z.logger.Warn(), format, args)
}

// Infof implements Logger.
func (z *ZerologLogger) Infof(format string, args ...any) {
	z.emit(z.logger.Info(), format, args)
}

// Debugf implements Logger.
func (z *ZerologLogger) Debugf(format string, args ...any) {
	z.emit(z.logger.Debug(), format, args)
}

// Fatalf logs at error level with fatal=true and triggers the fatal handler.
// zerolog's own Fatal level exits the process, so it is not used.
func (z *ZerologLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	z.emit(z.logger.WithLevel(zerolog.ErrorLevel).Bool("fatal", true), "%s", []any{msg})
	if h := z.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

func (z *ZerologLogger) emit(e *zerolog.Event, format string, args []any) {
	if e == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if component, rest, ok := splitNamespace(msg); ok {
		e = e.Str("component", component)
		msg = rest
	}
	e.Msg(msg)
}

// splitNamespace splits "[env] message" into "env" and "message".
func splitNamespace(msg string) (component, rest string, ok bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg, false
	}
	end := strings.Index(msg, "] ")
	if end < 2 {
		return "", msg, false
	}
	return msg[1:end], msg[end+2:], true
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// Level returns the minimum level that is written.
func (z *ZerologLogger) Level() Level {
	switch z.logger.GetLevel() {
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LevelError
	case zerolog.WarnLevel:
		return LevelWarn
	case zerolog.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}
