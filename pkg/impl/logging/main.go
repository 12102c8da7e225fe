package logging

import (
	"fmt"
	"os"

	"github.com/mykube-run/sluice/pkg/types"
	"github.com/rs/zerolog"
)

type defaultLogger struct {
	lg *zerolog.Logger
}

// NewDefaultLogger wraps lg as types.Logger, a timestamped stdout logger is used when lg is nil
func NewDefaultLogger(lg *zerolog.Logger) types.Logger {
	if lg == nil {
		tmp := zerolog.New(os.Stdout).With().Timestamp().Logger()
		return &defaultLogger{lg: &tmp}
	}
	return &defaultLogger{lg: lg}
}

// NewNopLogger returns a logger discarding everything, mostly used in tests
func NewNopLogger() types.Logger {
	tmp := zerolog.Nop()
	return &defaultLogger{lg: &tmp}
}

func (d *defaultLogger) Log(lvl types.Level, keyvals ...interface{}) {
	if len(keyvals)%2 != 0 {
		d.lg.Warn().Str("keyvals", fmt.Sprintf("%+v", keyvals)).Msg("key-value cannot be paired")
		return
	}

	var (
		pairs = len(keyvals) / 2
		msg   string
	)
	event := d.lg.WithLevel(toZerologLevel(lvl))
	for i := 0; i < pairs; i++ {
		key, ok := keyvals[i*2].(string)
		if !ok {
			d.lg.Warn().Str("keyvals", fmt.Sprintf("%+v", keyvals)).Msg("key must be string")
			return
		}
		val := keyvals[i*2+1]
		switch key {
		case "message", "msg":
			msg = fmt.Sprint(val)
		case "error", "err":
			if e, ok := val.(error); ok {
				event = event.Err(e)
			} else {
				event = event.Interface(zerolog.ErrorFieldName, val)
			}
		default:
			event = event.Interface(key, val)
		}
	}
	event.Msg(msg)
}

func toZerologLevel(lvl types.Level) zerolog.Level {
	switch lvl {
	case types.LevelTrace:
		return zerolog.TraceLevel
	case types.LevelDebug:
		return zerolog.DebugLevel
	case types.LevelInfo:
		return zerolog.InfoLevel
	case types.LevelWarn:
		return zerolog.WarnLevel
	case types.LevelError:
		return zerolog.ErrorLevel
	case types.LevelFatal:
		// Fatal is logged at error level, callers decide whether to exit
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
