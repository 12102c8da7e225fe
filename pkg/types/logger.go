package types

// Level is the log level understood by Logger
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "info"
	}
}

// Logger logs key-value pairs, e.g. lg.Log(LevelInfo, "taskId", 1, "message", "task started")
type Logger interface {
	Log(lvl Level, keyvals ...interface{})
}
