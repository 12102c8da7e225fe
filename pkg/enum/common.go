package enum

// KB and other size constants
const (
	KB = 1024
	MB = 1024 * KB
)

// Second and other time constants, in milliseconds
const (
	Millisecond = 1
	Second      = 1000 * Millisecond
)

// DefaultHeartbeatInterval and other defaults in milliseconds
const (
	DefaultHeartbeatInterval = 15 * Second
	DefaultReconnectTimeout  = 5 * Second
)
