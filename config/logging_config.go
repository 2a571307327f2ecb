package config

import "github.com/grasevski/amqpcli/logger"

// LoggingConfig tunes what the connection logs and where the log lines go.
type LoggingConfig struct {
	// HeartbeatLogging enables a debug line for every heartbeat frame sent
	// or received. Off by default; a quiet connection heartbeats forever.
	HeartbeatLogging bool

	// DisableLogging suppresses the connection's own console output
	// entirely. Ignored when a CustomLogger is set.
	DisableLogging bool

	// CustomLogger receives every log call instead of the console writer.
	// Unlike the console path it is not gated by AMQP_DEBUG or
	// DisableLogging; filtering is the implementation's business.
	CustomLogger logger.Logger
}
