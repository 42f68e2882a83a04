package config

import "time"

// Application constants
const (
	AppName   = "cyclerdata"
	EnvPrefix = "CYCLER"

	// Decoding
	DefaultGapTolerance = 0
	DefaultConcurrency  = 4

	// Remote sources
	DefaultRemoteTimeout = 30 * time.Second
	DefaultChunkSize     = 1000

	// HTTP
	DefaultArchiveDir = "data"
	DefaultRateLimit  = 50 // requests per second
	DefaultBurstSize  = 100

	// Log Settings
	DefaultLogLevel   = "info"
	MaxLogFileSizeMB  = 100
	MaxLogFileAge     = 30 // days
	MaxLogFileBackups = 10
)
