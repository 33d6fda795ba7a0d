package config

import (
	"runtime"
	"time"
)

const (
	// Default number of parsed rows buffered before a bulk append is issued.
	DefaultBatchSize = 10000

	// Default chunk size offered to upload clients.
	DefaultChunkSize = 5 * 1024 * 1024

	// Sessions older than this are eligible for removal by the sweep.
	DefaultSessionMaxAge = time.Hour

	// How many representative error strings the terminal progress event carries.
	DefaultErrorSampleSize = 20
)

var (
	// Default number of workers for sweep-time staging cleanup.
	DefaultCleanupWorkers = runtime.NumCPU()
)

// Config holds application settings
type Config struct {
	StagingDir      string // root for chunk-upload staging directories
	WorkDir         string // root for per-import extraction directories
	DbPath          string
	BatchSize       int
	SessionMaxAge   time.Duration
	CleanupWorkers  int
	ErrorSampleSize int
}

// Add functions here later to load config from file, flags, or env vars
