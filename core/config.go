package core

import "path/filepath"

// DefaultLowMemoryThreshold is the model-size to system-memory ratio above
// which low-memory mode is enabled. Leaves headroom for the OS and other
// processes.
const DefaultLowMemoryThreshold = 0.75

// Config holds ambient configuration loaded from the environment.
// Request parameters (model, prompt, dimensions, ...) come from CLI flags,
// not from here.
type Config struct {
	// DevMode enables colored human-readable console logging and the
	// stderr failure banner.
	DevMode bool

	// LogFile is the path to the rotating log file.
	LogFile string

	// DataDir is the directory for the run-history database.
	DataDir string

	// HistoryEnabled controls whether completed runs are recorded in the
	// SQLite run ledger. Recording is always best-effort.
	HistoryEnabled bool

	// LowMemoryThreshold is the modelBytes/systemBytes ratio that flips
	// low-memory mode on. Overridable for constrained hosts.
	LowMemoryThreshold float64

	// PipelineAliasPath optionally names a YAML file extending the built-in
	// pipeline class alias table.
	PipelineAliasPath string
}

// LoadConfig reads ambient configuration from environment variables,
// applying defaults for anything unset. It never fails: bad values fall
// back to defaults.
func LoadConfig() Config {
	dataDir := GetEnvOrDefault("SDGEN_DATA_DIR", GetDataDirectory())
	return Config{
		DevMode:            ParseBoolEnv("SDGEN_DEV_MODE", false),
		LogFile:            GetEnvOrDefault("SDGEN_LOG_FILE", filepath.Join(dataDir, "sdgen.log")),
		DataDir:            dataDir,
		HistoryEnabled:     ParseBoolEnv("SDGEN_HISTORY", true),
		LowMemoryThreshold: ParseFloat64Env("SDGEN_LOW_MEMORY_THRESHOLD", DefaultLowMemoryThreshold),
		PipelineAliasPath:  GetEnvOrDefault("SDGEN_PIPELINE_ALIASES", ""),
	}
}
