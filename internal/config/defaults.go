package config

import "path/filepath"

// Default values. They work out of the box for a single-machine setup: one
// supervisor on 8080 with two workers over ./data.
const (
	defaultHost           = "0.0.0.0"
	defaultPort           = 8080
	defaultStorageRoot    = "./data"
	defaultMaxUpload      = "100MiB"
	defaultMinInstances   = 2
	defaultMaxInstances   = 2
	defaultHealthInterval = "5s"
	defaultUnhealthyAfter = "30s"
	defaultSpawnStagger   = "2s"
	defaultShutdownGrace  = "5s"
	defaultPollInterval   = "2s"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields keep their defaults,
// and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        defaultHost,
			Port:        defaultPort,
			StorageRoot: defaultStorageRoot,
			MaxUpload:   defaultMaxUpload,
		},
		Supervisor: SupervisorConfig{
			MinInstances:   defaultMinInstances,
			MaxInstances:   defaultMaxInstances,
			HealthInterval: defaultHealthInterval,
			UnhealthyAfter: defaultUnhealthyAfter,
			SpawnStagger:   defaultSpawnStagger,
			ShutdownGrace:  defaultShutdownGrace,
		},
		Client: ClientConfig{
			PollInterval: defaultPollInterval,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

// Dirs resolves the worker storage layout: explicit per-directory overrides
// win, everything else is laid out under storage_root.
func (s ServerConfig) Dirs() StorageDirs {
	root := s.StorageRoot
	if root == "" {
		root = defaultStorageRoot
	}

	pick := func(override string, parts ...string) string {
		if override != "" {
			return override
		}

		return filepath.Join(append([]string{root}, parts...)...)
	}

	return StorageDirs{
		Files:     pick(s.FilesDir, "files"),
		Versions:  pick(s.VersionsDir, "versions"),
		Metadata:  pick(s.MetadataDir, "metadata", "files"),
		Chunks:    pick(s.ChunksDir, "chunks"),
		Conflicts: pick(s.ConflictsDir, "metadata", "conflicts"),
	}
}

// MaxUploadBytes returns the parsed upload body cap in bytes; 0 means the
// server default.
func (s ServerConfig) MaxUploadBytes() (int64, error) {
	return ParseSize(s.MaxUpload)
}
