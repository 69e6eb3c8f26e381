package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names. PORT through CONFLICTS_DIR are the worker
// variables a supervisor injects into spawned processes; FILEHAVEN_CONFIG
// relocates the config file itself.
const (
	EnvConfig       = "FILEHAVEN_CONFIG"
	EnvPort         = "PORT"
	EnvHost         = "HOST"
	EnvStorageRoot  = "SHARED_STORAGE_ROOT"
	EnvFilesDir     = "FILES_DIR"
	EnvVersionsDir  = "VERSIONS_DIR"
	EnvMetadataDir  = "METADATA_DIR"
	EnvChunksDir    = "CHUNKS_DIR"
	EnvConflictsDir = "CONFLICTS_DIR"
)

// EnvOverrides holds raw values read from the environment. Empty string
// means unset.
type EnvOverrides struct {
	ConfigPath   string
	Port         string
	Host         string
	StorageRoot  string
	FilesDir     string
	VersionsDir  string
	MetadataDir  string
	ChunksDir    string
	ConflictsDir string
}

// ReadEnvOverrides reads the recognized environment variables. It does not
// modify any Config; callers apply them with ApplyEnv.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		Port:         os.Getenv(EnvPort),
		Host:         os.Getenv(EnvHost),
		StorageRoot:  os.Getenv(EnvStorageRoot),
		FilesDir:     os.Getenv(EnvFilesDir),
		VersionsDir:  os.Getenv(EnvVersionsDir),
		MetadataDir:  os.Getenv(EnvMetadataDir),
		ChunksDir:    os.Getenv(EnvChunksDir),
		ConflictsDir: os.Getenv(EnvConflictsDir),
	}
}

// ApplyEnv overlays the environment values onto cfg. A malformed PORT is an
// error rather than a silent fallback: a worker listening on the wrong port
// is invisible to its supervisor.
func ApplyEnv(cfg *Config, env EnvOverrides) error {
	if env.Port != "" {
		port, err := strconv.Atoi(env.Port)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a port number: %w", EnvPort, env.Port, err)
		}

		cfg.Server.Port = port
	}

	if env.Host != "" {
		cfg.Server.Host = env.Host
	}

	if env.StorageRoot != "" {
		cfg.Server.StorageRoot = env.StorageRoot
	}

	if env.FilesDir != "" {
		cfg.Server.FilesDir = env.FilesDir
	}

	if env.VersionsDir != "" {
		cfg.Server.VersionsDir = env.VersionsDir
	}

	if env.MetadataDir != "" {
		cfg.Server.MetadataDir = env.MetadataDir
	}

	if env.ChunksDir != "" {
		cfg.Server.ChunksDir = env.ChunksDir
	}

	if env.ConflictsDir != "" {
		cfg.Server.ConflictsDir = env.ConflictsDir
	}

	return nil
}
