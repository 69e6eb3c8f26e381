// Package config implements TOML configuration loading, validation, and
// environment overrides for filehaven. Precedence is defaults -> config
// file -> environment -> CLI flags; the worker environment variables exist
// so a supervisor can point spawned workers at the shared storage without
// writing per-worker config files.
package config

// Config is the top-level structure parsed from a TOML file. Every section
// is optional; unset fields keep their defaults.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Client     ClientConfig     `toml:"client"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig controls one worker: listen address and storage layout.
// The *_dir fields override individual directories; anything left empty is
// derived from storage_root.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	StorageRoot  string `toml:"storage_root"`
	FilesDir     string `toml:"files_dir"`
	VersionsDir  string `toml:"versions_dir"`
	MetadataDir  string `toml:"metadata_dir"`
	ChunksDir    string `toml:"chunks_dir"`
	ConflictsDir string `toml:"conflicts_dir"`
	MaxUpload    string `toml:"max_upload"`
}

// SupervisorConfig controls the worker pool. base_port 0 means proxy port
// plus one.
type SupervisorConfig struct {
	MinInstances   int    `toml:"min_instances"`
	MaxInstances   int    `toml:"max_instances"`
	BasePort       int    `toml:"base_port"`
	HealthInterval string `toml:"health_interval"`
	UnhealthyAfter string `toml:"unhealthy_after"`
	SpawnStagger   string `toml:"spawn_stagger"`
	ShutdownGrace  string `toml:"shutdown_grace"`
}

// ClientConfig controls the sync daemon.
type ClientConfig struct {
	Folder       string `toml:"folder"`
	ServerURL    string `toml:"server_url"`
	ClientName   string `toml:"client_name"`
	PollInterval string `toml:"poll_interval"`
}

// LoggingConfig controls log output. log_format "auto" picks text on a TTY
// and JSON otherwise.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// StorageDirs is the resolved on-disk layout a worker operates on.
type StorageDirs struct {
	Files     string
	Versions  string
	Metadata  string
	Chunks    string
	Conflicts string
}
