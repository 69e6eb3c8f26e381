package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, defaultHost, cfg.Server.Host)
	assert.Equal(t, defaultMinInstances, cfg.Supervisor.MinInstances)
	assert.Equal(t, defaultLogLevel, cfg.Logging.LogLevel)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 8090
storage_root = "/srv/filehaven"
max_upload = "50MiB"

[supervisor]
min_instances = 3
max_instances = 5
health_interval = "10s"

[client]
folder = "/home/user/haven"
server_url = "http://localhost:8090"
client_name = "laptop"

[logging]
log_level = "debug"
log_format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/srv/filehaven", cfg.Server.StorageRoot)
	assert.Equal(t, 3, cfg.Supervisor.MinInstances)
	assert.Equal(t, 5, cfg.Supervisor.MaxInstances)
	assert.Equal(t, "laptop", cfg.Client.ClientName)
	assert.Equal(t, "json", cfg.Logging.LogFormat)

	bytes, err := cfg.Server.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(50<<20), bytes)
}

func TestLoadRejectsUnknownKeyWithSuggestion(t *testing.T) {
	path := writeConfig(t, `
[server]
prot = 9000
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "server.prot"`)
	assert.Contains(t, err.Error(), `did you mean "server.port"?`)
}

func TestLoadReportsAllValidationErrors(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 70000

[supervisor]
min_instances = 0
health_interval = "banana"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "supervisor.min_instances")
	assert.Contains(t, err.Error(), "supervisor.health_interval")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Server.Port)
}

func TestServerDirsLayout(t *testing.T) {
	s := ServerConfig{StorageRoot: "/srv/haven", ChunksDir: "/fast/chunks"}

	dirs := s.Dirs()
	assert.Equal(t, filepath.Join("/srv/haven", "files"), dirs.Files)
	assert.Equal(t, filepath.Join("/srv/haven", "versions"), dirs.Versions)
	assert.Equal(t, filepath.Join("/srv/haven", "metadata", "files"), dirs.Metadata)
	assert.Equal(t, filepath.Join("/srv/haven", "metadata", "conflicts"), dirs.Conflicts)
	assert.Equal(t, "/fast/chunks", dirs.Chunks)
}
