package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions
// because a silently ignored typo leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config with all defaults. Supports running without any config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// DefaultConfigPath is the platform config file location,
// e.g. ~/.config/filehaven/config.toml on Linux.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}

	return filepath.Join(base, "filehaven", "config.toml")
}

// knownKeys are all valid dotted key paths in the config file.
var knownKeys = map[string]bool{
	"server.host": true, "server.port": true, "server.storage_root": true,
	"server.files_dir": true, "server.versions_dir": true, "server.metadata_dir": true,
	"server.chunks_dir": true, "server.conflicts_dir": true, "server.max_upload": true,
	"supervisor.min_instances": true, "supervisor.max_instances": true,
	"supervisor.base_port": true, "supervisor.health_interval": true,
	"supervisor.unhealthy_after": true, "supervisor.spawn_stagger": true,
	"supervisor.shutdown_grace": true,
	"client.folder":             true, "client.server_url": true,
	"client.client_name": true, "client.poll_interval": true,
	"logging.log_level": true, "logging.log_format": true,
}

// knownKeysList is the sorted slice form for deterministic suggestions.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// maxSuggestionDistance caps the edit distance for "did you mean?".
const maxSuggestionDistance = 3

// checkUnknownKeys inspects TOML metadata for undecoded keys and reports
// each with its closest known key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		name := key.String()

		msg := fmt.Sprintf("config: unknown key %q", name)
		if suggestion := closestKey(name); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}

		errs = append(errs, errors.New(msg))
	}

	return errors.Join(errs...)
}

func closestKey(name string) string {
	best := ""
	bestDist := maxSuggestionDistance + 1

	for _, candidate := range knownKeysList {
		if d := editDistance(strings.ToLower(name), candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}

	return best
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
