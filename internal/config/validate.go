package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation ranges.
const (
	minPort      = 1
	maxPort      = 65535
	maxInstances = 32
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"auto": true, "text": true, "json": true,
}

// Validate checks all configuration values and returns every error found,
// so users can fix a broken file in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSupervisor(&cfg.Supervisor)...)
	errs = append(errs, validateClient(&cfg.Client)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Port < minPort || s.Port > maxPort {
		errs = append(errs, fmt.Errorf("server.port: must be between %d and %d, got %d",
			minPort, maxPort, s.Port))
	}

	if _, err := ParseSize(s.MaxUpload); err != nil {
		errs = append(errs, fmt.Errorf("server.max_upload: %w", err))
	}

	return errs
}

func validateSupervisor(s *SupervisorConfig) []error {
	var errs []error

	if s.MinInstances < 1 {
		errs = append(errs, fmt.Errorf("supervisor.min_instances: must be at least 1, got %d", s.MinInstances))
	}

	if s.MaxInstances < s.MinInstances {
		errs = append(errs, fmt.Errorf("supervisor.max_instances: must be at least min_instances (%d), got %d",
			s.MinInstances, s.MaxInstances))
	}

	if s.MaxInstances > maxInstances {
		errs = append(errs, fmt.Errorf("supervisor.max_instances: must be at most %d, got %d",
			maxInstances, s.MaxInstances))
	}

	if s.BasePort != 0 && (s.BasePort < minPort || s.BasePort > maxPort) {
		errs = append(errs, fmt.Errorf("supervisor.base_port: must be 0 or between %d and %d, got %d",
			minPort, maxPort, s.BasePort))
	}

	errs = append(errs, validateDuration("supervisor.health_interval", s.HealthInterval)...)
	errs = append(errs, validateDuration("supervisor.unhealthy_after", s.UnhealthyAfter)...)
	errs = append(errs, validateDuration("supervisor.spawn_stagger", s.SpawnStagger)...)
	errs = append(errs, validateDuration("supervisor.shutdown_grace", s.ShutdownGrace)...)

	return errs
}

func validateClient(c *ClientConfig) []error {
	return validateDuration("client.poll_interval", c.PollInterval)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be debug, info, warn, or error, got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be auto, text, or json, got %q", l.LogFormat))
	}

	return errs
}

func validateDuration(key, s string) []error {
	if s == "" {
		return nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", key, err)}
	}

	if d <= 0 {
		return []error{fmt.Errorf("%s: must be positive, got %s", key, s)}
	}

	return nil
}

// Duration parses a validated duration string, falling back when unset.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
