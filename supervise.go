package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/config"
	"github.com/filehaven/filehaven/internal/supervisor"
)

func newSuperviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the supervisor with a pool of workers",
		Long: `Run the load-balancing supervisor. It spawns filehaven serve worker
processes on consecutive ports, dispatches requests round-robin over the
healthy ones, and replaces workers that crash or stop answering health
checks.`,
		Args: cobra.NoArgs,
		RunE: runSupervise,
	}

	cmd.Flags().Int("port", 0, "public listener port (overrides config)")
	cmd.Flags().Int("instances", 0, "number of workers (overrides config min/max)")

	return cmd
}

func runSupervise(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}

	proxyPort := cfg.Server.Port
	if flagPort, ferr := cmd.Flags().GetInt("port"); ferr == nil && flagPort != 0 {
		proxyPort = flagPort
	}

	minInstances := cfg.Supervisor.MinInstances
	maxInstances := cfg.Supervisor.MaxInstances

	if n, ferr := cmd.Flags().GetInt("instances"); ferr == nil && n > 0 {
		minInstances, maxInstances = n, n
	}

	extraEnv := workerEnv(cfg)

	sup, err := supervisor.New(supervisor.Config{
		BindAddress:    cfg.Server.Host,
		ProxyPort:      proxyPort,
		BasePort:       cfg.Supervisor.BasePort,
		MinInstances:   minInstances,
		MaxInstances:   maxInstances,
		StorageRoot:    cfg.Server.StorageRoot,
		HealthInterval: config.Duration(cfg.Supervisor.HealthInterval, supervisor.DefaultHealthInterval),
		UnhealthyAfter: config.Duration(cfg.Supervisor.UnhealthyAfter, supervisor.DefaultUnhealthyAfter),
		SpawnStagger:   config.Duration(cfg.Supervisor.SpawnStagger, supervisor.DefaultSpawnStagger),
		ShutdownGrace:  config.Duration(cfg.Supervisor.ShutdownGrace, supervisor.DefaultShutdownGrace),
		Logger:         logger,
		Factory: func(id, port int) supervisor.Worker {
			return supervisor.NewProcessWorker(bin, []string{"serve"}, extraEnv, port,
				logger.With(slog.Int("worker", id)))
		},
	})
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), logger)

	return sup.Run(ctx)
}

// workerEnv builds the environment a spawned worker needs to find the shared
// storage. Workers bind localhost only; the supervisor owns the public
// address.
func workerEnv(c *config.Config) []string {
	env := []string{
		config.EnvHost + "=127.0.0.1",
		config.EnvStorageRoot + "=" + c.Server.StorageRoot,
	}

	add := func(name, value string) {
		if value != "" {
			env = append(env, name+"="+value)
		}
	}

	add(config.EnvFilesDir, c.Server.FilesDir)
	add(config.EnvVersionsDir, c.Server.VersionsDir)
	add(config.EnvMetadataDir, c.Server.MetadataDir)
	add(config.EnvChunksDir, c.Server.ChunksDir)
	add(config.EnvConflictsDir, c.Server.ConflictsDir)

	return env
}
