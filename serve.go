package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/server"
)

// serveShutdownGrace bounds how long an exiting worker waits for in-flight
// requests.
const serveShutdownGrace = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one storage worker",
		Long: `Run a single worker serving the file API over the configured storage
directories. A supervisor spawns these with PORT and the storage
environment set; run it directly for a single-instance setup.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().Int("port", 0, "listen port (overrides config and PORT)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	port := cfg.Server.Port
	if flagPort, err := cmd.Flags().GetInt("port"); err == nil && flagPort != 0 {
		port = flagPort
	}

	maxUpload, err := cfg.Server.MaxUploadBytes()
	if err != nil {
		return err
	}

	dirs := cfg.Server.Dirs()

	srv, err := server.New(server.Dirs{
		Files:     dirs.Files,
		Versions:  dirs.Versions,
		Metadata:  dirs.Metadata,
		Chunks:    dirs.Chunks,
		Conflicts: dirs.Conflicts,
	}, server.Options{
		MaxUploadBytes: maxUpload,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", port))
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	ctx := shutdownContext(cmd.Context(), logger)

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	logger.Info("worker listening",
		"addr", addr,
		"storage_root", cfg.Server.StorageRoot,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
		defer cancel()

		return httpSrv.Shutdown(shutdownCtx)

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("worker listener: %w", err)
	}
}
