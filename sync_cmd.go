package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/config"
	syncengine "github.com/filehaven/filehaven/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the client sync daemon",
		Long: `Watch a local folder and keep it synchronized with the server: local
changes are uploaded, server changes downloaded, and conflicts resolved
by the server's earliest-wins rule. Offline changes are queued and
flushed when the server comes back.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().String("folder", "", "local folder to synchronize")
	cmd.Flags().String("name", "", "client name (stable identity for conflict attribution)")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	folder, err := cmd.Flags().GetString("folder")
	if err != nil {
		return err
	}

	if folder == "" {
		folder = cfg.Client.Folder
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	if name == "" {
		name = cfg.Client.ClientName
	}

	server := serverURL()

	// Interactive fill-in for anything still missing.
	reader := bufio.NewReader(os.Stdin)

	if flagServer == "" && cfg.Client.ServerURL == "" {
		server, err = prompt(reader, "Server address", server)
		if err != nil {
			return err
		}
	}

	if name == "" {
		fallback, _ := os.Hostname()

		name, err = prompt(reader, "Client name", fallback)
		if err != nil {
			return err
		}
	}

	if folder == "" {
		return fmt.Errorf("no sync folder configured (use --folder or set client.folder)")
	}

	folder, err = filepath.Abs(folder)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("creating sync folder: %w", err)
	}

	// One daemon per folder.
	cleanup, err := writePIDFile(filepath.Join(folder, ".filehaven", "sync.pid"))
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := syncengine.New(syncengine.Config{
		Folder:       folder,
		ServerURL:    server,
		ClientName:   name,
		PollInterval: config.Duration(cfg.Client.PollInterval, syncengine.DefaultPollInterval),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	statusf("Syncing %s with %s as %q\n", folder, server, name)

	ctx := shutdownContext(cmd.Context(), logger)

	return engine.Run(ctx)
}

// prompt asks for one value on the terminal, offering a default.
func prompt(reader *bufio.Reader, label, fallback string) (string, error) {
	if fallback != "" {
		fmt.Fprintf(os.Stderr, "%s [%s]: ", label, fallback)
	} else {
		fmt.Fprintf(os.Stderr, "%s: ", label)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		if fallback == "" {
			return "", fmt.Errorf("%s is required", strings.ToLower(label))
		}

		return fallback, nil
	}

	return line, nil
}
