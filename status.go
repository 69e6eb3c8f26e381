package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/supervisor"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor and worker pool status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	url := serverURL() + "/supervisor/status"

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := defaultHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("reaching supervisor at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor status returned HTTP %d (is %s a supervisor?)", resp.StatusCode, serverURL())
	}

	var status supervisor.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding supervisor status: %w", err)
	}

	if flagJSON {
		return printJSON(status)
	}

	fmt.Printf("Proxy:    %s:%d\n", status.BindAddress, status.ProxyPort)
	fmt.Printf("Storage:  %s\n", status.SharedStorageRoot)
	fmt.Printf("Workers:  %d healthy / %d total\n\n", status.HealthyServers, status.TotalServers)

	rows := make([][]string, 0, len(status.Servers))
	for _, w := range status.Servers {
		health := "healthy"
		if !w.Healthy {
			health = "unhealthy"
		}

		rows = append(rows, []string{
			fmt.Sprintf("%d", w.ID),
			fmt.Sprintf("%d", w.Port),
			health,
			formatTime(w.StartedAt),
			formatTime(w.LastHealthCheckAt),
		})
	}

	printTable(os.Stdout, []string{"ID", "PORT", "HEALTH", "STARTED", "LAST CHECK"}, rows)

	return nil
}
