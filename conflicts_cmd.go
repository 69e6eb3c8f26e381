package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/api"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded conflicts",
		Args:  cobra.NoArgs,
		RunE:  runConflicts,
	}

	cmd.AddCommand(newResolveCmd())

	return cmd
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Mark a conflict resolved",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}

	cmd.Flags().String("method", "acknowledge", "resolution method to record")
	cmd.Flags().Int("keep-version", 0, "version kept, when applicable")
	cmd.Flags().String("client", "", "client whose copy was kept, when applicable")

	return cmd
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	conflicts, err := apiClient().ListConflicts(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if flagJSON {
		return printJSON(conflicts)
	}

	if len(conflicts) == 0 {
		statusf("No conflicts\n")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		winner := ""
		if c.Winner != nil {
			winner = c.Winner.ClientID
		}

		rows = append(rows, []string{
			c.ID,
			c.FileName,
			c.ConflictType,
			winner,
			fmt.Sprintf("%d", len(c.Losers)),
			c.Status,
			formatTime(c.Timestamp),
		})
	}

	printTable(os.Stdout, []string{"ID", "FILE", "TYPE", "WINNER", "LOSERS", "STATUS", "WHEN"}, rows)

	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	id := args[0]

	method, err := cmd.Flags().GetString("method")
	if err != nil {
		return err
	}

	keepVersion, err := cmd.Flags().GetInt("keep-version")
	if err != nil {
		return err
	}

	client, err := cmd.Flags().GetString("client")
	if err != nil {
		return err
	}

	res := api.Resolution{
		Method:      method,
		KeepVersion: keepVersion,
		ClientID:    client,
	}

	if err := apiClient().ResolveConflict(cmd.Context(), id, res); err != nil {
		return fmt.Errorf("resolving conflict %s: %w", id, err)
	}

	statusf("Resolved conflict %s\n", id)

	return nil
}
