package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/fileid"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List files on the server",
		Args:  cobra.NoArgs,
		RunE:  runLs,
	}
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}

	cmd.Flags().IntP("version", "V", 0, "download a specific version instead of the current one")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> [name]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}

	cmd.Flags().String("name", "", "client name used for conflict attribution")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a file (version history is preserved)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old-name> <new-name>",
		Short: "Rename a file and its history",
		Args:  cobra.ExactArgs(2),
		RunE:  runMv,
	}
}

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <name>",
		Short: "List a file's version history",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersions,
	}
}

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <name> <version>",
		Short: "Restore an old version as a new current version",
		Args:  cobra.ExactArgs(2),
		RunE:  runRestore,
	}

	cmd.Flags().String("name", "", "client name used for conflict attribution")

	return cmd
}

func runLs(cmd *cobra.Command, _ []string) error {
	files, err := apiClient().ListFiles(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}

	if flagJSON {
		return printJSON(files)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{
			f.Name,
			formatSize(f.Size),
			fmt.Sprintf("v%d", f.Version),
			fmt.Sprintf("%d", f.TotalVersions),
			formatTime(f.LastModified),
		})
	}

	printTable(os.Stdout, []string{"NAME", "SIZE", "CURRENT", "VERSIONS", "MODIFIED"}, rows)

	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := cmd.Context()
	client := apiClient()

	version, err := cmd.Flags().GetInt("version")
	if err != nil {
		return err
	}

	var (
		blob     []byte
		modified time.Time
	)

	if version > 0 {
		blob, err = client.DownloadVersion(ctx, name, version)
	} else {
		blob, modified, err = client.Download(ctx, name)
	}

	if err != nil {
		return fmt.Errorf("downloading %q: %w", name, err)
	}

	localPath := name
	if len(args) > 1 {
		localPath = args[1]
	}

	if err := os.WriteFile(localPath, blob, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", localPath, err)
	}

	if !modified.IsZero() {
		_ = os.Chtimes(localPath, modified, modified)
	}

	statusf("Downloaded %s (%s)\n", localPath, formatSize(int64(len(blob))))

	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	ctx := cmd.Context()

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	name := filepath.Base(localPath)
	if len(args) > 1 {
		name = args[1]
	}

	clientID, err := putClientID(cmd)
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading local file: %w", err)
	}

	client := apiClient()

	var result *api.UploadResult
	if len(blob) > api.ChunkSize {
		result, err = client.ChunkedUpload(ctx, name, clientID, blob, info.ModTime())
	} else {
		result, err = client.SafeUpload(ctx, name, clientID, blob, info.ModTime())
	}

	if err != nil {
		var conflictErr *api.ConflictError
		if errors.As(err, &conflictErr) {
			return fmt.Errorf("upload lost a conflict to client %s; your content was preserved as %q",
				conflictErr.WinnerClientID, conflictErr.ConflictFileName)
		}

		return fmt.Errorf("uploading %q: %w", name, err)
	}

	if flagJSON {
		return printJSON(result)
	}

	if result.Duplicate {
		statusf("%s is already up to date\n", name)
		return nil
	}

	statusf("Uploaded %s as version %d (%s)\n", name, result.Version, formatSize(int64(len(blob))))

	return nil
}

// putClientID derives the stable client id for one-off uploads: the --name
// flag, then the configured client name, then the hostname.
func putClientID(cmd *cobra.Command) (string, error) {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return "", err
	}

	if name == "" {
		name = cfg.Client.ClientName
	}

	if name == "" {
		name, err = os.Hostname()
		if err != nil {
			return "", fmt.Errorf("determining client name: %w", err)
		}
	}

	return fileid.ClientID(name)
}

func runRm(cmd *cobra.Command, args []string) error {
	name := args[0]

	if err := apiClient().Delete(cmd.Context(), name); err != nil {
		return fmt.Errorf("deleting %q: %w", name, err)
	}

	statusf("Deleted %s\n", name)

	return nil
}

func runMv(cmd *cobra.Command, args []string) error {
	oldName, newName := args[0], args[1]

	if err := apiClient().Rename(cmd.Context(), oldName, newName); err != nil {
		return fmt.Errorf("renaming %q: %w", oldName, err)
	}

	statusf("Renamed %s to %s\n", oldName, newName)

	return nil
}

func runVersions(cmd *cobra.Command, args []string) error {
	name := args[0]

	versions, err := apiClient().ListVersions(cmd.Context(), name)
	if err != nil {
		return fmt.Errorf("listing versions of %q: %w", name, err)
	}

	if flagJSON {
		return printJSON(versions)
	}

	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		restored := ""
		if v.RestoredFrom > 0 {
			restored = fmt.Sprintf("restored from v%d", v.RestoredFrom)
		}

		rows = append(rows, []string{
			fmt.Sprintf("v%d", v.Version),
			formatSize(v.Size),
			v.ClientID,
			formatTime(v.LastModified),
			restored,
		})
	}

	printTable(os.Stdout, []string{"VERSION", "SIZE", "CLIENT", "MODIFIED", "NOTE"}, rows)

	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	name := args[0]

	var version int
	if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil || version < 1 {
		return fmt.Errorf("invalid version %q", args[1])
	}

	clientID, err := putClientID(cmd)
	if err != nil {
		return err
	}

	result, err := apiClient().Restore(cmd.Context(), name, version, clientID)
	if err != nil {
		return fmt.Errorf("restoring %q version %d: %w", name, version, err)
	}

	if flagJSON {
		return printJSON(result)
	}

	statusf("Restored %s v%d as new version %d\n", name, version, result.Version)

	return nil
}
