package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"s3drive/internal/app"
	"s3drive/internal/checkpoint"
	"s3drive/internal/syncer"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Back up sync folders to remote storage",
		Long: `Compare each enabled sync folder with its remote prefix and upload new or
changed files. With --watch, keep running and react to local changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			folderIDs, _ := cmd.Flags().GetInt64Slice("folder")
			refresh, _ := cmd.Flags().GetBool("refresh")
			watch, _ := cmd.Flags().GetBool("watch")
			asJSON, _ := cmd.Flags().GetBool("json")

			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				if watch {
					log.Info("Watching sync folders", zap.Int64s("folders", folderIDs))
					err := a.Reconciler().Watch(ctx, folderIDs)
					if errors.Is(err, syncer.ErrNoFolders) {
						fmt.Fprintln(cmd.OutOrStdout(), "No enabled sync folders")
						return nil
					}
					return err
				}

				ids, err := enabledFolders(ctx, a, folderIDs)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No enabled sync folders")
					return nil
				}

				var queued []string
				for _, id := range ids {
					report, err := a.Reconciler().ReconcileNow(ctx, id, refresh)
					if err != nil {
						return fmt.Errorf("folder %d: %w", id, err)
					}
					if asJSON {
						enc := json.NewEncoder(cmd.OutOrStdout())
						enc.SetIndent("", "  ")
						if err := enc.Encode(report); err != nil {
							return err
						}
					} else {
						printReport(cmd.OutOrStdout(), report)
					}
					queued = append(queued, report.Queued...)
				}
				return follow(ctx, a, queued)
			})
		},
	}
	cmd.Flags().Int64Slice("folder", nil, "Only sync these folder ids")
	cmd.Flags().Bool("refresh", false, "Ignore the cached remote listing")
	cmd.Flags().Bool("watch", false, "Keep running and sync on local changes")
	cmd.Flags().Bool("json", false, "Print reports as JSON")
	return cmd
}

// enabledFolders returns the requested folder ids, or every enabled folder
// when none were requested
func enabledFolders(ctx context.Context, a *app.App, requested []int64) ([]int64, error) {
	if len(requested) > 0 {
		return requested, nil
	}

	folders, err := a.Store().ListSyncFolders(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, f := range folders {
		if f.Enabled {
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

func printReport(out io.Writer, report *syncer.Report) {
	fmt.Fprintf(out, "Folder %d: %d scanned, %d to upload (%d already queued), %d skipped, %d conflicts, %d failed\n",
		report.FolderID,
		report.Scanned,
		report.Uploads,
		report.AlreadyQueued,
		report.Skipped,
		report.Conflicts,
		report.Failed,
	)
	for _, action := range report.Actions {
		if action.Kind == syncer.ActionSkip {
			continue
		}
		fmt.Fprintf(out, "  %-8s %s (%s, %s)\n",
			action.Kind, action.RelPath, humanize.IBytes(uint64(action.Size)), action.Reason)
	}
}

func foldersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Manage sync folders",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <local-dir> <remote-prefix>",
			Short: "Back up a local directory under a remote prefix",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				localPath, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					folder, err := a.Store().AddSyncFolder(ctx, localPath, syncer.NormalizePrefix(args[1]))
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Added folder %d: %s -> %s\n",
						folder.ID, folder.LocalPath, folder.RemotePrefix)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List sync folders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					folders, err := a.Store().ListSyncFolders(ctx)
					if err != nil {
						return err
					}
					if len(folders) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No sync folders")
						return nil
					}

					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tLOCAL PATH\tREMOTE PREFIX\tENABLED\tLAST SYNC")
					for _, f := range folders {
						lastSync := "never"
						if !f.LastSyncAt.IsZero() {
							lastSync = humanize.Time(f.LastSyncAt)
						}
						fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", f.ID, f.LocalPath, f.RemotePrefix, f.Enabled, lastSync)
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "rm <folder-id>",
			Short: "Stop backing up a folder and forget its sync state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseFolderID(args[0])
				if err != nil {
					return err
				}
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					return a.Store().RemoveSyncFolder(ctx, id)
				})
			},
		},
		folderToggleCmd("enable", "Resume backing up a folder", true),
		folderToggleCmd("disable", "Pause backing up a folder", false),
		&cobra.Command{
			Use:   "export [file]",
			Short: "Write sync folders as JSON to a file or stdout",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					if len(args) == 0 {
						return exportFolders(ctx, a.Store(), cmd.OutOrStdout())
					}

					f, err := os.Create(args[0])
					if err != nil {
						return err
					}
					if err := exportFolders(ctx, a.Store(), f); err != nil {
						f.Close()
						return err
					}
					return f.Close()
				})
			},
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Add sync folders from a JSON export",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					f, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer f.Close()

					added, err := importFolders(ctx, a.Store(), f)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Imported %d folders\n", added)
					return nil
				})
			},
		},
	)
	return cmd
}

// folderExport is the portable form of a sync folder
type folderExport struct {
	LocalPath    string `json:"local_path"`
	RemotePrefix string `json:"remote_prefix"`
	Enabled      bool   `json:"enabled"`
}

func exportFolders(ctx context.Context, store checkpoint.SyncStore, out io.Writer) error {
	folders, err := store.ListSyncFolders(ctx)
	if err != nil {
		return err
	}

	exported := make([]folderExport, 0, len(folders))
	for _, f := range folders {
		exported = append(exported, folderExport{
			LocalPath:    f.LocalPath,
			RemotePrefix: f.RemotePrefix,
			Enabled:      f.Enabled,
		})
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(exported)
}

// importFolders adds the exported folders that are not configured yet and
// returns how many were added
func importFolders(ctx context.Context, store checkpoint.SyncStore, in io.Reader) (int, error) {
	var imported []folderExport
	if err := json.NewDecoder(in).Decode(&imported); err != nil {
		return 0, fmt.Errorf("invalid folder export: %w", err)
	}

	existing, err := store.ListSyncFolders(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.LocalPath] = true
	}

	added := 0
	for _, f := range imported {
		if f.LocalPath == "" || known[f.LocalPath] {
			continue
		}
		folder, err := store.AddSyncFolder(ctx, f.LocalPath, syncer.NormalizePrefix(f.RemotePrefix))
		if err != nil {
			return added, fmt.Errorf("failed to add %s: %w", f.LocalPath, err)
		}
		if !f.Enabled {
			if err := store.SetSyncFolderEnabled(ctx, folder.ID, false); err != nil {
				return added, err
			}
		}
		known[f.LocalPath] = true
		added++
	}
	return added, nil
}

func folderToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <folder-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFolderID(args[0])
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				return a.Store().SetSyncFolderEnabled(ctx, id, enabled)
			})
		},
	}
}

func parseFolderID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid folder id %q", s)
	}
	return id, nil
}
