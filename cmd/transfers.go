package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"s3drive/internal/app"
	"s3drive/internal/engine"
	"s3drive/internal/progress"
	"s3drive/internal/storage"
	"s3drive/internal/syncer"
)

// follow shows progress for ids until they stop running
func follow(ctx context.Context, a *app.App, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if display := a.NewDisplay(os.Stdout); display != nil {
		display.Start()
		defer display.Stop()
	}
	return a.WaitAll(ctx, ids)
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <local-file> [remote-key]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			detach, _ := cmd.Flags().GetBool("detach")
			key := filepath.Base(args[0])
			if len(args) == 2 {
				key = args[1]
			}

			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				id, err := a.Engine().StartUpload(ctx, args[0], key)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				if detach {
					return nil
				}
				return follow(ctx, a, []string{id})
			})
		},
	}
	cmd.Flags().Bool("detach", false, detachUsage)
	return cmd
}

const detachUsage = "Queue the transfer without running it; start it later with 'resume'"

func startOptions(detach bool) []engine.StartOption {
	if detach {
		return []engine.StartOption{engine.WithQueueOnly()}
	}
	return nil
}

func downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <remote-key> [local-file]",
		Short: "Download an object, or every object under a prefix with --recursive",
		Long: `Download an object to a local file. With --recursive the first argument is
a prefix and the second a local directory; every object under the prefix is
downloaded to the matching path inside it. Folder markers and empty objects
are skipped.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			detach, _ := cmd.Flags().GetBool("detach")
			recursive, _ := cmd.Flags().GetBool("recursive")

			if recursive {
				dir := "."
				if len(args) == 2 {
					dir = args[1]
				}
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					targets, err := downloadTargets(ctx, a.Client(), args[0], dir)
					if err != nil {
						return err
					}
					if len(targets) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No objects to download")
						return nil
					}

					ids := make([]string, 0, len(targets))
					for _, target := range targets {
						if err := os.MkdirAll(filepath.Dir(target.Path), 0o755); err != nil {
							return err
						}
						id, err := a.Engine().StartDownload(ctx, target.Key, target.Path, startOptions(detach)...)
						if err != nil {
							return fmt.Errorf("failed to start download of %s: %w", target.Key, err)
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, target.Key)
						ids = append(ids, id)
					}
					if detach {
						return nil
					}
					return follow(ctx, a, ids)
				})
			}

			local := path.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}

			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				id, err := a.Engine().StartDownload(ctx, args[0], local, startOptions(detach)...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				if detach {
					return nil
				}
				return follow(ctx, a, []string{id})
			})
		},
	}
	cmd.Flags().Bool("detach", false, detachUsage)
	cmd.Flags().BoolP("recursive", "r", false, "Download every object under a prefix into a directory")
	return cmd
}

// downloadTarget is one object of a recursive download and where it lands
type downloadTarget struct {
	Key  string
	Path string
}

// downloadTargets maps every object under prefix to a path inside dir. Keys
// that would escape dir are skipped along with folder markers and empty
// objects.
func downloadTargets(ctx context.Context, client storage.Client, prefix, dir string) ([]downloadTarget, error) {
	prefix = syncer.NormalizePrefix(prefix)
	objects, err := listObjects(ctx, client, prefix)
	if err != nil {
		return nil, err
	}

	var targets []downloadTarget
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") || obj.Size == 0 {
			continue
		}
		rel := filepath.FromSlash(strings.TrimPrefix(obj.Key, prefix))
		if !filepath.IsLocal(rel) {
			continue
		}
		targets = append(targets, downloadTarget{Key: obj.Key, Path: filepath.Join(dir, rel)})
	}
	return targets, nil
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [transfer-id]",
		Short: "Resume a paused transfer, or every interrupted transfer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				if len(args) == 1 {
					if err := a.Engine().Resume(ctx, args[0]); err != nil {
						return err
					}
					return follow(ctx, a, args)
				}

				count, err := a.Engine().ResumeInterrupted(ctx)
				if err != nil {
					return err
				}
				if count == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to resume")
					return nil
				}

				summaries, err := a.Engine().ListActiveTransfers(ctx)
				if err != nil {
					return err
				}
				var ids []string
				for _, s := range summaries {
					if s.Running {
						ids = append(ids, s.ID)
					}
				}
				return follow(ctx, a, ids)
			})
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <transfer-id>",
		Short: "Pause a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				return a.Engine().Pause(ctx, args[0])
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Cancel a transfer and discard its partial data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				return a.Engine().Cancel(ctx, args[0])
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <transfer-id>",
		Short: "Retry a failed transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				if err := a.Engine().Retry(ctx, args[0]); err != nil {
					return err
				}
				return follow(ctx, a, args)
			})
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <transfer-id>",
		Short: "Remove a transfer from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				return a.Engine().Remove(ctx, args[0])
			})
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unfinished transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				summaries, err := a.Engine().ListActiveTransfers(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(summaries)
				}
				return printTransfers(cmd.OutOrStdout(), summaries)
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func printTransfers(out io.Writer, summaries []engine.Summary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No transfers")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tSTATE\tPROGRESS\tREMOTE KEY\tERROR")
	for _, s := range summaries {
		snap := progress.Snapshot{BytesTransferred: s.BytesTransferred, Total: s.Total}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s / %s (%.1f%%)\t%s\t%s\n",
			s.ID,
			s.Direction,
			s.State,
			humanize.IBytes(uint64(s.BytesTransferred)),
			humanize.IBytes(uint64(s.Total)),
			snap.Percent(),
			s.RemoteKey,
			s.Error,
		)
	}
	return w.Flush()
}
