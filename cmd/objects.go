package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"s3drive/internal/app"
	"s3drive/internal/storage"
	"s3drive/internal/syncer"
)

func objectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objects",
		Short: "Operate on objects in the bucket directly",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls [prefix]",
			Short: "List objects",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				prefix := ""
				if len(args) == 1 {
					prefix = args[0]
				}
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					return printObjects(ctx, cmd.OutOrStdout(), a.Client(), prefix)
				})
			},
		},
		&cobra.Command{
			Use:   "rm <key>",
			Short: "Delete an object",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					if err := a.Client().Delete(ctx, args[0]); err != nil {
						return fmt.Errorf("failed to delete %s: %w", args[0], err)
					}
					log.Info("Deleted object", zap.String("key", args[0]))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "mv <src-key> <dst-key>",
			Short: "Move or rename an object within the bucket",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					if err := moveObject(ctx, a.Client(), args[0], args[1]); err != nil {
						return err
					}
					log.Info("Moved object", zap.String("src", args[0]), zap.String("dst", args[1]))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "mkdir <prefix>",
			Short: "Create an empty folder marker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					key, err := makeFolder(ctx, a.Client(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Folder created: %s\n", key)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cp <src-key> <dst-key>",
			Short: "Copy an object within the bucket",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
					if err := a.Client().Copy(ctx, args[0], args[1]); err != nil {
						return fmt.Errorf("failed to copy %s to %s: %w", args[0], args[1], err)
					}
					log.Info("Copied object", zap.String("src", args[0]), zap.String("dst", args[1]))
					return nil
				})
			},
		},
	)
	return cmd
}

// moveObject copies src to dst and deletes src. A failed delete leaves both.
func moveObject(ctx context.Context, client storage.Client, src, dst string) error {
	if src == dst {
		return nil
	}
	if err := client.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := client.Delete(ctx, src); err != nil {
		return fmt.Errorf("failed to delete %s after copying: %w", src, err)
	}
	return nil
}

// makeFolder writes the zero-byte object that marks prefix as a folder
func makeFolder(ctx context.Context, client storage.Client, prefix string) (string, error) {
	key := syncer.NormalizePrefix(prefix)
	if key == "" {
		return "", errors.New("folder name is required")
	}
	if _, err := client.Put(ctx, key, bytes.NewReader(nil), 0); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", key, err)
	}
	return key, nil
}

// listObjects drains a listing of prefix
func listObjects(ctx context.Context, client storage.Client, prefix string) ([]storage.ObjectInfo, error) {
	objectCh, errCh := client.List(ctx, prefix)

	var objects []storage.ObjectInfo
	for {
		select {
		case obj, ok := <-objectCh:
			if !ok {
				return objects, nil
			}
			objects = append(objects, obj)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to list objects: %w", err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func printObjects(ctx context.Context, out io.Writer, client storage.Client, prefix string) error {
	objects, err := listObjects(ctx, client, prefix)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
	for _, obj := range objects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", obj.Key, humanize.IBytes(uint64(obj.Size)), obj.LastModified.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
