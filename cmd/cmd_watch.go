package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/gitbrowse/internal/git"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var index bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow ref changes until interrupted",
		Long: "Print the branch tips, then print them again every time refs or\n" +
			"packs change on disk. Stops on interrupt.",
		Args: cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&index, "index", false, "keep the search index up to date while watching")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if !root.cfg.Watch.Enabled {
			return errors.New("watching is disabled in the configuration")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withService(root, func(_ context.Context, s *git.Service) error {
			out := cmd.OutOrStdout()
			if err := printTips(ctx, out, s); err != nil {
				return err
			}
			if index {
				if err := s.StartIndexing(ctx); err != nil {
					return err
				}
			}
			refreshed := make(chan error, 1)
			if err := s.Watch(func(err error) {
				select {
				case refreshed <- err:
				default:
				}
			}); err != nil {
				return err
			}
			slog.Info("watching repository", slog.String("git_dir", s.GitDir()))
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-refreshed:
					if err != nil {
						continue
					}
					fmt.Fprintln(out, "--")
					if err := printTips(ctx, out, s); err != nil {
						return err
					}
				}
			}
		})(cmd, args)
	}
	return cmd
}

func printTips(ctx context.Context, w io.Writer, s *git.Service) error {
	head, err := s.CurrentHead(ctx)
	switch {
	case err == nil && head.Detached:
		fmt.Fprintf(w, "HEAD %s (detached)\n", head.ID.String()[:7])
	case err == nil:
		fmt.Fprintf(w, "HEAD %s %s\n", head.ID.String()[:7], head.Branch)
	default:
		fmt.Fprintf(w, "HEAD (%v)\n", err)
	}
	branches, err := s.ListBranches(ctx)
	if err != nil {
		return err
	}
	writeRefs(w, branches, head.Branch)
	return nil
}
