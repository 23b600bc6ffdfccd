package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git"
)

type searchOptions struct {
	limit     int
	pageToken string
	noWait    bool
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find commits by message, author or id",
		Long: "Search commit messages, author names and ids. Words match\n" +
			"case-insensitively; a hex string also matches id prefixes.",
		Args: cobra.MinimumNArgs(1),
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "hits per page (default from config)")
	cmd.Flags().StringVar(&opts.pageToken, "page-token", "", "continue a previous search")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "answer from the commits indexed so far")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withService(root, func(ctx context.Context, s *git.Service) error {
			if !opts.noWait {
				if err := s.StartIndexing(ctx); err != nil {
					return err
				}
				if err := s.WaitIndexed(ctx); err != nil {
					if !errs.Is(err, errs.KindResourceExhausted) {
						return err
					}
					slog.Warn("searching a partial index", slog.Any("error", err))
				}
			}
			page, err := s.SearchAsync(ctx, query, opts.pageToken, opts.limit).Wait(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, h := range page.Hits {
				fmt.Fprintln(out, formatHit(h))
			}
			if !page.Complete {
				fmt.Fprintln(cmd.ErrOrStderr(), "index incomplete: results may be partial")
			}
			if page.NextPageToken != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "next page: %s\n", page.NextPageToken)
			}
			return nil
		})(cmd, args)
	}
	return cmd
}

func formatHit(h git.SearchHit) string {
	short := h.ID.String()[:7]
	if h.Commit == nil {
		return fmt.Sprintf("%s  %s  (unreadable commit)", short, h.Field)
	}
	return fmt.Sprintf("%s  %s  %s", short, h.Field, h.Commit.Subject())
}
