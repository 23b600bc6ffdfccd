package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/gitbrowse/internal/git"
)

type logOptions struct {
	limit     int
	order     string
	hide      []string
	author    string
	committer string
	grep      string
	merges    bool
	noMerges  bool
	pageToken string
	noGraph   bool
	reverse   bool
}

func newLogCmd(root *rootOptions) *cobra.Command {
	opts := &logOptions{}
	cmd := &cobra.Command{
		Use:   "log [start | A..B | A...B] [-- path...]",
		Short: "List commits reachable from a ref or commit",
		Long: "List commits reachable from start, the default branch when omitted.\n" +
			"A..B lists commits reachable from B but not from A; A...B those\n" +
			"reachable from either side but not both. Paths after -- keep only\n" +
			"commits changing them. When more commits remain, a page token is\n" +
			"printed on stderr; pass it back with --page-token to continue.",
		Args: func(cmd *cobra.Command, args []string) error {
			if n := len(logStarts(cmd, args)); n > 1 {
				return fmt.Errorf("accepts at most 1 start, received %d", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "commits per page (default from config)")
	cmd.Flags().StringVar(&opts.order, "order", "", "walk order: date or topo (default from config)")
	cmd.Flags().StringSliceVar(&opts.hide, "hide", nil, "exclude commits reachable from these refs")
	cmd.Flags().StringVar(&opts.author, "author", "", "only commits whose author contains this text")
	cmd.Flags().StringVar(&opts.committer, "committer", "", "only commits whose committer contains this text")
	cmd.Flags().StringVar(&opts.grep, "grep", "", "only commits whose message contains this text")
	cmd.Flags().BoolVar(&opts.merges, "merges", false, "only merge commits")
	cmd.Flags().BoolVar(&opts.noMerges, "no-merges", false, "skip merge commits")
	cmd.Flags().StringVar(&opts.pageToken, "page-token", "", "continue a previous listing")
	cmd.Flags().BoolVar(&opts.noGraph, "no-graph", false, "do not draw the commit graph")
	cmd.Flags().BoolVar(&opts.reverse, "reverse", false, "list oldest first (implies --no-graph)")
	cmd.MarkFlagsMutuallyExclusive("merges", "no-merges")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req := git.LogRequest{
			Hide:      opts.hide,
			Order:     opts.order,
			PageToken: opts.pageToken,
			PageSize:  opts.limit,
			Reverse:   opts.reverse,
		}
		if starts := logStarts(cmd, args); len(starts) == 1 {
			req.Start = starts[0]
		}
		if dash := cmd.ArgsLenAtDash(); dash >= 0 {
			req.Filter.Paths = args[dash:]
		}
		req.Filter.Author = opts.author
		req.Filter.Committer = opts.committer
		req.Filter.Message = opts.grep
		if opts.merges {
			req.Filter.MinParents = 2
		}
		if opts.noMerges {
			req.Filter.MaxParents = 1
		}
		return withService(root, func(ctx context.Context, s *git.Service) error {
			page, err := s.CommitLog(ctx, req)
			if err != nil {
				if errors.Is(err, git.ErrBadPageToken) {
					return fmt.Errorf("%w (tokens only resume the listing that produced them)", err)
				}
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range page.Entries {
				fmt.Fprintln(out, formatLogLine(e, !opts.noGraph))
			}
			if page.NextPageToken != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "next page: %s\n", page.NextPageToken)
			}
			return nil
		})(cmd, args)
	}
	return cmd
}

// logStarts returns the arguments before "--".
func logStarts(cmd *cobra.Command, args []string) []string {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return args[:dash]
	}
	return args
}

func formatLogLine(e *git.Entry, withGraph bool) string {
	var b strings.Builder
	if withGraph && e.Graph != "" {
		b.WriteString(e.Graph)
		b.WriteString("  ")
	}
	b.WriteString(e.Summary)
	if len(e.Labels) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Labels, ", "))
	}
	if e.Err != nil && e.Commit != nil {
		fmt.Fprintf(&b, "  [%v]", e.Err)
	}
	return b.String()
}
