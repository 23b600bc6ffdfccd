package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/gitbrowse/internal/errs"
	"github.com/thiagokokada/gitbrowse/internal/git"
	"github.com/thiagokokada/gitbrowse/internal/git/refs"
)

func newBranchesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "branches",
		Short: "List local and remote-tracking branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(root, func(ctx context.Context, s *git.Service) error {
				branches, err := s.ListBranches(ctx)
				if err != nil {
					return err
				}
				current := ""
				if head, err := s.CurrentHead(ctx); err == nil || errs.IsNotFound(err) {
					if !head.Detached {
						current = head.Branch
					}
				}
				writeRefs(cmd.OutOrStdout(), branches, current)
				return nil
			})(cmd, args)
		},
	}
}

func newTagsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(root, func(ctx context.Context, s *git.Service) error {
				tags, err := s.ListTags(ctx)
				if err != nil {
					return err
				}
				writeRefs(cmd.OutOrStdout(), tags, "")
				return nil
			})(cmd, args)
		},
	}
}

func newHeadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Print the checked out branch and commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(root, func(ctx context.Context, s *git.Service) error {
				head, err := s.CurrentHead(ctx)
				out := cmd.OutOrStdout()
				switch {
				case err == nil && head.Detached:
					fmt.Fprintf(out, "%s (detached)\n", head.ID)
				case err == nil:
					fmt.Fprintf(out, "%s %s\n", head.ID, head.Branch)
				case errs.IsNotFound(err) && head.Branch != "":
					fmt.Fprintf(out, "%s (unborn)\n", head.Branch)
				default:
					return err
				}
				return nil
			})(cmd, args)
		},
	}
}

// writeRefs prints one ref per line, marking current with an asterisk and
// reporting refs that failed to resolve instead of dropping them.
func writeRefs(w io.Writer, list []git.RefInfo, current string) {
	for _, r := range list {
		mark := " "
		if r.Kind == refs.KindBranch && r.Short == current {
			mark = "*"
		}
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%s %s  (error: %v)\n", mark, r.Short, r.Err)
		case r.Symbolic:
			fmt.Fprintf(w, "%s %s -> %s\n", mark, r.Short, r.SymbolicTarget.Short())
		case r.When.IsZero():
			fmt.Fprintf(w, "%s %s %s\n", mark, r.Target.String()[:7], r.Short)
		default:
			fmt.Fprintf(w, "%s %s %s  %s\n", mark, r.Target.String()[:7], r.Short, r.When.Format("2006-01-02"))
		}
	}
}
