package cmd

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/thiagokokada/gitbrowse/internal/git"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
)

type diffFlags struct {
	nameStatus bool
	context    int
	noRenames  bool
	threshold  int
	algorithm  string
}

func (f *diffFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.nameStatus, "name-status", false, "list changed paths with their status letter only")
	cmd.Flags().IntVarP(&f.context, "unified", "U", -1, "lines of context around changes")
	cmd.Flags().BoolVar(&f.noRenames, "no-renames", false, "report renames as a deletion and an addition")
	cmd.Flags().IntVarP(&f.threshold, "find-renames", "M", 0, "rename similarity threshold in percent")
	cmd.Flags().StringVar(&f.algorithm, "diff-algorithm", "", "line diff algorithm: lines or dmp")
}

// options overrides base with the flags that were set; the second result
// reports whether anything changed.
func (f *diffFlags) options(base treediff.Options) (treediff.Options, bool, error) {
	opts := base
	if f.context >= 0 {
		opts.Context = f.context
	}
	if f.noRenames {
		opts.NoRenames = true
	}
	if f.threshold > 0 {
		opts.RenameThreshold = min(f.threshold, 100)
	}
	if f.algorithm != "" {
		alg, err := treediff.ParseAlgorithm(f.algorithm)
		if err != nil {
			return base, false, err
		}
		opts.LineAlgorithm = alg
	}
	if f.nameStatus {
		opts.NameOnly = true
	}
	return opts, !reflect.DeepEqual(opts, base), nil
}

func newShowCmd(root *rootOptions) *cobra.Command {
	flags := &diffFlags{}
	cmd := &cobra.Command{
		Use:   "show [commit]",
		Short: "Show a commit and the changes it introduced",
		Long: "Show the header and patch of a commit, HEAD when omitted.\n" +
			"Merge commits are compared with their first parent.",
		Args: cobra.MaximumNArgs(1),
	}
	flags.register(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		name := "HEAD"
		if len(args) == 1 {
			name = args[0]
		}
		return withService(root, func(ctx context.Context, s *git.Service) error {
			id, err := s.Resolve(ctx, name)
			if err != nil {
				return err
			}
			opts, custom, err := flags.options(s.DiffOptions())
			if err != nil {
				return err
			}
			changes, err := s.CommitDiff(ctx, id)
			if err != nil {
				return err
			}
			if custom {
				if changes.Entries, err = s.DiffWith(ctx, changes.Parent, id, opts); err != nil {
					return err
				}
			}
			header := git.FormatCommitHeader(changes.Commit) + "\n"
			if changes.Note != "" {
				header += changes.Note + "\n\n"
			}
			out := cmd.OutOrStdout()
			if flags.nameStatus {
				fmt.Fprint(out, header)
				writeNameStatus(out, changes.Entries)
				return nil
			}
			writePatch(out, root, header, changes.Entries, opts.Context)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newDiffCmd(root *rootOptions) *cobra.Command {
	flags := &diffFlags{}
	cmd := &cobra.Command{
		Use:   "diff <from> [<to>]",
		Short: "Compare two commits, trees or tags",
		Long: "Compare the trees of from and to. With a single argument, compare\n" +
			"the empty tree with it.",
		Args: cobra.RangeArgs(1, 2),
	}
	flags.register(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withService(root, func(ctx context.Context, s *git.Service) error {
			var (
				from *git.ObjectID
				to   git.ObjectID
				err  error
			)
			if len(args) == 2 {
				id, err := s.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				from = &id
				args = args[1:]
			}
			if to, err = s.Resolve(ctx, args[0]); err != nil {
				return err
			}
			opts, _, err := flags.options(s.DiffOptions())
			if err != nil {
				return err
			}
			entries, err := s.DiffWith(ctx, from, to, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.nameStatus {
				writeNameStatus(out, entries)
				return nil
			}
			writePatch(out, root, "", entries, opts.Context)
			return nil
		})(cmd, args)
	}
	return cmd
}

func writePatch(w io.Writer, root *rootOptions, header string, entries []treediff.Entry, contextLines int) {
	text, sections := git.RenderPatch(header, entries, contextLines)
	if h := root.highlighter(w); h != nil {
		text = h.Patch(text, sections)
	}
	fmt.Fprint(w, text)
	if len(text) > 0 && text[len(text)-1] != '\n' {
		fmt.Fprintln(w)
	}
}

func writeNameStatus(w io.Writer, entries []treediff.Entry) {
	for _, e := range entries {
		switch e.Kind {
		case treediff.Renamed:
			fmt.Fprintf(w, "%s%03d\t%s\t%s\n", e.Kind.Letter(), e.Similarity, e.OldPath, e.NewPath)
		default:
			fmt.Fprintf(w, "%s\t%s\n", e.Kind.Letter(), e.Path())
		}
	}
}
