// Package cmd implements the gitbrowse command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/thiagokokada/gitbrowse/internal/buildinfo"
	"github.com/thiagokokada/gitbrowse/internal/config"
	"github.com/thiagokokada/gitbrowse/internal/git"
	"github.com/thiagokokada/gitbrowse/internal/highlight"
)

type rootOptions struct {
	repo       string
	configPath string
	verbose    bool
	color      string
	theme      string
	workers    int

	cfg config.Engine
}

func Run() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "Browse git history, diffs and refs without a git executable",
		Version:       buildinfo.VersionWithTags(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.repo, "repo", "C", ".", "path inside the repository to read")
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default: $XDG_CONFIG_HOME/gitbrowse/config.toml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	flags.StringVar(&opts.color, "color", "auto", "colorize diffs: auto, always, or never")
	flags.StringVar(&opts.theme, "theme", highlight.ThemeAuto.String(), "color theme for diffs: auto, light, or dark")
	flags.IntVar(&opts.workers, "workers", 0, "number of background workers (default from config)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newLogCmd(opts))
	root.AddCommand(newShowCmd(opts))
	root.AddCommand(newDiffCmd(opts))
	root.AddCommand(newSearchCmd(opts))
	root.AddCommand(newBranchesCmd(opts))
	root.AddCommand(newTagsCmd(opts))
	root.AddCommand(newHeadCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	return root
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	o.cfg = cfg
	switch o.color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid --color %q", o.color)
	}
	return nil
}

func (o *rootOptions) open() (*git.Service, error) {
	return git.Open(o.repo, o.cfg)
}

// highlighter returns nil when output to w should stay plain.
func (o *rootOptions) highlighter(w io.Writer) *highlight.Highlighter {
	switch o.color {
	case "never":
		return nil
	case "auto":
		f, ok := w.(*os.File)
		if !ok || !isatty.IsTerminal(f.Fd()) {
			return nil
		}
	}
	return highlight.New(highlight.ThemeFromString(o.theme))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.VersionWithTags())
		},
	}
}

func withService(o *rootOptions, fn func(ctx context.Context, s *git.Service) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := o.open()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd.Context(), s)
	}
}
