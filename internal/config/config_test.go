package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/gitbrowse/internal/git/graph"
	"github.com/thiagokokada/gitbrowse/internal/git/index"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	before := cfg
	require.NoError(t, cfg.Validate())
	assert.Equal(t, before, cfg)
	assert.Equal(t, 50, cfg.Diff.RenameThreshold)
	assert.Equal(t, 3, cfg.Diff.Context)
	assert.LessOrEqual(t, cfg.Workers, 4)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
workers = 2

[diff]
rename_threshold = 70
rename_algorithm = "dmp"
context = -1

[log]
order = "topo"
page_size = 50

[watch]
delay = "1s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, time.Second, cfg.Watch.Delay.Duration)
	assert.Equal(t, graph.Topological, cfg.LogOrder())
	assert.Equal(t, 50, cfg.Log.PageSize)

	opts := cfg.DiffOptions()
	assert.Equal(t, 70, opts.RenameThreshold)
	assert.Equal(t, treediff.AlgorithmDMP, opts.RenameAlgorithm)
	assert.Equal(t, treediff.AlgorithmLines, opts.LineAlgorithm)
	assert.Equal(t, -1, opts.Context)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Objects, cfg.Objects)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "[diff]\nrename_algorithm = \"patience\"\n"))
	assert.ErrorContains(t, err, "rename_algorithm")

	_, err = Load(writeConfig(t, "[log]\norder = \"sideways\"\n"))
	assert.ErrorContains(t, err, "log.order")

	_, err = Load(writeConfig(t, "workers = \"many\""))
	assert.Error(t, err)
}

func TestValidateClamps(t *testing.T) {
	cfg := Default()
	cfg.Diff.RenameThreshold = 400
	cfg.Diff.Context = -9
	cfg.Log.PageSize = 0
	cfg.Workers = -1
	cfg.Watch.Delay.Duration = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Diff.RenameThreshold)
	assert.Equal(t, -1, cfg.Diff.Context)
	assert.Equal(t, 1, cfg.Log.PageSize)
	assert.Equal(t, Default().Workers, cfg.Workers)
	assert.Equal(t, Default().Watch.Delay, cfg.Watch.Delay)
}

func TestLoadMissingFiles(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDefaultPathUsesXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "gitbrowse", "config.toml"), path)
}

func TestSearchLimits(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[search]\nmax_commits = 1000\n"))
	require.NoError(t, err)
	opts := cfg.IndexOptions()
	assert.Equal(t, 1000, opts.MaxCommits)
	assert.Equal(t, int64(index.DefaultMaxBytes), opts.MaxBytes)

	cfg.Search.MaxCommits = -5
	cfg.Search.MaxMB = 0
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Search.MaxCommits)
	assert.Equal(t, Default().Search, cfg.Search)
}
