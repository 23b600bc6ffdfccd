// Package config holds the engine settings, read from an optional TOML file
// and overridden by command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thiagokokada/gitbrowse/internal/git/graph"
	"github.com/thiagokokada/gitbrowse/internal/git/index"
	"github.com/thiagokokada/gitbrowse/internal/git/objstore"
	"github.com/thiagokokada/gitbrowse/internal/git/refs"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
	"github.com/thiagokokada/gitbrowse/internal/pool"
	"github.com/thiagokokada/gitbrowse/internal/watch"
)

const (
	AppName         = "gitbrowse"
	DefaultPageSize = 200
	MaxPageSize     = 10000
)

type Diff struct {
	RenameThreshold int    `toml:"rename_threshold"`
	RenameAlgorithm string `toml:"rename_algorithm"`
	RenameLimit     int    `toml:"rename_limit"`
	NoRenames       bool   `toml:"no_renames"`
	LineAlgorithm   string `toml:"line_algorithm"`
	Context         int    `toml:"context"`
	CacheMB         int    `toml:"cache_mb"`
}

type Objects struct {
	CacheMB       int `toml:"cache_mb"`
	DeltaBaseMB   int `toml:"delta_base_mb"`
	MaxDeltaDepth int `toml:"max_delta_depth"`
}

type Log struct {
	Order    string `toml:"order"`
	PageSize int    `toml:"page_size"`
}

type Search struct {
	MaxCommits int `toml:"max_commits"`
	MaxMB      int `toml:"max_mb"`
}

type Watch struct {
	Enabled bool     `toml:"enabled"`
	Delay   Duration `toml:"delay"`
}

// Engine is the complete configuration of a repository session.
type Engine struct {
	Workers          int     `toml:"workers"`
	MaxSymbolicDepth int     `toml:"max_symbolic_depth"`
	Objects          Objects `toml:"objects"`
	Diff             Diff    `toml:"diff"`
	Log              Log     `toml:"log"`
	Search           Search  `toml:"search"`
	Watch            Watch   `toml:"watch"`
}

// Duration reads TOML strings such as "350ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Engine {
	return Engine{
		Workers:          pool.DefaultWorkers(),
		MaxSymbolicDepth: refs.DefaultMaxSymbolicDepth,
		Objects: Objects{
			CacheMB:       objstore.DefaultCacheBytes >> 20,
			DeltaBaseMB:   objstore.DefaultDeltaBaseBytes >> 20,
			MaxDeltaDepth: objstore.DefaultMaxDeltaDepth,
		},
		Diff: Diff{
			RenameThreshold: treediff.DefaultRenameThreshold,
			RenameAlgorithm: string(treediff.AlgorithmLines),
			RenameLimit:     treediff.DefaultRenameLimit,
			LineAlgorithm:   string(treediff.AlgorithmLines),
			Context:         treediff.DefaultContext,
			CacheMB:         treediff.DefaultCacheBytes >> 20,
		},
		Log: Log{
			Order:    graph.ChronologicalDescending.String(),
			PageSize: DefaultPageSize,
		},
		Search: Search{
			MaxMB: index.DefaultMaxBytes >> 20,
		},
		Watch: Watch{
			Enabled: true,
			Delay:   Duration{watch.DefaultDelay},
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/gitbrowse/config.toml, or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		var err error
		dir, err = os.UserConfigDir()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, AppName, "config.toml"), nil
}

// Load reads path over the defaults. An empty path uses DefaultPath, and a
// missing default file is not an error.
func Load(path string) (Engine, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		var err error
		path, err = DefaultPath()
		if err != nil {
			slog.Debug("no config directory", slog.Any("error", err))
			return cfg, nil
		}
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("read config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		slog.Warn("unknown config key", slog.String("file", path), slog.String("key", key.String()))
	}
	slog.Debug("config loaded", slog.String("file", path))
	return cfg, cfg.Validate()
}

// Validate rejects unknown algorithm names and clamps numeric settings into
// their working range.
func (c *Engine) Validate() error {
	if _, err := treediff.ParseAlgorithm(c.Diff.RenameAlgorithm); err != nil {
		return fmt.Errorf("diff.rename_algorithm: %w", err)
	}
	if _, err := treediff.ParseAlgorithm(c.Diff.LineAlgorithm); err != nil {
		return fmt.Errorf("diff.line_algorithm: %w", err)
	}
	if _, err := graph.ParseOrder(c.Log.Order); err != nil {
		return fmt.Errorf("log.order: %w", err)
	}
	if c.Workers <= 0 {
		c.Workers = pool.DefaultWorkers()
	}
	if c.MaxSymbolicDepth <= 0 {
		c.MaxSymbolicDepth = refs.DefaultMaxSymbolicDepth
	}
	c.Diff.RenameThreshold = clamp(c.Diff.RenameThreshold, 1, 100)
	if c.Diff.RenameLimit <= 0 {
		c.Diff.RenameLimit = treediff.DefaultRenameLimit
	}
	if c.Diff.Context < -1 {
		c.Diff.Context = -1
	}
	if c.Diff.CacheMB <= 0 {
		c.Diff.CacheMB = treediff.DefaultCacheBytes >> 20
	}
	if c.Objects.CacheMB <= 0 {
		c.Objects.CacheMB = objstore.DefaultCacheBytes >> 20
	}
	if c.Objects.DeltaBaseMB <= 0 {
		c.Objects.DeltaBaseMB = objstore.DefaultDeltaBaseBytes >> 20
	}
	if c.Objects.MaxDeltaDepth <= 0 {
		c.Objects.MaxDeltaDepth = objstore.DefaultMaxDeltaDepth
	}
	c.Log.PageSize = clamp(c.Log.PageSize, 1, MaxPageSize)
	c.Search.MaxCommits = max(c.Search.MaxCommits, 0)
	if c.Search.MaxMB <= 0 {
		c.Search.MaxMB = index.DefaultMaxBytes >> 20
	}
	if c.Watch.Delay.Duration <= 0 {
		c.Watch.Delay.Duration = watch.DefaultDelay
	}
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func (c Engine) ObjectOptions() objstore.Options {
	return objstore.Options{
		MaxDeltaDepth:  c.Objects.MaxDeltaDepth,
		CacheBytes:     int64(c.Objects.CacheMB) << 20,
		DeltaBaseBytes: int64(c.Objects.DeltaBaseMB) << 20,
	}
}

// IndexOptions converts the search section. Zero max_commits means no
// count limit.
func (c Engine) IndexOptions() index.Options {
	return index.Options{
		MaxCommits: c.Search.MaxCommits,
		MaxBytes:   int64(c.Search.MaxMB) << 20,
	}
}

func (c Engine) RefOptions() refs.Options {
	return refs.Options{MaxSymbolicDepth: c.MaxSymbolicDepth}
}

// DiffOptions converts the diff section. Algorithm names are expected to
// have passed Validate.
func (c Engine) DiffOptions() treediff.Options {
	renameAlg, _ := treediff.ParseAlgorithm(c.Diff.RenameAlgorithm)
	lineAlg, _ := treediff.ParseAlgorithm(c.Diff.LineAlgorithm)
	return treediff.Options{
		RenameThreshold: c.Diff.RenameThreshold,
		RenameAlgorithm: renameAlg,
		RenameLimit:     c.Diff.RenameLimit,
		NoRenames:       c.Diff.NoRenames,
		LineAlgorithm:   lineAlg,
		Context:         c.Diff.Context,
		Parallelism:     max(c.Workers*2, treediff.DefaultParallelism),
		CacheBytes:      int64(c.Diff.CacheMB) << 20,
	}
}

func (c Engine) LogOrder() graph.Order {
	o, _ := graph.ParseOrder(c.Log.Order)
	return o
}
