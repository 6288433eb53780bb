package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/ray/pkg/buildinfo"
	"github.com/matzehuels/ray/pkg/cache"
	"github.com/matzehuels/ray/pkg/pipeline"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "ray"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root command. The root command itself runs the
// segmentation; cache management and shell completion are subcommands.
func (c *CLI) RootCommand() *cobra.Command {
	root := c.segmentCommand()
	root.Version = buildinfo.Version
	root.SilenceUsage = true
	root.SetVersionTemplate(buildinfo.Template())

	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.versionCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// Execute runs root with args, accepting several values after -t.
func (c *CLI) Execute(ctx context.Context, root *cobra.Command, args []string) error {
	root.SetArgs(expandThresholdArgs(args))
	return root.ExecuteContext(ctx)
}

// =============================================================================
// Runner Factory
// =============================================================================

// cacheOptions selects the watershed cache backend.
type cacheOptions struct {
	disabled  bool
	redisAddr string
	scope     string // namespaces keys on a shared backend
}

// newRunner creates a pipeline runner for CLI use.
func (c *CLI) newRunner(ctx context.Context, co cacheOptions) (*pipeline.Runner, error) {
	wc, err := c.newCache(ctx, co)
	if err != nil {
		return nil, err
	}
	var keyer cache.Keyer
	if co.scope != "" {
		keyer = cache.NewScopedKeyer(nil, co.scope+":")
	}
	return pipeline.NewRunner(wc, keyer, c.Logger), nil
}

// newCache returns the configured cache. An unreachable redis server is not
// fatal: the run continues without caching.
func (c *CLI) newCache(ctx context.Context, co cacheOptions) (cache.Cache, error) {
	if co.disabled {
		return cache.NewNullCache(), nil
	}
	if co.redisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{Addr: co.redisAddr})
		if err != nil {
			c.Logger.Warn("redis cache unavailable, continuing without cache", "addr", co.redisAddr, "error", err)
			return cache.NewNullCache(), nil
		}
		return rc, nil
	}
	dir, err := cacheDir()
	if err != nil {
		return cache.NewNullCache(), nil
	}
	fc, err := cache.NewFileCache(dir)
	if err != nil {
		return nil, err
	}
	c.Logger.Debug("using file cache", "dir", fc.Dir())
	return fc, nil
}

// =============================================================================
// Paths
// =============================================================================

// cacheDir returns the cache directory using XDG standard (~/.cache/ray/).
func cacheDir() (string, error) {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}
