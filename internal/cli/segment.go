package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/ray/pkg/observability"
	"github.com/matzehuels/ray/pkg/pipeline"
)

// segmentFlags holds the command-line options of the segment command.
type segmentFlags struct {
	invert        bool
	watershed     string
	thresholds    []float64
	ladder        int64
	ladderSet     bool
	postLadder    bool
	showProgress  bool
	saveWatershed string
	config        string
	noCache       bool
	redisAddr     string
	cacheScope    string
	workers       int
	refresh       bool
}

// ladderTiming backs both -p and -L. Each flag writes the shared postLadder
// value when given, so the last one on the command line wins.
type ladderTiming struct {
	post *bool
	sets bool // value stored in *post when the flag is on
}

func (v *ladderTiming) String() string {
	if v.post == nil {
		return "false"
	}
	return strconv.FormatBool(*v.post == v.sets)
}

func (v *ladderTiming) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		*v.post = v.sets
	} else {
		*v.post = !v.sets
	}
	return nil
}

func (v *ladderTiming) Type() string { return "bool" }

// expandThresholdArgs lets -t take several values, as in
// "ray -t 100 200 probs.rvol seg-%v.rvol". Numeric arguments that directly
// follow a threshold value are rewritten into further -t flags. Input files
// with purely numeric names must therefore come after another flag or "--".
func expandThresholdArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		switch {
		case a == "--":
			return append(out, args[i+1:]...)
		case a == "-t" || a == "--thresholds":
			if i+1 == len(args) {
				continue
			}
			i++
			out = append(out, args[i])
		case strings.HasPrefix(a, "--thresholds="):
		case strings.HasPrefix(a, "-t") && len(a) > 2:
		default:
			continue
		}
		for i+1 < len(args) && isThresholdArg(args[i+1]) {
			i++
			out = append(out, "-t", args[i])
		}
	}
	return out
}

func isThresholdArg(s string) bool {
	if s == "" || s[0] == '-' {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// segmentCommand creates the segmentation command used as the root command.
func (c *CLI) segmentCommand() *cobra.Command {
	f := defaultSegmentFlags()

	cmd := &cobra.Command{
		Use:   appName + " [flags] INPUT... OUTPUT",
		Short: "Segment a volume by agglomerating a watershed oversegmentation",
		Long: `Ray segments a 3D boundary-probability volume.

It computes (or loads) a watershed oversegmentation, builds a region adjacency
graph and merges regions whose mean boundary probability is at most each
threshold. One label volume is written per threshold.

INPUT is a .rvol probability volume or a stack of 2D images, one per z-slice.
OUTPUT is a path template; a verb such as %v, %.1f, %s or %d is replaced by
the threshold.`,
		Example: `  ray probs.rvol seg-%v.rvol
  ray -t 64 128 192 -l 100 probs.rvol seg-%g.rvol
  ray -I -S ws.rvol slice-*.png seg.rvol
  ray -w ws.rvol -L -l 50 probs.rvol seg-%.0f.rvol`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.config != "" {
				cfg, err := loadConfig(f.config)
				if err != nil {
					return err
				}
				cfg.applyTo(&f, cmd.Flags().Changed)
			}
			if cmd.Flags().Changed("ladder") {
				f.ladderSet = true
			}
			return c.runSegment(cmd, args, f)
		},
	}

	bindSegmentFlags(cmd, &f)
	return cmd
}

// defaultSegmentFlags returns the flag values used when nothing is given.
func defaultSegmentFlags() segmentFlags {
	return segmentFlags{
		thresholds:   []float64{pipeline.DefaultThreshold},
		showProgress: true,
		workers:      1,
	}
}

// bindSegmentFlags registers the segment flags on cmd, storing into f.
func bindSegmentFlags(cmd *cobra.Command, f *segmentFlags) {
	flags := cmd.Flags()
	flags.BoolVarP(&f.invert, "invert-image", "I", false, "replace each probability p with max(p)-p")
	flags.StringVarP(&f.watershed, "watershed", "w", "", "load a precomputed oversegmentation instead of computing one")
	flags.Float64SliceVarP(&f.thresholds, "thresholds", "t", f.thresholds, "agglomeration thresholds, one output per threshold")
	flags.Int64VarP(&f.ladder, "ladder", "l", 0, "minimum region size for the ladder pass (disabled when unset)")
	flags.VarP(&ladderTiming{post: &f.postLadder, sets: false}, "pre-ladder", "p", "run the ladder pass once before the sweep (default)")
	flags.VarP(&ladderTiming{post: &f.postLadder, sets: true}, "post-ladder", "L", "run the ladder pass after each threshold")
	flags.Lookup("pre-ladder").NoOptDefVal = "true"
	flags.Lookup("post-ladder").NoOptDefVal = "true"
	flags.BoolVarP(&f.showProgress, "show-progress", "P", true, "show a progress bar during the threshold sweep")
	flags.StringVarP(&f.saveWatershed, "save-watershed", "S", "", "write the oversegmentation to this file, replacing it")
	flags.StringVar(&f.config, "config", "", "read option defaults from a TOML file")
	flags.BoolVar(&f.noCache, "no-cache", false, "disable the watershed cache")
	flags.StringVar(&f.redisAddr, "redis", "", "cache watersheds on the redis server at host:port")
	flags.StringVar(&f.cacheScope, "cache-scope", "", "prefix cache keys, e.g. per project on a shared redis")
	flags.IntVar(&f.workers, "workers", 1, "thresholds processed in parallel")
	flags.BoolVar(&f.refresh, "refresh", false, "recompute the watershed even when cached")
}

// options converts flags and positional arguments into pipeline options.
func (f segmentFlags) options(args []string) pipeline.Options {
	opts := pipeline.Options{
		Inputs:        args[:len(args)-1],
		Output:        args[len(args)-1],
		Invert:        f.invert,
		Watershed:     f.watershed,
		SaveWatershed: f.saveWatershed,
		Refresh:       f.refresh,
		Thresholds:    f.thresholds,
		PostLadder:    f.postLadder,
		Workers:       f.workers,
	}
	if f.ladderSet {
		size := f.ladder
		opts.Ladder = &size
	}
	if opts.Ladder == nil {
		// Ladder timing without a ladder size has no effect.
		opts.PostLadder = false
	}
	return opts
}

func (c *CLI) runSegment(cmd *cobra.Command, args []string, f segmentFlags) error {
	ctx := cmd.Context()
	opts := f.options(args)
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return err
	}

	// Execute adds the run id; the copy lets the level change per run.
	logger := c.Logger.With()
	ctx = withLogger(ctx, logger)

	runner, err := c.newRunner(ctx, cacheOptions{disabled: f.noCache, redisAddr: f.redisAddr, scope: f.cacheScope})
	if err != nil {
		return err
	}
	defer runner.Close()

	observability.SetCacheHooks(cacheLogHooks{logger: logger})
	defer observability.Reset()

	verbose := c.Logger.GetLevel() <= log.DebugLevel
	hooks := observability.MultiPipelineHooks{pipelineLogHooks{logger: logger}}
	var ui *progressUI
	if f.showProgress && !verbose && isTerminal(os.Stderr) {
		// The bar owns the terminal; only warnings get through.
		logger.SetLevel(log.WarnLevel)
		ui = startProgress(os.Stderr, len(opts.Thresholds))
		hooks = append(hooks, ui.hooks())
	}
	runner.Hooks = hooks
	opts.Logger = logger

	start := newStageTimer(loggerFromContext(ctx))
	result, err := runner.Execute(ctx, opts)
	if ui != nil {
		ui.stop()
		logger.SetLevel(c.Logger.GetLevel())
	}
	if err != nil {
		return err
	}

	printSummary(result)
	start.done(fmt.Sprintf("Wrote %d segmentations", len(result.Outputs)))
	return nil
}

// printSummary prints the written volumes and the run statistics.
func printSummary(r *pipeline.Result) {
	printSuccess("Segmented %s volume", StyleHighlight.Render(r.Shape.String()))
	printStats(r.Stats.Nodes, r.Stats.Edges, r.CacheInfo.WatershedHit)
	if r.Stats.LadderNodes > 0 {
		printDetail("after ladder: %d nodes · %d edges", r.Stats.LadderNodes, r.Stats.LadderEdges)
	}
	for _, o := range r.Outputs {
		printFile(fmt.Sprintf("%s  %s", o.Path, StyleDim.Render(fmt.Sprintf("t=%g · %d regions", o.Threshold, o.Regions))))
	}
	printKeyValue("watershed", r.Stats.WatershedTime.Round(time.Millisecond).String())
	printKeyValue("graph", r.Stats.GraphTime.Round(time.Millisecond).String())
	printKeyValue("sweep", r.Stats.SweepTime.Round(time.Millisecond).String())
}

// isTerminal reports whether f is attached to a character device.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
