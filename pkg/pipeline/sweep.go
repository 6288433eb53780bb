package pipeline

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/ray/pkg/agglo"
	"github.com/matzehuels/ray/pkg/rag"
	"github.com/matzehuels/ray/pkg/volume"
)

// Segmentation is the result of one threshold of the sweep.
type Segmentation struct {
	Index     int     // Position of the threshold in Options.Thresholds
	Threshold float64 // Threshold the graph was agglomerated to
	Regions   int     // Regions in Labels
	Labels    *volume.Labels
}

// EmitFunc receives each segmentation of a sweep. In parallel mode it is
// called from several goroutines.
type EmitFunc func(ctx context.Context, s Segmentation) error

// Segment builds the region graph of ws weighted by probs, applies the
// configured ladder pass and calls emit once per threshold.
//
// Only the sweep options of opts are used (thresholds, ladder, timing and
// workers). The returned Stats are filled as far as the run got.
func (r *Runner) Segment(ctx context.Context, probs *volume.Probabilities, ws *volume.Labels, opts Options, emit EmitFunc) (Stats, error) {
	r.applyLogger(&opts)
	var stats Stats
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = []float64{DefaultThreshold}
	}
	if err := opts.ValidateSweep(); err != nil {
		return stats, err
	}
	logger := opts.Logger
	hooks := r.hooks()

	stats.Basins = ws.CountRegions()
	logger.Debug("building region graph", "watershed", ws.Shape, "probabilities", probs.Shape)

	graphStart := time.Now()
	base, err := rag.Build(ws, probs)
	if err != nil {
		return stats, err
	}
	stats.Nodes, stats.Edges = base.NumberOfNodes(), base.NumberOfEdges()
	hooks.OnGraphBuilt(ctx, stats.Nodes, stats.Edges)
	logger.Debug("region graph built", "nodes", stats.Nodes, "edges", stats.Edges)

	if opts.PreLadder() {
		merges, err := agglo.Ladder(base, *opts.Ladder)
		if err != nil {
			return stats, err
		}
		base.RebuildMergeQueue()
		stats.LadderNodes, stats.LadderEdges = base.NumberOfNodes(), base.NumberOfEdges()
		hooks.OnLadderComplete(ctx, stats.LadderNodes, stats.LadderEdges)
		logger.Debug("ladder done", "merges", merges, "nodes", stats.LadderNodes, "edges", stats.LadderEdges)
	}
	stats.GraphTime = time.Since(graphStart)

	sweepStart := time.Now()
	if opts.Workers > 1 && len(opts.Thresholds) > 1 {
		err = r.sweepParallel(ctx, base, opts, emit)
	} else {
		err = r.sweepSequential(ctx, base, opts, emit)
	}
	stats.SweepTime = time.Since(sweepStart)
	return stats, err
}

// sweepSequential runs every threshold on one working graph. The base graph
// is mutated directly when thresholds never decrease.
func (r *Runner) sweepSequential(ctx context.Context, base *rag.Graph, opts Options, emit EmitFunc) error {
	reuse := slices.IsSorted(opts.Thresholds)
	work := base
	if !reuse {
		work = base.Copy()
	}

	total := len(opts.Thresholds)
	for i, t := range opts.Thresholds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && t < opts.Thresholds[i-1] {
			opts.Logger.Debug("threshold decreased, restarting from base graph", "threshold", t)
			work = base.Copy()
		}
		if err := r.threshold(ctx, work, i, total, t, opts, emit); err != nil {
			return err
		}
	}
	return nil
}

// sweepParallel runs each threshold on its own copy of the base graph, at
// most opts.Workers at a time.
func (r *Runner) sweepParallel(ctx context.Context, base *rag.Graph, opts Options, emit EmitFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	total := len(opts.Thresholds)
	for i, t := range opts.Thresholds {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return r.threshold(ctx, base.Copy(), i, total, t, opts, emit)
		})
	}
	return g.Wait()
}

// threshold agglomerates work to t, applies the post-ladder pass on a copy
// when configured and emits the resulting volume.
func (r *Runner) threshold(ctx context.Context, work *rag.Graph, i, total int, t float64, opts Options, emit EmitFunc) error {
	merges, err := agglo.Agglomerate(work, t)
	if err != nil {
		return err
	}

	final := work
	if opts.HasLadder() && opts.PostLadder {
		final = work.Copy()
		if _, err := agglo.Ladder(final, *opts.Ladder); err != nil {
			return err
		}
	}

	nodes := final.NumberOfNodes()
	r.hooks().OnThresholdComplete(ctx, i, total, t, nodes)
	opts.Logger.Debug("threshold done", "threshold", t, "merges", merges, "nodes", nodes)

	return emit(ctx, Segmentation{
		Index:     i,
		Threshold: t,
		Regions:   nodes,
		Labels:    final.BuildVolume(),
	})
}
