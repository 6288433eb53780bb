package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/ray/pkg/buildinfo"
	"github.com/matzehuels/ray/pkg/cache"
	"github.com/matzehuels/ray/pkg/observability"
	"github.com/matzehuels/ray/pkg/volio"
	"github.com/matzehuels/ray/pkg/volume"
	"github.com/matzehuels/ray/pkg/watershed"
)

// Runner encapsulates pipeline execution with caching.
//
// The Runner is stateless except for its collaborators - it doesn't store
// pipeline results. Multiple goroutines can safely use the same Runner
// with different options.
type Runner struct {
	Cache     cache.Cache
	Keyer     cache.Keyer
	Logger    *log.Logger
	Watershed watershed.Func

	// Hooks receives pipeline events. When nil, the globally registered
	// observability hooks are used.
	Hooks observability.PipelineHooks
}

// NewRunner creates a runner with the given cache and keyer.
// If keyer is nil, a DefaultKeyer is used.
// If cache is nil, a NullCache is used (caching disabled).
func NewRunner(c cache.Cache, keyer cache.Keyer, logger *log.Logger) *Runner {
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}
	if c == nil {
		c = cache.NewNullCache()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		Cache:     c,
		Keyer:     keyer,
		Logger:    logger,
		Watershed: watershed.Compute,
	}
}

// Execute runs the complete load → watershed → graph → sweep pipeline and
// writes one label volume per threshold.
func (r *Runner) Execute(ctx context.Context, opts Options) (*Result, error) {
	r.applyLogger(&opts)
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	logger := opts.Logger.With("run", opts.RunID)
	opts.Logger = logger

	result := &Result{RunID: opts.RunID}

	// Stage 1: Load
	loadStart := time.Now()
	probs, err := volio.LoadProbabilities(opts.Inputs...)
	if err != nil {
		return nil, err
	}
	if opts.Invert {
		probs.Invert()
	}
	result.Shape = probs.Shape
	result.Stats.LoadTime = time.Since(loadStart)
	logger.Info("loaded probabilities",
		"source", volio.SliceName(opts.Inputs),
		"shape", probs.Shape,
		"duration", result.Stats.LoadTime)

	// Stage 2: Watershed
	wsStart := time.Now()
	ws, hit, err := r.Oversegment(ctx, probs, opts)
	if err != nil {
		return nil, err
	}
	result.Stats.WatershedTime = time.Since(wsStart)
	result.CacheInfo.WatershedHit = hit

	if opts.SaveWatershed != "" {
		if err := volio.Remove(opts.SaveWatershed); err != nil {
			return nil, err
		}
		attrs := volio.Attrs{"run": opts.RunID, "kind": "watershed", "version": buildinfo.Short()}
		if err := volio.ExportLabels(opts.SaveWatershed, ws, attrs); err != nil {
			return nil, err
		}
		logger.Info("saved watershed", "path", opts.SaveWatershed)
	}

	// Stages 3 and 4: Graph and sweep
	result.Outputs = make([]Output, len(opts.Thresholds))
	stats, err := r.Segment(ctx, probs, ws, opts, func(ctx context.Context, s Segmentation) error {
		path := opts.OutputPath(s.Threshold)
		attrs := volio.Attrs(opts.attrs(s.Threshold))
		attrs["version"] = buildinfo.Short()
		if err := volio.ExportLabels(path, s.Labels, attrs); err != nil {
			return err
		}
		r.hooks().OnVolumeWritten(ctx, path)
		logger.Info("wrote segmentation", "threshold", s.Threshold, "regions", s.Regions, "path", path)
		result.Outputs[s.Index] = Output{Threshold: s.Threshold, Path: path, Regions: s.Regions}
		return nil
	})
	stats.LoadTime = result.Stats.LoadTime
	stats.WatershedTime = result.Stats.WatershedTime
	result.Stats = stats
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Oversegment returns the oversegmentation for probs. A precomputed
// watershed file named in opts is loaded verbatim and its I/O errors are
// returned as they are; otherwise the cache is consulted before computing
// the watershed. The second result reports a cache hit.
func (r *Runner) Oversegment(ctx context.Context, probs *volume.Probabilities, opts Options) (*volume.Labels, bool, error) {
	r.applyLogger(&opts)
	hooks := r.hooks()
	hooks.OnWatershedStart(ctx, probs.Shape)
	start := time.Now()

	ws, hit, err := r.oversegment(ctx, probs, opts)
	if err != nil {
		hooks.OnWatershedComplete(ctx, 0, time.Since(start), err)
		return nil, false, err
	}

	basins := watershed.Basins(ws)
	hooks.OnWatershedComplete(ctx, basins, time.Since(start), nil)
	opts.Logger.Debug("watershed ready",
		"basins", basins,
		"cached", hit,
		"duration", time.Since(start).Round(time.Millisecond))
	return ws, hit, nil
}

func (r *Runner) oversegment(ctx context.Context, probs *volume.Probabilities, opts Options) (*volume.Labels, bool, error) {
	if opts.Watershed != "" {
		ws, err := volio.LoadLabels(opts.Watershed)
		return ws, false, err
	}

	key := r.Keyer.WatershedKey(cache.HashProbabilities(probs), opts.Invert)
	cacheHooks := observability.Cache()

	if !opts.Refresh {
		data, hit, err := r.Cache.Get(ctx, key)
		switch {
		case err != nil:
			opts.Logger.Warn("watershed cache unavailable", "err", err)
		case hit:
			ws, _, err := volio.ReadLabels(bytes.NewReader(data))
			if err == nil && ws.Shape == probs.Shape {
				cacheHooks.OnCacheHit(ctx, cache.KeyTypeWatershed)
				return ws, true, nil
			}
			opts.Logger.Debug("discarding unreadable cache entry", "key", key)
		}
		cacheHooks.OnCacheMiss(ctx, cache.KeyTypeWatershed)
	}

	opts.Logger.Info("computing watershed", "shape", probs.Shape)
	compute := r.Watershed
	if compute == nil {
		compute = watershed.Compute
	}
	ws, err := compute(ctx, probs)
	if err != nil {
		return nil, false, fmt.Errorf("watershed: %w", err)
	}

	var buf bytes.Buffer
	if err := volio.WriteLabels(&buf, ws, volio.Attrs{"run": opts.RunID}); err == nil {
		if err := r.Cache.Set(ctx, key, buf.Bytes(), cache.WatershedTTL); err != nil {
			opts.Logger.Warn("could not cache watershed", "err", err)
		} else {
			cacheHooks.OnCacheSet(ctx, cache.KeyTypeWatershed, buf.Len())
		}
	}
	return ws, false, nil
}

// Close releases resources held by the runner (primarily the cache).
func (r *Runner) Close() error {
	if r.Cache != nil {
		return r.Cache.Close()
	}
	return nil
}

// hooks returns the runner's hooks, falling back to the global registry.
func (r *Runner) hooks() observability.PipelineHooks {
	if r.Hooks != nil {
		return r.Hooks
	}
	return observability.Pipeline()
}

// applyLogger sets the runner's logger on options if not already set.
func (r *Runner) applyLogger(opts *Options) {
	if opts.Logger == nil {
		opts.Logger = r.Logger
	}
}
