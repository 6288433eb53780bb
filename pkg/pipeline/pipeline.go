// Package pipeline provides the segmentation pipeline for ray.
//
// This package sequences the whole run: load the probability volume,
// obtain an oversegmentation, build the region adjacency graph, apply the
// optional ladder pass, sweep the thresholds and write one label volume per
// threshold. The CLI is a thin layer over it.
//
// # Architecture
//
// The pipeline consists of four stages:
//
//  1. Load: read the probability volume and optionally invert it
//  2. Watershed: load a precomputed oversegmentation, or compute one
//     (consulting the watershed cache)
//  3. Graph: build the region graph and run the pre-ladder pass
//  4. Sweep: agglomerate at each threshold, run the post-ladder pass on a
//     copy, rebuild the volume and write it
//
// # Sweep Semantics
//
// In sequential mode (Workers <= 1) thresholds run in the order given on
// one working graph, so each threshold continues from the merges of the
// previous one. When a threshold is lower than its predecessor the working
// graph is reset to a fresh copy of the base graph. In parallel mode each
// threshold agglomerates its own copy of the base graph. Both modes produce
// identical volumes because agglomeration is greedy and weight-monotone.
//
// A post-ladder pass always runs on a copy of the agglomerated graph, so
// later thresholds never observe its merges.
//
// # Usage
//
//	runner := pipeline.NewRunner(cache, nil, logger)
//	result, err := runner.Execute(ctx, pipeline.Options{
//	    Inputs:     []string{"probs.rvol"},
//	    Output:     "seg-%v.rvol",
//	    Thresholds: []float64{100, 200},
//	})
//
// Run the sweep on volumes already in memory:
//
//	err := runner.Segment(ctx, probs, ws, opts, func(ctx context.Context, s pipeline.Segmentation) error {
//	    // s.Labels is the label volume for s.Threshold
//	    return nil
//	})
package pipeline

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/ray/pkg/agglo"
	apperrors "github.com/matzehuels/ray/pkg/errors"
	"github.com/matzehuels/ray/pkg/volume"
)

// =============================================================================
// Default Values
// =============================================================================

// DefaultThreshold is the threshold used when none is given.
const DefaultThreshold = 128.0

// =============================================================================
// Options - Pipeline Configuration
// =============================================================================

// Options contains all configuration for a segmentation run.
type Options struct {
	// Input options
	Inputs        []string `json:"inputs"`                   // Probability files; several files form a z-stack
	Invert        bool     `json:"invert,omitempty"`         // Replace p with max(p)-p
	Watershed     string   `json:"watershed,omitempty"`      // Precomputed oversegmentation
	SaveWatershed string   `json:"save_watershed,omitempty"` // Write the oversegmentation here
	Refresh       bool     `json:"refresh,omitempty"`        // Ignore cached watersheds

	// Agglomeration options
	Thresholds []float64 `json:"thresholds,omitempty"`
	Ladder     *int64    `json:"ladder,omitempty"` // Minimum region size; nil disables the ladder pass
	PostLadder bool      `json:"post_ladder,omitempty"`

	// Output options
	Output  string `json:"output"` // Path template with at most one fmt verb for the threshold
	Workers int    `json:"workers,omitempty"`

	// Runtime options (not serialized)
	Logger *log.Logger `json:"-"`
	RunID  string      `json:"-"`

	// validated tracks whether ValidateAndSetDefaults has been called.
	validated bool
}

// Result contains the outputs of a pipeline run.
type Result struct {
	// RunID identifies the run in logs and volume attributes.
	RunID string

	// Shape is the shape of every volume in the run.
	Shape volume.Shape

	// Outputs lists the written segmentations in threshold order.
	Outputs []Output

	// Stats contains timing and size information.
	Stats Stats

	// CacheInfo tracks which stages hit the cache.
	CacheInfo CacheInfo
}

// Output describes one written segmentation.
type Output struct {
	Threshold float64
	Path      string
	Regions   int
}

// Stats contains pipeline execution statistics.
type Stats struct {
	Basins        int // Regions in the oversegmentation
	Nodes         int // Graph nodes after construction
	Edges         int // Graph edges after construction
	LadderNodes   int // Graph nodes after the pre-ladder pass; zero without one
	LadderEdges   int // Graph edges after the pre-ladder pass
	LoadTime      time.Duration
	WatershedTime time.Duration
	GraphTime     time.Duration
	SweepTime     time.Duration
}

// CacheInfo tracks cache hits for each pipeline stage.
type CacheInfo struct {
	WatershedHit bool // Whether the oversegmentation came from cache
}

// =============================================================================
// Options Methods
// =============================================================================

// ValidateAndSetDefaults applies defaults and checks every option.
// This method is idempotent - calling it multiple times has the same effect as calling it once.
func (o *Options) ValidateAndSetDefaults() error {
	if o.validated {
		return nil
	}
	o.SetDefaults()
	if err := o.Validate(); err != nil {
		return err
	}
	o.validated = true
	return nil
}

// SetDefaults fills in unset options.
func (o *Options) SetDefaults() {
	if len(o.Thresholds) == 0 {
		o.Thresholds = []float64{DefaultThreshold}
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
}

// Validate checks the sweep parameters and paths. It does not touch the
// file system.
func (o *Options) Validate() error {
	if err := o.ValidateSweep(); err != nil {
		return err
	}
	if len(o.Inputs) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "at least one probability file is required")
	}
	for _, p := range o.Inputs {
		if err := apperrors.ValidatePath(p); err != nil {
			return err
		}
	}
	for _, p := range []string{o.Watershed, o.SaveWatershed} {
		if p == "" {
			continue
		}
		if err := apperrors.ValidatePath(p); err != nil {
			return err
		}
	}
	return apperrors.ValidateOutputTemplate(o.Output, len(o.Thresholds))
}

// ValidateSweep checks the options that [Runner.Segment] needs: thresholds,
// ladder size and ladder timing.
func (o *Options) ValidateSweep() error {
	if len(o.Thresholds) == 0 {
		return apperrors.New(apperrors.ErrCodeConfiguration, "at least one threshold is required")
	}
	for _, t := range o.Thresholds {
		if err := agglo.ValidateThreshold(t); err != nil {
			return err
		}
	}
	if o.Ladder != nil {
		if err := agglo.ValidateLadderSize(*o.Ladder); err != nil {
			return err
		}
	} else if o.PostLadder {
		return apperrors.New(apperrors.ErrCodeConfiguration, "post-ladder requires a ladder size")
	}
	return nil
}

// HasLadder reports whether a ladder pass is configured.
func (o *Options) HasLadder() bool { return o.Ladder != nil }

// PreLadder reports whether the ladder runs once before the sweep.
func (o *Options) PreLadder() bool { return o.Ladder != nil && !o.PostLadder }

// OutputPath returns the output path for threshold t. A template without a
// formatting verb is used verbatim. %s substitutes the shortest form of t
// and %d or %i its integer part; float verbs format t directly.
func (o *Options) OutputPath(t float64) string {
	verbs := apperrors.VerbIndexes(o.Output)
	if len(verbs) == 0 || verbs[0] == len(o.Output) {
		return o.Output
	}
	i := verbs[0]
	switch o.Output[i] {
	case 's':
		return fmt.Sprintf(o.Output, strconv.FormatFloat(t, 'g', -1, 64))
	case 'd':
		return fmt.Sprintf(o.Output, int64(t))
	case 'i':
		return fmt.Sprintf(o.Output[:i]+"d"+o.Output[i+1:], int64(t))
	}
	return fmt.Sprintf(o.Output, t)
}

// attrs returns the volume attributes for a segmentation at threshold t.
func (o *Options) attrs(t float64) map[string]string {
	a := map[string]string{
		"run":       o.RunID,
		"threshold": strconv.FormatFloat(t, 'g', -1, 64),
	}
	if o.Ladder != nil {
		a["ladder"] = strconv.FormatInt(*o.Ladder, 10)
		a["post_ladder"] = strconv.FormatBool(o.PostLadder)
	}
	if o.Invert {
		a["invert"] = "true"
	}
	return a
}
