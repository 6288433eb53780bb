// Package cli implements the ray command-line interface.
//
// The root command segments a probability volume: it computes or loads a
// watershed oversegmentation, agglomerates it at one or more thresholds and
// writes one label volume per threshold. Subcommands manage the watershed
// cache and generate shell completions.
//
// # Logging
//
// --verbose (-v) switches to debug-level logging, which reports basin,
// node and edge counts at each stage. Loggers are passed through
// context.Context. When the progress bar is shown, only warnings are logged
// until the run ends.
package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/ray/pkg/observability"
)

// newLogger creates a new logger with timestamp formatting.
// The logger writes to w and filters messages at the specified level.
// Timestamps are formatted as "HH:MM:SS.ms" (e.g., "14:32:01.45").
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// stageTimer tracks the start time of an operation and logs completion with elapsed duration.
// It is safe for sequential use by a single goroutine; concurrent calls to done will race.
type stageTimer struct {
	logger *log.Logger
	start  time.Time
}

// newStageTimer creates a timer that captures the current time as start.
// The returned timer should call done when the operation completes.
func newStageTimer(l *log.Logger) *stageTimer {
	return &stageTimer{logger: l, start: time.Now()}
}

// done logs msg along with the elapsed time since the timer was created.
// The duration is rounded to the nearest millisecond.
// Example output: "Wrote 3 segmentations (1.234s)"
func (p *stageTimer) done(msg string) {
	p.logger.Infof("%s (%s)", msg, time.Since(p.start).Round(time.Millisecond))
}

// ctxKey is the type for context keys used in this package.
// Using a distinct type prevents collisions with other packages.
type ctxKey int

// loggerKey is the context key for storing a logger.
const loggerKey ctxKey = 0

// withLogger returns a new context with the given logger attached.
// The logger can be retrieved later with loggerFromContext.
func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext retrieves the logger from ctx.
// If no logger is attached, it returns log.Default().
// This ensures commands always have a valid logger even if context setup fails.
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

// cacheLogHooks reports cache traffic at debug level.
type cacheLogHooks struct {
	logger *log.Logger
}

func (h cacheLogHooks) OnCacheHit(_ context.Context, keyType string) {
	h.logger.Debug("cache hit", "type", keyType)
}

func (h cacheLogHooks) OnCacheMiss(_ context.Context, keyType string) {
	h.logger.Debug("cache miss", "type", keyType)
}

func (h cacheLogHooks) OnCacheSet(_ context.Context, keyType string, size int) {
	h.logger.Debug("cache set", "type", keyType, "bytes", size)
}

var _ observability.CacheHooks = cacheLogHooks{}

// pipelineLogHooks reports pipeline events at debug level.
type pipelineLogHooks struct {
	logger *log.Logger
}

func (h pipelineLogHooks) OnWatershedStart(_ context.Context, shape [3]int) {
	h.logger.Debug("watershed started", "shape", shape)
}

func (h pipelineLogHooks) OnWatershedComplete(_ context.Context, basins int, d time.Duration, err error) {
	if err != nil {
		h.logger.Debug("watershed failed", "error", err)
		return
	}
	h.logger.Debug("watershed finished", "basins", basins, "elapsed", d.Round(time.Millisecond))
}

func (h pipelineLogHooks) OnGraphBuilt(context.Context, int, int) {}

func (h pipelineLogHooks) OnLadderComplete(context.Context, int, int) {}

func (h pipelineLogHooks) OnThresholdComplete(_ context.Context, index, total int, threshold float64, nodes int) {
	h.logger.Debug("sweep progress", "done", index+1, "total", total, "threshold", threshold, "nodes", nodes)
}

func (h pipelineLogHooks) OnVolumeWritten(_ context.Context, path string) {
	h.logger.Debug("volume written", "path", path)
}

var _ observability.PipelineHooks = pipelineLogHooks{}
