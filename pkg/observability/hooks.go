// Package observability provides hooks for progress reporting, metrics and
// logging.
//
// This package enables optional instrumentation without coupling the
// segmentation pipeline to any console or metrics backend. Consumers
// register hooks at startup, or hand them to a pipeline.Runner directly, to
// receive events about pipeline execution and cache operations.
//
// # Architecture
//
// The package uses a simple hooks pattern:
//   - Define hook interfaces for different event categories
//   - Provide no-op default implementations
//   - Allow registration of custom implementations at startup
//
// Hooks are registered by main, not by libraries, so there are no import
// cycles and the core packages stay free of rendering concerns.
//
// # Usage
//
// Register hooks at application startup:
//
//	func main() {
//	    observability.SetPipelineHooks(&progressBar{})
//	    observability.SetCacheHooks(&cacheCounter{})
//	    // ... run application
//	}
//
// Libraries call hooks to emit events:
//
//	observability.Pipeline().OnWatershedStart(ctx, shape)
//	// ... compute basins ...
//	observability.Pipeline().OnWatershedComplete(ctx, basins, duration, err)
package observability

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Pipeline Hooks
// =============================================================================

// PipelineHooks receives events from the segmentation pipeline.
//
// Implementations must be safe for concurrent use: when thresholds run in
// parallel, OnThresholdComplete and OnVolumeWritten may be called from
// several goroutines.
type PipelineHooks interface {
	// Watershed events. OnWatershedComplete is also emitted when the
	// oversegmentation is loaded from a file or the cache.
	OnWatershedStart(ctx context.Context, shape [3]int)
	OnWatershedComplete(ctx context.Context, basins int, duration time.Duration, err error)

	// Graph events
	OnGraphBuilt(ctx context.Context, nodes, edges int)
	OnLadderComplete(ctx context.Context, nodes, edges int)

	// Threshold sweep events. index is zero-based; total is the number of
	// thresholds in the sweep.
	OnThresholdComplete(ctx context.Context, index, total int, threshold float64, nodes int)
	OnVolumeWritten(ctx context.Context, path string)
}

// =============================================================================
// Cache Hooks
// =============================================================================

// CacheHooks receives events from cache operations.
type CacheHooks interface {
	// OnCacheHit records a cache hit.
	OnCacheHit(ctx context.Context, keyType string)

	// OnCacheMiss records a cache miss.
	OnCacheMiss(ctx context.Context, keyType string)

	// OnCacheSet records a cache write.
	OnCacheSet(ctx context.Context, keyType string, size int)
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NoopPipelineHooks is a no-op implementation of PipelineHooks.
type NoopPipelineHooks struct{}

func (NoopPipelineHooks) OnWatershedStart(context.Context, [3]int)                       {}
func (NoopPipelineHooks) OnWatershedComplete(context.Context, int, time.Duration, error) {}
func (NoopPipelineHooks) OnGraphBuilt(context.Context, int, int)                         {}
func (NoopPipelineHooks) OnLadderComplete(context.Context, int, int)                     {}
func (NoopPipelineHooks) OnThresholdComplete(context.Context, int, int, float64, int)    {}
func (NoopPipelineHooks) OnVolumeWritten(context.Context, string)                        {}

// NoopCacheHooks is a no-op implementation of CacheHooks.
type NoopCacheHooks struct{}

func (NoopCacheHooks) OnCacheHit(context.Context, string)      {}
func (NoopCacheHooks) OnCacheMiss(context.Context, string)     {}
func (NoopCacheHooks) OnCacheSet(context.Context, string, int) {}

// =============================================================================
// Global Hook Registry
// =============================================================================

var (
	pipelineHooks PipelineHooks = NoopPipelineHooks{}
	cacheHooks    CacheHooks    = NoopCacheHooks{}
	hooksMu       sync.RWMutex
)

// SetPipelineHooks registers custom pipeline hooks.
// This should be called once at application startup before any pipeline operations.
func SetPipelineHooks(h PipelineHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		pipelineHooks = h
	}
}

// SetCacheHooks registers custom cache hooks.
// This should be called once at application startup before any cache operations.
func SetCacheHooks(h CacheHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		cacheHooks = h
	}
}

// Pipeline returns the registered pipeline hooks.
func Pipeline() PipelineHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return pipelineHooks
}

// Cache returns the registered cache hooks.
func Cache() CacheHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return cacheHooks
}

// Reset restores all hooks to their no-op defaults.
// This is primarily useful for testing.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	pipelineHooks = NoopPipelineHooks{}
	cacheHooks = NoopCacheHooks{}
}

// =============================================================================
// Fan-out
// =============================================================================

// MultiPipelineHooks forwards every event to each hook in order.
type MultiPipelineHooks []PipelineHooks

func (m MultiPipelineHooks) OnWatershedStart(ctx context.Context, shape [3]int) {
	for _, h := range m {
		h.OnWatershedStart(ctx, shape)
	}
}

func (m MultiPipelineHooks) OnWatershedComplete(ctx context.Context, basins int, d time.Duration, err error) {
	for _, h := range m {
		h.OnWatershedComplete(ctx, basins, d, err)
	}
}

func (m MultiPipelineHooks) OnGraphBuilt(ctx context.Context, nodes, edges int) {
	for _, h := range m {
		h.OnGraphBuilt(ctx, nodes, edges)
	}
}

func (m MultiPipelineHooks) OnLadderComplete(ctx context.Context, nodes, edges int) {
	for _, h := range m {
		h.OnLadderComplete(ctx, nodes, edges)
	}
}

func (m MultiPipelineHooks) OnThresholdComplete(ctx context.Context, index, total int, threshold float64, nodes int) {
	for _, h := range m {
		h.OnThresholdComplete(ctx, index, total, threshold, nodes)
	}
}

func (m MultiPipelineHooks) OnVolumeWritten(ctx context.Context, path string) {
	for _, h := range m {
		h.OnVolumeWritten(ctx, path)
	}
}
