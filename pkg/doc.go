// Package pkg provides the core libraries for ray, a 3D image segmenter.
//
// # Overview
//
// Ray turns a boundary-probability volume into a family of segmentations.
// A watershed oversegments the volume into many small basins; a region
// adjacency graph over those basins is then agglomerated greedily, merging
// the pair of regions with the weakest boundary until no boundary is at or
// below a threshold. Each threshold yields one label volume.
//
// # Architecture
//
//	probability volume (.rvol or image stack)
//	         ↓
//	    [watershed] package (oversegmentation, cached via [cache])
//	         ↓
//	    [rag] package (region adjacency graph + merge queue)
//	         ↓
//	    [agglo] package (threshold agglomeration, ladder pass)
//	         ↓
//	    label volumes (.rvol), one per threshold
//
// [pipeline] runs these stages for the CLI and reports progress through
// [observability] hooks.
//
// # Quick Start
//
//	probs, _ := volio.LoadProbabilities("probs.rvol")
//	ws, _ := watershed.Compute(ctx, probs)
//
//	g, _ := rag.Build(ws, probs)
//	agglo.Agglomerate(g, 128)
//
//	_ = volio.ExportLabels("seg.rvol", g.BuildVolume(), nil)
//
// # Main Packages
//
// ## Volumes
//
// [volume] - Dense 3D probability and label volumes with shape checks.
//
// [volio] - The .rvol container (JSON header, zstd payload) and 2D image
// stacks (PNG, GIF, JPEG, BMP, TIFF).
//
// ## Segmentation
//
// [watershed] - The oversegmentation contract and a seeded priority-flood
// implementation.
//
// [rag] - Region adjacency graph with mean-boundary edge weights, merging,
// copying and volume reconstruction.
//
// [agglo] - Agglomeration to a threshold and the size-based ladder pass.
//
// ## Infrastructure
//
// [pipeline] - Load → watershed → graph → threshold sweep, sequential or in
// parallel.
//
// [cache] - Watershed cache with file, redis and no-op backends.
//
// [observability] - Pipeline and cache hooks.
//
// [errors] - Error codes shared by every package.
//
// [buildinfo] - Version information stamped into written volumes.
//
// # Testing
//
//	go test ./...                # All tests
//	go test ./pkg/rag/...        # Specific package
//	go test -run Example ./pkg/  # Examples only
//
// [volume]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/volume
// [volio]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/volio
// [watershed]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/watershed
// [rag]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/rag
// [agglo]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/agglo
// [pipeline]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/pipeline
// [cache]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/cache
// [observability]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/observability
// [errors]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/errors
// [buildinfo]: https://pkg.go.dev/github.com/matzehuels/ray/pkg/buildinfo
package pkg
