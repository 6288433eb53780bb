// Package rag provides a region adjacency graph (RAG) over an
// oversegmentation volume, weighted by a boundary probability map.
//
// # Overview
//
// Every distinct nonzero label of the oversegmentation becomes a node; label
// 0 is background and never becomes a node. Two nodes share an edge when
// their regions touch under 6-connectivity, either directly (two voxels of
// different labels are neighbors) or across a one-voxel watershed dam (a
// label-0 voxel whose neighborhood touches both regions).
//
// # Edge Weights
//
// Each edge accumulates boundary samples. A direct contact between voxels u
// and v contributes (p[u]+p[v])/2; a dam voxel w contributes p[w] to every
// pair of regions it separates. The edge weight is the mean of its samples,
// so it depends only on the current statistics of the two incident regions.
// When regions merge, the samples of parallel edges are pooled and the
// weight is recomputed from the pooled statistics.
//
// # Merging
//
// [Graph.Merge] folds one region into another. The region with the lower
// label always survives; the other label is recorded in the merge history
// so [Graph.BuildVolume] can map every original voxel to its present
// representative. Merges are only legal between adjacent regions and fail
// with [ErrNotAdjacent] otherwise.
//
// # Merge Queue
//
// Candidate merges are kept in a min-priority queue ordered by
// (weight, lower label, higher label). Merges push fresh entries for every
// re-derived edge and leave the old ones in place; entries whose edge was
// removed or whose statistics changed are discarded lazily by [Graph.Peek]
// and [Graph.Pop]. [Graph.RebuildMergeQueue] replaces the queue with exactly
// one entry per live edge.
//
// # Copies
//
// [Graph.Copy] returns a graph that shares nothing mutable with its source,
// so experiments on the copy never leak back. The oversegmentation volume
// itself is never modified and is shared by reference.
//
// # Concurrency
//
// Graph instances are not safe for concurrent mutation. Read-only methods
// (including Copy and BuildVolume) may be called concurrently on a graph
// that no goroutine is mutating.
package rag
