// Package cache stores computed oversegmentations so repeated runs over the
// same probability volume skip the watershed.
//
// # Backends
//
//   - [FileCache] keeps entries as JSON files under a directory, normally
//     the XDG cache dir. It is what the CLI uses by default.
//   - [RedisCache] shares entries between machines through a redis server.
//   - [NullCache] stores nothing; it backs --no-cache.
//
// # Keys
//
// Keys are produced by a [Keyer] from a content hash of the input volume
// and the options that influence the result, so a changed probability map
// or a different inversion setting never hits a stale entry.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value store with optional expiry.
type Cache interface {
	// Get returns the value stored under key. The second result is false
	// on a miss; an error is returned only when the backend fails.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// WatershedTTL is how long a cached oversegmentation stays valid.
const WatershedTTL = 30 * 24 * time.Hour

// Key types reported to observability hooks.
const (
	KeyTypeWatershed = "watershed"
)

// Keyer derives cache keys.
type Keyer interface {
	// WatershedKey returns the key of the oversegmentation computed from a
	// probability volume with the given content hash.
	WatershedKey(probsHash string, invert bool) string
}

// watershedVersion is bumped whenever the default watershed changes its
// output for the same input.
const watershedVersion = 1

// DefaultKeyer is the standard [Keyer].
type DefaultKeyer struct{}

// NewDefaultKeyer creates the standard keyer.
func NewDefaultKeyer() Keyer {
	return DefaultKeyer{}
}

// WatershedKey hashes the probability hash, the inversion flag and the
// watershed version into one key.
func (DefaultKeyer) WatershedKey(probsHash string, invert bool) string {
	return hashKey("watershed", probsHash, invert, watershedVersion)
}
