package cache

// ScopedKeyer wraps a Keyer with a prefix so several tools or datasets can
// share one redis server without colliding.
//
// Example usage:
//
//	keyer := NewScopedKeyer(NewDefaultKeyer(), "ray:lab-a:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// WatershedKey generates a prefixed oversegmentation key.
func (k *ScopedKeyer) WatershedKey(probsHash string, invert bool) string {
	return k.prefix + k.inner.WatershedKey(probsHash, invert)
}
