package cache

// NoopCache is used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a cache that stores nothing
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

// Get always misses
func (n *NoopCache) Get(string) ([]byte, bool) {
	return nil, false
}

// Set discards the value
func (n *NoopCache) Set(string, []byte) {}

// Close is a no-op
func (n *NoopCache) Close() {}
