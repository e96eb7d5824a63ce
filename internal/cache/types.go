package cache

// Cache memoizes resolved outputs for individual coalesced elements.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a cached output by key
	// Returns the cached data and true if found, nil and false otherwise
	Get(key string) ([]byte, bool)

	// Set stores an output in the cache with the given key
	Set(key string, value []byte)

	// Close releases any resources held by the cache
	Close()
}
