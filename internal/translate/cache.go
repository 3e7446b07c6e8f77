package translate

import "sync"

// Cache maps original text to translated text for one target language.
// Entries are write-once: once a text has a translation, later writes for the
// same text are ignored. Implementations must be safe for concurrent use.
type Cache interface {
	// Lookup returns the cached translation of text.
	Lookup(text string) (string, bool)

	// Store records translated as the translation of text unless one is
	// already present. It returns the translation held after the call.
	Store(text, translated string) string

	// Len returns the number of cached entries.
	Len() int
}

// MemoryCache is a map-backed [Cache].
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]string)}
}

// Lookup implements [Cache].
func (c *MemoryCache) Lookup(text string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.m[text]
	return t, ok
}

// Store implements [Cache].
func (c *MemoryCache) Store(text, translated string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.m[text]; ok {
		return existing
	}
	c.m[text] = translated
	return translated
}

// Len implements [Cache].
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

var _ Cache = (*MemoryCache)(nil)
