package vault

import (
	"sync"
	"time"
)

// safetyMargin is shaved off provider-reported token lifetimes so a cached
// token is never handed out within the final seconds of its validity.
const safetyMargin = 30 * time.Second

// TokenCache caches derived bearer tokens obtained with a credential. Entries
// are keyed by a non-secret value (the provider client key), never by the
// credential secret itself.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries: make(map[string]tokenEntry),
		now:     time.Now,
	}
}

// Get returns the cached token for the key, if present and not expired.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.token, true
}

// Put stores a token with the provider-reported lifetime. The cached expiry
// is the lifetime minus a safety margin; lifetimes within the margin are not
// cached at all.
func (c *TokenCache) Put(key, token string, lifetime time.Duration) {
	ttl := lifetime - safetyMargin
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tokenEntry{token: token, expiresAt: c.now().Add(ttl)}
}

// Invalidate drops a cached token, e.g. after the provider rejects it.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
