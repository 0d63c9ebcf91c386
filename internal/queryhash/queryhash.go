// Package queryhash caches compiled query hashes per node. The hash of a
// node's compiled query decides whether an existing materialization can
// be reused; an empty cache entry forces recompilation.
package queryhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Cache is a concurrency-safe node ID -> query hash cache. Concurrent
// computes for the same node are collapsed into one.
type Cache struct {
	mu     sync.RWMutex
	hashes map[string]string
	group  singleflight.Group
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{hashes: make(map[string]string)}
}

// Get returns the cached hash for a node, if present.
func (c *Cache) Get(nodeID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.hashes[nodeID]
	return hash, ok
}

// Set stores the hash for a node.
func (c *Cache) Set(nodeID, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[nodeID] = hash
}

// GetOrCompute returns the cached hash for a node, running compile on a
// miss. Concurrent misses for the same node share a single compile call.
// Failed compiles are not cached.
func (c *Cache) GetOrCompute(nodeID string, compile func() (core.Query, error)) (string, error) {
	if hash, ok := c.Get(nodeID); ok {
		return hash, nil
	}

	v, err, _ := c.group.Do(nodeID, func() (any, error) {
		// Re-check under the group: another caller may have filled the
		// entry between the miss and this call.
		if hash, ok := c.Get(nodeID); ok {
			return hash, nil
		}
		q, err := compile()
		if err != nil {
			return "", err
		}
		hash := Hash(q)
		c.Set(nodeID, hash)
		return hash, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate removes a node's cached hash. In-flight computes for the
// node are forgotten so later callers recompute.
func (c *Cache) Invalidate(nodeID string) {
	c.group.Forget(nodeID)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hashes, nodeID)
}

// InvalidateAll clears the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes = make(map[string]string)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}

// Hash computes the hash of a compiled query. Field contents are joined
// with NUL separators so reordering between fields cannot collide.
func Hash(q core.Query) string {
	var b strings.Builder
	b.WriteString(q.SQL)
	b.WriteByte(0)
	b.WriteString(strings.Join(q.Modules, "\x00"))
	b.WriteByte(0)
	b.WriteString(strings.Join(q.Preambles, "\x00"))

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:8]) // Use first 8 bytes for brevity
}
