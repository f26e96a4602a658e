package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/plexus/pkg/extensions"
)

// CacheKey derives the validation cache key from the fields that influence a
// result: id, version, type, permissions, resource limits and signature.
// Permissions are sorted so request order does not change the key.
func CacheKey(ext *extensions.Extension) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write("v1", ext.ExtensionID, ext.Name, ext.Version, string(ext.Type))

	perms := append([]extensions.Permission(nil), ext.Security.Permissions...)
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Permission != perms[j].Permission {
			return perms[i].Permission < perms[j].Permission
		}
		return perms[i].Justification < perms[j].Justification
	})
	for _, p := range perms {
		write(p.Permission, p.Justification, strconv.FormatBool(p.AutoApproved))
	}

	rl := ext.Security.ResourceLimits
	write(
		strconv.Itoa(rl.MaxMemoryMB),
		strconv.Itoa(rl.MaxCPUPercent),
		strconv.Itoa(rl.MaxFileSizeMB),
		strconv.FormatBool(rl.NetworkAccess),
		rl.FileSystemAccess,
		strconv.FormatBool(ext.Security.SandboxEnabled),
	)

	if cs := ext.Security.CodeSigning; cs != nil {
		write(cs.Signature, cs.Certificate, cs.Timestamp.UTC().Format(time.RFC3339Nano))
	} else {
		write("unsigned")
	}

	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats are validation cache counters
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int     `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

// ResultCache holds validation results for a fixed TTL
type ResultCache struct {
	cache  *lru.LRU[string, *ValidationResult]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewResultCache creates a cache holding at most size results for ttl
func NewResultCache(size int, ttl time.Duration) *ResultCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResultCache{
		cache: lru.NewLRU[string, *ValidationResult](size, nil, ttl),
	}
}

// Get returns a copy of the cached result
func (c *ResultCache) Get(key string) (*ValidationResult, bool) {
	result, ok := c.cache.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return result.clone(), true
}

// Add stores a copy of result
func (c *ResultCache) Add(key string, result *ValidationResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	c.cache.Add(key, result.clone())
	return nil
}

// Remove drops a single key
func (c *ResultCache) Remove(key string) {
	c.cache.Remove(key)
}

// Purge drops every cached result
func (c *ResultCache) Purge() {
	c.cache.Purge()
}

// Stats returns hit/miss counters
func (c *ResultCache) Stats() CacheStats {
	stats := CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: c.cache.Len(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
