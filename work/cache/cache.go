package cache

import (
	"hash/fnv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ManifestCache holds rewritten playlist text for a short TTL so a player
// hammering the same media playlist doesn't re-fetch and re-rewrite it on
// every refresh. Keys are the upstream URL plus the header identity, since
// the same URL rewritten under a different referer yields different output.
type ManifestCache struct {
	cache    *ristretto.Cache[uint64, string]
	duration time.Duration
}

// NewManifestCache creates a TTL cache sized for playlist text. Costs are
// byte lengths, capped at 64 MB of cached manifests.
func NewManifestCache(duration time.Duration) *ManifestCache {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 10000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &ManifestCache{
		cache:    cache,
		duration: duration,
	}
}

// Get returns the cached rewritten manifest for the key, if still fresh.
func (mc *ManifestCache) Get(key string) (string, bool) {
	return mc.cache.Get(hashKey(key))
}

// Set stores a rewritten manifest under the key with the configured TTL.
func (mc *ManifestCache) Set(key, value string) {
	mc.cache.SetWithTTL(hashKey(key), value, int64(len(value)), mc.duration)
}

// Wait blocks until buffered writes have been applied. Sets are applied
// asynchronously; readers that need read-your-write call this first.
func (mc *ManifestCache) Wait() {
	mc.cache.Wait()
}

// Close releases the cache's internal goroutines.
func (mc *ManifestCache) Close() {
	mc.cache.Close()
}

// hashKey maps a string key onto ristretto's uint64 key space.
func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
