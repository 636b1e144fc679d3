// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tagtrain

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/antflydb/tagtrain/lib/features"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FeatureCacheTTL is the default TTL for cached feature vectors
const FeatureCacheTTL = 30 * time.Minute

// CachedExtractor wraps an extractor with caching support. Entries are keyed
// by backbone, path, size and modification time, so an edited image is
// embedded again.
type CachedExtractor struct {
	extractor features.Extractor
	model     string
	cache     *ttlcache.Cache[string, []float32]
	sfGroup   *singleflight.Group
	logger    *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

var _ features.Extractor = (*CachedExtractor)(nil)

// NewCachedExtractor wraps an extractor with caching
func NewCachedExtractor(
	extractor features.Extractor,
	model string,
	cache *ttlcache.Cache[string, []float32],
	logger *zap.Logger,
) *CachedExtractor {
	return &CachedExtractor{
		extractor: extractor,
		model:     model,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
	}
}

// Dimension returns the underlying extractor's dimension
func (c *CachedExtractor) Dimension() int {
	return c.extractor.Dimension()
}

// Extract returns the feature vector of path, from cache when possible
func (c *CachedExtractor) Extract(ctx context.Context, path string) ([]float32, error) {
	info, err := os.Stat(path)
	if err != nil {
		// Let the extractor report the failure in its own terms.
		return c.extractor.Extract(ctx, path)
	}
	key := c.cacheKey(path, info.Size(), info.ModTime())

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("feature")
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("feature")

		start := time.Now()
		vec, err := c.extractor.Extract(ctx, path)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, vec, ttlcache.DefaultTTL)

		c.logger.Debug("Features extracted and cached",
			zap.String("model", c.model),
			zap.String("path", path),
			zap.Duration("duration", time.Since(start)))
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.sfHits.Add(1)
	}
	return result.([]float32), nil
}

// cacheKey generates a unique cache key from model + file identity
func (c *CachedExtractor) cacheKey(path string, size int64, modTime time.Time) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(path)
	_, _ = fmt.Fprintf(h, "|%d|%d", size, modTime.UnixNano())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close closes the underlying extractor
func (c *CachedExtractor) Close() error {
	return c.extractor.Close()
}

// Stats returns cache statistics for this extractor
func (c *CachedExtractor) Stats() ExtractorCacheStats {
	return ExtractorCacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// ExtractorCacheStats holds cache statistics for an extractor
type ExtractorCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// FeatureCache owns the TTL cache shared by wrapped extractors
type FeatureCache struct {
	cache  *ttlcache.Cache[string, []float32]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewFeatureCache creates a new feature cache. A zero ttl selects
// FeatureCacheTTL.
func NewFeatureCache(ttl time.Duration, logger *zap.Logger) *FeatureCache {
	if ttl <= 0 {
		ttl = FeatureCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []float32](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	fc := &FeatureCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	// Log cache stats periodically
	go fc.logStats(ctx)

	return fc
}

// WrapExtractor wraps an extractor with caching
func (fc *FeatureCache) WrapExtractor(extractor features.Extractor, model string) *CachedExtractor {
	return NewCachedExtractor(extractor, model, fc.cache, fc.logger.Named("features"))
}

// Close stops the cache
func (fc *FeatureCache) Close() {
	fc.cancel()
	fc.cache.Stop()
}

// logStats logs cache statistics periodically
func (fc *FeatureCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := fc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				hitRate := float64(metrics.Hits) / float64(metrics.Hits+metrics.Misses) * 100
				fc.logger.Info("Feature cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", fc.cache.Len()))
			}
		}
	}
}

// Len returns the number of cached vectors
func (fc *FeatureCache) Len() int {
	return fc.cache.Len()
}
