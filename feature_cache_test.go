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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antflydb/tagtrain/lib/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingExtractor struct {
	calls atomic.Int32
	delay time.Duration
	fail  bool
}

func (e *countingExtractor) Extract(ctx context.Context, path string) ([]float32, error) {
	n := e.calls.Add(1)
	time.Sleep(e.delay)
	if e.fail {
		return nil, features.ErrNoResult
	}
	return []float32{float32(n)}, nil
}

func (e *countingExtractor) Dimension() int { return 1 }
func (e *countingExtractor) Close() error   { return nil }

func TestCachedExtractorHitsAndInvalidation(t *testing.T) {
	fc := NewFeatureCache(time.Minute, zaptest.NewLogger(t))
	defer fc.Close()

	inner := &countingExtractor{}
	c := fc.WrapExtractor(inner, "resnet-50")
	assert.Equal(t, 1, c.Dimension())

	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	first, err := c.Extract(context.Background(), path)
	require.NoError(t, err)
	second, err := c.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1, fc.Len())

	// A touched file is embedded again.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	third, err := c.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, int32(2), inner.calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, "resnet-50", stats.Model)
}

func TestCachedExtractorKeysIncludeModel(t *testing.T) {
	fc := NewFeatureCache(0, nil)
	defer fc.Close()

	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	a := &countingExtractor{}
	b := &countingExtractor{}
	_, err := fc.WrapExtractor(a, "resnet-50").Extract(context.Background(), path)
	require.NoError(t, err)
	_, err = fc.WrapExtractor(b, "vit-base").Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestCachedExtractorErrorsAreNotCached(t *testing.T) {
	fc := NewFeatureCache(time.Minute, nil)
	defer fc.Close()

	inner := &countingExtractor{fail: true}
	c := fc.WrapExtractor(inner, "resnet-50")
	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	for range 2 {
		_, err := c.Extract(context.Background(), path)
		assert.True(t, errors.Is(err, features.ErrNoResult))
	}
	assert.Equal(t, int32(2), inner.calls.Load())

	// Missing files go straight to the extractor.
	_, err := c.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, features.ErrNoResult)
	assert.Zero(t, fc.Len())
}

func TestCachedExtractorSingleflight(t *testing.T) {
	fc := NewFeatureCache(time.Minute, nil)
	defer fc.Close()

	inner := &countingExtractor{delay: 50 * time.Millisecond}
	c := fc.WrapExtractor(inner, "resnet-50")
	path := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Extract(context.Background(), path)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inner.calls.Load())
}
