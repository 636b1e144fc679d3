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

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/tagtrain/lib/dataset"
	"go.uber.org/zap"
)

// Source is a dataset.ItemSource over a catalog query. Images are downloaded
// into CacheDir on first use and reused afterwards.
type Source struct {
	Client   *Client
	Query    string
	CacheDir string
	// Limit caps the number of items listed (0 = no cap).
	Limit  int
	Logger *zap.Logger
}

var (
	_ dataset.ItemSource   = (*Source)(nil)
	_ dataset.PathResolver = (*Source)(nil)
)

// Describe implements dataset.ItemSource.
func (s *Source) Describe() string {
	return fmt.Sprintf("catalog:%s?query=%s", s.Client.baseURL, s.Query)
}

// Items implements dataset.ItemSource. Items whose file name has no
// supported image extension are dropped.
func (s *Source) Items(ctx context.Context) ([]dataset.Item, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	found, err := s.Client.Query(ctx, s.Query, s.Limit)
	if err != nil {
		return nil, err
	}

	items := make([]dataset.Item, 0, len(found))
	for _, it := range found {
		if !dataset.IsSupportedImage(it.FileName) {
			logger.Debug("Skipping unsupported catalog item",
				zap.String("id", it.ID),
				zap.String("file", it.FileName))
			continue
		}
		items = append(items, dataset.Item{
			Key:        it.ID,
			FileName:   it.FileName,
			FilePath:   s.cachePath(it.ID, it.FileName),
			Categories: it.Categories,
			Keywords:   it.Keywords,
		})
	}
	logger.Info("Catalog query complete",
		zap.String("query", s.Query),
		zap.Int("items", len(items)),
		zap.Int("skipped", len(found)-len(items)))
	return items, nil
}

// ResolvePath implements dataset.PathResolver.
func (s *Source) ResolvePath(ctx context.Context, item dataset.Item) (string, error) {
	path := s.cachePath(item.Key, item.FileName)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	if err := s.Client.Download(ctx, item.Key, path); err != nil {
		return "", fmt.Errorf("fetching %s: %w", item.Key, err)
	}
	return path, nil
}

// cachePath keeps the extension so the image decoder can sniff by name.
func (s *Source) cachePath(id, fileName string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(s.CacheDir, safe+strings.ToLower(filepath.Ext(fileName)))
}
