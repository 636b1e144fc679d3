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

package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// SupportedExtensions lists the image file extensions a local source accepts.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".tif", ".gif", ".webp"}

// IsSupportedImage reports whether path has a supported image extension.
func IsSupportedImage(path string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(path)))
}

// Item is a candidate image with its tags.
type Item struct {
	// Key identifies the item within its source (a path or a catalog id).
	Key        string
	FileName   string
	FilePath   string
	Categories []string
	Keywords   []string
	// Err is set when the item's metadata could not be read.
	Err error
}

// Tags returns categories followed by keywords.
func (it Item) Tags() []string {
	tags := make([]string, 0, len(it.Categories)+len(it.Keywords))
	tags = append(tags, it.Categories...)
	return append(tags, it.Keywords...)
}

// ItemSource yields candidate items in a stable order.
type ItemSource interface {
	// Items lists the candidates. Per-item metadata failures are reported on
	// Item.Err rather than failing the whole listing.
	Items(ctx context.Context) ([]Item, error)

	// Describe returns a short human-readable origin for summaries.
	Describe() string
}

// PathResolver is implemented by sources whose items must be materialized on
// disk (e.g. downloaded) before features can be extracted.
type PathResolver interface {
	ResolvePath(ctx context.Context, item Item) (string, error)
}

// LocalSource lists images in a directory and reads their tags with a TagReader.
type LocalSource struct {
	Dir               string
	IncludeSubfolders bool
	// FolderAsCategory adds the image's parent folder name as a category.
	FolderAsCategory bool
	Reader           TagReader
	Logger           *zap.Logger
}

var _ ItemSource = (*LocalSource)(nil)

// Describe implements ItemSource.
func (s *LocalSource) Describe() string {
	return "local:" + s.Dir
}

// Items implements ItemSource. Paths are returned in lexical order.
func (s *LocalSource) Items(ctx context.Context) ([]Item, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := s.Reader
	if reader == nil {
		reader = SidecarReader{}
	}

	info, err := os.Stat(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", s.Dir)
	}

	var paths []string
	err = filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != s.Dir && !s.IncludeSubfolders {
				return fs.SkipDir
			}
			return ctx.Err()
		}
		if IsSupportedImage(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.Dir, err)
	}
	slices.Sort(paths)

	items := make([]Item, 0, len(paths))
	for _, path := range paths {
		item := Item{Key: path, FileName: filepath.Base(path), FilePath: path}
		tags, err := reader.ReadTags(path)
		if err != nil {
			item.Err = err
		} else {
			item.Categories = tags.Categories
			item.Keywords = tags.Keywords
		}
		if s.FolderAsCategory && item.Err == nil {
			if dir := filepath.Dir(path); dir != filepath.Clean(s.Dir) {
				item.Categories = append(item.Categories, filepath.Base(dir))
			}
		}
		items = append(items, item)
	}
	return items, nil
}
