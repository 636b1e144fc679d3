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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/antflydb/tagtrain/lib/dataset"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCatalog struct {
	items     []Item
	pageSize  int
	token     string
	downloads atomic.Int32
}

func (f *fakeCatalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.URL.Path == "/api/items":
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		start := (page - 1) * f.pageSize
		end := min(start+f.pageSize, len(f.items))
		p := Page{Items: f.items[start:end], Total: len(f.items)}
		if end < len(f.items) {
			p.NextPage = page + 1
		}
		data, _ := sonic.Marshal(p)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	case strings.HasPrefix(r.URL.Path, "/api/items/") && strings.HasSuffix(r.URL.Path, "/file"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/items/"), "/file")
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.downloads.Add(1)
		_, _ = w.Write([]byte("image-" + id))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFakeCatalog(n int) *fakeCatalog {
	f := &fakeCatalog{pageSize: 3, token: "secret"}
	for i := range n {
		f.items = append(f.items, Item{
			ID:         fmt.Sprintf("item-%d", i),
			FileName:   fmt.Sprintf("photo%d.JPG", i),
			Categories: []string{"animals"},
			Keywords:   []string{fmt.Sprintf("k%d", i%2)},
		})
	}
	return f
}

func TestClientQueryFollowsPages(t *testing.T) {
	fake := newFakeCatalog(7)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithToken("secret"), WithPageSize(3), WithLogger(zaptest.NewLogger(t)))
	items, err := c.Query(context.Background(), "tag:animals", 0)
	require.NoError(t, err)
	require.Len(t, items, 7)
	assert.Equal(t, "item-6", items[6].ID)

	limited, err := c.Query(context.Background(), "tag:animals", 4)
	require.NoError(t, err)
	assert.Len(t, limited, 4)
}

func TestClientUnauthorized(t *testing.T) {
	srv := httptest.NewServer(newFakeCatalog(1))
	defer srv.Close()

	_, err := NewClient(srv.URL).Query(context.Background(), "", 0)
	assert.ErrorContains(t, err, "status 401")
}

func TestClientRejectsNonAdvancingPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":"a","file_name":"a.jpg"}],"next_page":1}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Query(context.Background(), "", 0)
	assert.ErrorContains(t, err, "non-advancing")
}

func TestClientDownload(t *testing.T) {
	fake := newFakeCatalog(1)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var reported atomic.Int64
	c := NewClient(srv.URL, WithToken("secret"), WithProgressHandler(func(downloaded, total int64, filename string) {
		reported.Store(downloaded)
	}))
	dest := filepath.Join(t.TempDir(), "sub", "item-0.jpg")
	require.NoError(t, c.Download(context.Background(), "item-0", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "image-item-0", string(data))
	assert.Equal(t, int64(len(data)), reported.Load())
	assert.NoFileExists(t, dest+".tmp")

	err = c.Download(context.Background(), "missing", filepath.Join(t.TempDir(), "x.jpg"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceItemsAndResolve(t *testing.T) {
	fake := newFakeCatalog(4)
	fake.items = append(fake.items, Item{ID: "doc-1", FileName: "notes.pdf", Keywords: []string{"doc"}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cache := t.TempDir()
	src := &Source{
		Client:   NewClient(srv.URL, WithToken("secret"), WithPageSize(2)),
		Query:    "tag:animals",
		CacheDir: cache,
		Logger:   zaptest.NewLogger(t),
	}
	items, err := src.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 4, "non-image items are dropped")
	assert.Equal(t, []string{"animals", "k0"}, items[0].Tags())
	assert.Equal(t, filepath.Join(cache, "item-0.jpg"), items[0].FilePath)
	assert.Contains(t, src.Describe(), "tag:animals")

	path, err := src.ResolvePath(context.Background(), items[1])
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = src.ResolvePath(context.Background(), items[1])
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.downloads.Load(), "cached images are not downloaded again")

	_, err = src.ResolvePath(context.Background(), dataset.Item{Key: "missing", FileName: "m.jpg"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachePathSanitizesIDs(t *testing.T) {
	src := &Source{CacheDir: "/cache"}
	assert.Equal(t, filepath.Join("/cache", "__etc_passwd.png"), src.cachePath("../etc/passwd", "x.PNG"))
}
