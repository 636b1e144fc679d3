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

// Package catalog is a client for a digital-asset catalog that serves tagged
// images over REST, and an item source backed by it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default HTTP timeout for query requests
	DefaultTimeout = 30 * time.Second

	// DefaultDownloadTimeout is the default timeout for downloading one image
	DefaultDownloadTimeout = 5 * time.Minute

	// DefaultPageSize is the number of items requested per page
	DefaultPageSize = 100
)

// ErrNotFound is returned when the catalog has no item with the given id.
var ErrNotFound = errors.New("catalog item not found")

// Item is one catalog entry as returned by the query endpoint.
type Item struct {
	ID         string   `json:"id"`
	FileName   string   `json:"file_name"`
	Categories []string `json:"categories"`
	Keywords   []string `json:"keywords"`
}

// Page is one page of query results. NextPage is 0 on the last page.
type Page struct {
	Items    []Item `json:"items"`
	Total    int    `json:"total"`
	NextPage int    `json:"next_page"`
}

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// Client is an HTTP client for the catalog API
type Client struct {
	baseURL         string
	token           string
	pageSize        int
	httpClient      *http.Client
	downloadClient  *http.Client
	logger          *zap.Logger
	progressHandler ProgressHandler
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithProgressHandler sets the progress handler for downloads
func WithProgressHandler(h ProgressHandler) ClientOption {
	return func(c *Client) {
		c.progressHandler = h
	}
}

// WithTimeout sets the HTTP timeout for query requests
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithPageSize sets the number of items requested per page
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a catalog client for baseURL (e.g. https://dam.example.com)
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		pageSize: DefaultPageSize,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		downloadClient: &http.Client{
			Timeout: DefaultDownloadTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// QueryPage fetches one page (1-based) of items matching query.
func (c *Client) QueryPage(ctx context.Context, query string, page int) (*Page, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(c.pageSize))
	u := c.baseURL + "/api/items?" + params.Encode()
	c.logger.Debug("Querying catalog", zap.String("url", u))

	req, err := c.newRequest(ctx, u)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}
	var p Page
	if err := sonic.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing query response: %w", err)
	}
	return &p, nil
}

// Query follows pages until the catalog reports the last one or limit items
// have been collected (0 = no limit).
func (c *Client) Query(ctx context.Context, query string, limit int) ([]Item, error) {
	var items []Item
	for page := 1; page > 0; {
		p, err := c.QueryPage(ctx, query, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		items = append(items, p.Items...)
		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
		if p.NextPage != 0 && p.NextPage <= page {
			return nil, fmt.Errorf("catalog returned non-advancing next page %d after %d", p.NextPage, page)
		}
		page = p.NextPage
	}
	return items, nil
}

// Download writes the image bytes of item id to destPath. The file is
// written to destPath.tmp and renamed on success.
func (c *Client) Download(ctx context.Context, id, destPath string) error {
	u := fmt.Sprintf("%s/api/items/%s/file", c.baseURL, url.PathEscape(id))
	c.logger.Debug("Downloading catalog item", zap.String("id", id), zap.String("url", u))

	req, err := c.newRequest(ctx, u)
	if err != nil {
		return err
	}
	req.Header.Del("Accept")
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	reader := io.Reader(resp.Body)
	if c.progressHandler != nil {
		reader = &progressReader{
			reader:   resp.Body,
			total:    resp.ContentLength,
			filename: filepath.Base(destPath),
			handler:  c.progressHandler,
		}
	}

	written, err := io.Copy(tmpFile, reader)
	if err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return fmt.Errorf("size mismatch: expected %d, got %d", resp.ContentLength, written)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

// progressReader wraps a reader to report progress
type progressReader struct {
	reader     io.Reader
	downloaded int64
	total      int64
	filename   string
	handler    ProgressHandler
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		pr.handler(pr.downloaded, pr.total, pr.filename)
	}
	return n, err
}
