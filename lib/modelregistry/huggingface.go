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

package modelregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxParallelDownloads bounds concurrent file downloads for one repo.
const maxParallelDownloads = 4

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// HuggingFaceClient pulls ONNX backbones from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithHFLogger sets the logger
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func (c *HuggingFaceClient) repo(repoID string) *hub.Repo {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}
	return repo
}

// PullFromHuggingFace downloads a backbone's ONNX file and preprocessing
// config from a HuggingFace repo into
//
//	destDir/backbones/owner/model-name/
//
// and writes a model_manifest.json next to them. variant can be: "", "fp16",
// "q4", "q4f16", "quantized". It returns the model directory.
func (c *HuggingFaceClient) PullFromHuggingFace(ctx context.Context, repoID, destDir, variant string) (string, error) {
	ref, err := ParseModelRef(repoID)
	if err != nil {
		return "", fmt.Errorf("parsing repo ID: %w", err)
	}
	if !ref.HasOwner() {
		return "", fmt.Errorf("HuggingFace repo ID must be owner/name, got %q", repoID)
	}
	if variant == "" {
		variant = ref.Variant
	}
	if !IsValidVariant(variant) {
		return "", fmt.Errorf("invalid variant %q: valid variants are %v", variant, ValidVariants()[1:])
	}

	files, err := c.ListRepoFiles(ctx, ref.FullName())
	if err != nil {
		return "", err
	}
	toDownload := selectONNXFiles(files, variant)
	if !slices.ContainsFunc(toDownload, func(f string) bool { return strings.HasSuffix(f, ".onnx") }) {
		return "", fmt.Errorf("no %s ONNX model found in %s (available: %s)",
			VariantDescription(variant), ref.FullName(), strings.Join(availableVariants(files), ", "))
	}

	modelDir := filepath.Join(destDir, ModelTypeBackbone.DirName(), ref.DirPath())
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	c.logger.Info("Pulling backbone",
		zap.String("repo", ref.FullName()),
		zap.String("variant", VariantDescription(variant)),
		zap.Strings("files", toDownload),
		zap.String("destination", modelDir))

	repo := c.repo(ref.FullName())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for _, fileName := range toDownload {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.downloadFile(repo, fileName, modelDir)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	manifest, err := GenerateManifestFromDir(modelDir, ref.Owner, ref.Name, ModelTypeBackbone)
	if err != nil {
		return "", fmt.Errorf("generating manifest: %w", err)
	}
	manifest.Provenance = &ModelProvenance{
		Origin:          OriginHuggingFace,
		CreatedAt:       time.Now().UTC(),
		HuggingFaceRepo: ref.FullName(),
	}
	if err := manifest.SaveTo(filepath.Join(modelDir, ManifestFilename)); err != nil {
		return "", err
	}
	return modelDir, nil
}

// downloadFile fetches one file into the hub cache and copies it into
// modelDir with its directory prefix flattened ("onnx/model.onnx" ->
// "model.onnx"). Quantized variants are stored as model.onnx.
func (c *HuggingFaceClient) downloadFile(repo *hub.Repo, fileName, modelDir string) error {
	localPath, err := repo.DownloadFile(fileName)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", fileName, err)
	}

	destName := filepath.Base(fileName)
	if strings.HasSuffix(destName, ".onnx") {
		destName = "model.onnx"
	}
	destPath := filepath.Join(modelDir, destName)

	if c.progressHandler != nil {
		c.progressHandler(0, 0, destName)
	}
	if err := copyFile(localPath, destPath); err != nil {
		return fmt.Errorf("copying %s: %w", fileName, err)
	}
	if c.progressHandler != nil {
		if info, err := os.Stat(destPath); err == nil {
			c.progressHandler(info.Size(), info.Size(), destName)
		}
	}
	return nil
}

// supportFiles are downloaded alongside the ONNX graph when present.
var supportFiles = []string{"config.json", "preprocessor_config.json"}

// selectONNXFiles filters files based on variant preference.
// It returns config files plus the ONNX model file(s) matching the variant.
func selectONNXFiles(files []string, variant string) []string {
	var result []string

	for _, sf := range supportFiles {
		for _, f := range files {
			if filepath.Base(f) == sf {
				result = append(result, f)
				break
			}
		}
	}

	var onnxBase string
	switch variant {
	case "fp16":
		onnxBase = "model_fp16"
	case "q4":
		onnxBase = "model_q4"
	case "q4f16":
		onnxBase = "model_q4f16"
	case "quantized":
		onnxBase = "model_quantized"
	default:
		onnxBase = "model"
	}

	// Exactly one graph: the shallowest match wins ("model.onnx" over
	// "onnx/model.onnx").
	var best string
	for _, f := range files {
		if filepath.Base(f) != onnxBase+".onnx" {
			continue
		}
		if best == "" || strings.Count(f, "/") < strings.Count(best, "/") {
			best = f
		}
	}
	if best != "" {
		result = append(result, best)
		data := strings.TrimSuffix(best, ".onnx") + ".onnx_data"
		if slices.Contains(files, data) {
			result = append(result, data)
		}
	}
	return result
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

// ValidVariants returns the list of valid ONNX variant names
func ValidVariants() []string {
	return []string{"", "fp16", "q4", "q4f16", "quantized"}
}

// IsValidVariant checks if a variant name is valid
func IsValidVariant(variant string) bool {
	return slices.Contains(ValidVariants(), variant)
}

// VariantDescription returns a human-readable description of a variant
func VariantDescription(variant string) string {
	switch variant {
	case "":
		return "full precision (default)"
	case "fp16":
		return "half precision (FP16)"
	case "q4":
		return "4-bit quantized"
	case "q4f16":
		return "4-bit quantized with FP16"
	case "quantized":
		return "INT8 quantized"
	default:
		return "unknown"
	}
}

// ListRepoFiles returns all files in a HuggingFace repo
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	var files []string
	for fileName, err := range c.repo(repoID).IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		files = append(files, fileName)
	}
	return files, nil
}

// DetectAvailableVariants returns which ONNX variants are available in a repo
func (c *HuggingFaceClient) DetectAvailableVariants(ctx context.Context, repoID string) ([]string, error) {
	files, err := c.ListRepoFiles(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return availableVariants(files), nil
}

func availableVariants(files []string) []string {
	var variants []string
	for _, variant := range ValidVariants() {
		for _, f := range selectONNXFiles(files, variant) {
			if strings.HasSuffix(f, ".onnx") {
				if variant == "" {
					variant = "default"
				}
				variants = append(variants, variant)
				break
			}
		}
	}
	return variants
}

// ParseHuggingFaceRef parses a model reference like "hf:owner/repo" and returns the repo ID
func ParseHuggingFaceRef(ref string) (repoID string, isHF bool) {
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		return after, true
	}
	return "", false
}
