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

// Package cli provides the shared output and model management helpers used by
// the tagtrain commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"go.uber.org/zap"
)

// HuggingFaceOptions contains options for pulling a backbone from HuggingFace
type HuggingFaceOptions struct {
	ModelsDir string
	HFToken   string
	Variant   string
	Logger    *zap.Logger
}

// ListOptions contains options for listing models
type ListOptions struct {
	ModelsDir  string
	TypeFilter string
	BinaryName string // Used for help messages
	Out        io.Writer
}

// ListVariants prints the ONNX variants a HuggingFace repo publishes.
func ListVariants(ctx context.Context, repoRef string, opts HuggingFaceOptions) error {
	ref, err := modelregistry.ParseModelRef(repoRef)
	if err != nil {
		return err
	}
	hfToken := opts.HFToken
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(hfToken),
		modelregistry.WithHFLogger(opts.Logger),
	)
	variants, err := client.DetectAvailableVariants(ctx, ref.FullName())
	if err != nil {
		return fmt.Errorf("listing variants of %s: %w", ref.FullName(), err)
	}
	if len(variants) == 0 {
		fmt.Printf("%s publishes no ONNX models\n", ref.FullName())
		return nil
	}
	fmt.Printf("Variants of %s:\n", ref.FullName())
	for _, v := range variants {
		desc := v
		if v != "default" {
			desc = v + " - " + modelregistry.VariantDescription(v)
		}
		fmt.Printf("  %s\n", desc)
	}
	return nil
}

// PullFromHuggingFace pulls an ONNX backbone from HuggingFace.
// repoRef is "owner/name", optionally prefixed with "hf:" and suffixed with
// ":variant".
func PullFromHuggingFace(ctx context.Context, repoRef string, opts HuggingFaceOptions) (string, error) {
	if repoID, ok := modelregistry.ParseHuggingFaceRef(repoRef); ok {
		repoRef = repoID
	}
	if opts.Variant != "" && !modelregistry.IsValidVariant(opts.Variant) {
		return "", fmt.Errorf("invalid variant %q, valid options: fp16, q4, q4f16, quantized", opts.Variant)
	}

	hfToken := opts.HFToken
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(hfToken),
		modelregistry.WithHFProgressHandler(PrintProgress),
		modelregistry.WithHFLogger(logger),
	)

	fmt.Printf("Pulling from HuggingFace: %s\n", repoRef)
	fmt.Printf("Variant: %s\n", modelregistry.VariantDescription(opts.Variant))
	fmt.Println()
	fmt.Println("Downloading files...")

	dir, err := client.PullFromHuggingFace(ctx, repoRef, opts.ModelsDir, opts.Variant)
	if err != nil {
		return "", fmt.Errorf("failed to pull model: %w", err)
	}

	fmt.Printf("\n✓ Backbone pulled successfully to %s\n", dir)
	return dir, nil
}

// ListLocalModels lists installed backbones and trained classifiers
func ListLocalModels(opts ListOptions) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	_, _ = fmt.Fprintf(out, "Local models in %s:\n\n", opts.ModelsDir)

	modelTypes := []modelregistry.ModelType{
		modelregistry.ModelTypeBackbone,
		modelregistry.ModelTypeClassifier,
	}

	var filteredType modelregistry.ModelType
	if opts.TypeFilter != "" {
		var err error
		filteredType, err = modelregistry.ParseModelType(opts.TypeFilter)
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tORIGIN\tDESCRIPTION")

	totalModels := 0
	for _, modelType := range modelTypes {
		if filteredType != "" && modelType != filteredType {
			continue
		}

		models, err := modelregistry.ListLocalModels(opts.ModelsDir, modelType)
		if err != nil {
			return err
		}
		for _, m := range models {
			origin := ""
			if m.Manifest.Provenance != nil {
				origin = m.Manifest.Provenance.Origin
			}
			desc := m.Manifest.Description
			if len(desc) > 50 {
				desc = desc[:47] + "..."
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.Manifest.FullName(),
				modelType,
				FormatBytes(m.TotalSize()),
				origin,
				desc,
			)
			totalModels++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if totalModels == 0 {
		binaryName := opts.BinaryName
		if binaryName == "" {
			binaryName = "tagtrain"
		}
		_, _ = fmt.Fprintln(out, "No models found locally.")
		_, _ = fmt.Fprintf(out, "\nUse '%s pull hf:<owner>/<name>' to download a backbone.\n", binaryName)
		_, _ = fmt.Fprintf(out, "Use '%s train' to train a classifier.\n", binaryName)
	}

	return nil
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// PrintProgress prints download progress to stdout
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := min(int(float64(barWidth)*float64(downloaded)/float64(total)), barWidth)

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}

// ListBackends prints every registered inference backend in priority order
// and marks the one sessions open on by default.
func ListBackends(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	var defaultType backends.BackendType
	if b := backends.GetDefaultBackend(); b != nil {
		defaultType = b.Type()
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BACKEND\tNAME\tAVAILABLE\tDEFAULT")
	for _, b := range backends.ListRegistered() {
		mark := ""
		if b.Type() == defaultType {
			mark = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", b.Type(), b.Name(), b.Available(), mark)
	}
	_ = w.Flush()
}
