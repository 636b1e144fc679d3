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

// Package modelregistry manages the on-disk layout of backbone and
// classifier models: manifests, digests and HuggingFace downloads.
package modelregistry

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ModelType represents the role of a model in the pipeline.
type ModelType string

const (
	// ModelTypeBackbone is a frozen ONNX feature extractor.
	ModelTypeBackbone ModelType = "backbone"
	// ModelTypeClassifier is a trained tag classification head.
	ModelTypeClassifier ModelType = "classifier"
)

// ParseModelType parses a string into a ModelType
func ParseModelType(s string) (ModelType, error) {
	switch strings.ToLower(s) {
	case "backbone", "backbones":
		return ModelTypeBackbone, nil
	case "classifier", "classifiers":
		return ModelTypeClassifier, nil
	default:
		return "", fmt.Errorf("unknown model type: %s (valid: backbone, classifier)", s)
	}
}

// String returns the string representation of the model type
func (t ModelType) String() string {
	return string(t)
}

// DirName returns the directory name for this model type (plural form)
func (t ModelType) DirName() string {
	return string(t) + "s"
}

// Provenance origins.
const (
	OriginHuggingFace = "huggingface"
	OriginTrained     = "trained"
	OriginLocal       = "local"
)

// ModelFile represents a single file in the model manifest
type ModelFile struct {
	// Name is the filename (e.g., "model.onnx", "model.safetensors")
	Name string `json:"name"`
	// Digest is the SHA256 hash of the file (e.g., "sha256:abc123...")
	Digest string `json:"digest"`
	// Size is the file size in bytes
	Size int64 `json:"size"`
}

// ModelProvenance tracks where a model came from
type ModelProvenance struct {
	// Origin is one of OriginHuggingFace, OriginTrained or OriginLocal
	Origin string `json:"origin"`
	// CreatedAt is when the model was downloaded or trained
	CreatedAt time.Time `json:"createdAt"`
	// HuggingFaceRepo is the source repo for downloaded models
	HuggingFaceRepo string `json:"huggingfaceRepo,omitempty"`
}

// CurrentSchemaVersion is the current manifest schema version
const CurrentSchemaVersion = 1

// ModelManifest describes a model directory and its files
type ModelManifest struct {
	SchemaVersion int `json:"schemaVersion"`
	// Name is the model identifier (e.g., "resnet-50" or a run timestamp)
	Name string `json:"name"`
	// Source is the full owner/model identifier (e.g., "microsoft/resnet-50")
	Source string `json:"source,omitempty"`
	// Owner is the namespace/organization (e.g., "microsoft")
	Owner       string      `json:"owner,omitempty"`
	Type        ModelType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Files       []ModelFile `json:"files"`
	// Backends lists supported inference backends for this model.
	// Valid values: "onnx", "xla", "go". Empty means all.
	Backends   []string         `json:"backends,omitempty"`
	Provenance *ModelProvenance `json:"provenance,omitempty"`
}

// SupportsBackend returns true if the model supports the given backend.
// If no backends are specified, all backends are supported.
func (m *ModelManifest) SupportsBackend(backend string) bool {
	if len(m.Backends) == 0 {
		return true
	}
	return slices.Contains(m.Backends, backend)
}

// FullName returns the owner/name format, or just Name without an owner.
func (m *ModelManifest) FullName() string {
	if m.Owner != "" {
		return m.Owner + "/" + m.Name
	}
	return m.Name
}

// DirPath returns the directory path for this model using platform-appropriate separators.
func (m *ModelManifest) DirPath() string {
	if m.Owner != "" {
		return filepath.Join(m.Owner, m.Name)
	}
	return m.Name
}

// HasFile reports whether the manifest lists a file with the given name.
func (m *ModelManifest) HasFile(name string) bool {
	return slices.ContainsFunc(m.Files, func(f ModelFile) bool { return f.Name == name })
}

// ModelFilename returns the first ONNX file of a backbone, preferring
// model.onnx.
func (m *ModelManifest) ModelFilename() string {
	if m.HasFile("model.onnx") {
		return "model.onnx"
	}
	for _, f := range m.Files {
		if strings.HasSuffix(f.Name, ".onnx") {
			return f.Name
		}
	}
	return ""
}

// Validate checks that the manifest is well-formed
func (m *ModelManifest) Validate() error {
	if m.SchemaVersion < 1 || m.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %d (expected 1-%d)", m.SchemaVersion, CurrentSchemaVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field: name")
	}
	if _, err := ParseModelType(string(m.Type)); err != nil {
		return fmt.Errorf("invalid model type: %q", m.Type)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest must have at least one file")
	}
	for _, f := range m.Files {
		if f.Name == "" {
			return fmt.Errorf("file entry missing name")
		}
		if !strings.HasPrefix(f.Digest, "sha256:") {
			return fmt.Errorf("file %s has invalid digest format (expected sha256:...)", f.Name)
		}
	}

	switch m.Type {
	case ModelTypeBackbone:
		if m.ModelFilename() == "" {
			return fmt.Errorf("backbone manifest must include an .onnx file")
		}
	case ModelTypeClassifier:
		if !m.HasFile("model.safetensors") {
			return fmt.Errorf("classifier manifest must include model.safetensors")
		}
	}
	return nil
}

// ParseManifest parses a JSON manifest
func ParseManifest(data []byte) (*ModelManifest, error) {
	var manifest ModelManifest
	if err := sonic.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ManifestFilename is the standard filename for model manifests
const ManifestFilename = "model_manifest.json"

// SaveTo writes the manifest to a file as JSON
func (m *ModelManifest) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifestFromFile loads and validates a manifest from a file
func LoadManifestFromFile(path string) (*ModelManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// LoadManifestFromDir loads a manifest from a model directory
func LoadManifestFromDir(modelDir string) (*ModelManifest, error) {
	return LoadManifestFromFile(filepath.Join(modelDir, ManifestFilename))
}

// ComputeFileDigest computes the SHA256 digest of a file in "sha256:..." format
func ComputeFileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}

	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ScanModelFiles scans a directory and returns ModelFile entries for all files
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename {
			continue
		}

		filePath := filepath.Join(modelDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		digest, err := ComputeFileDigest(filePath)
		if err != nil {
			continue
		}

		files = append(files, ModelFile{
			Name:   entry.Name(),
			Digest: digest,
			Size:   info.Size(),
		})
	}

	return files, nil
}

// GenerateManifestFromDir creates a new manifest by scanning a model directory
func GenerateManifestFromDir(modelDir, owner, name string, modelType ModelType) (*ModelManifest, error) {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no model files found in directory")
	}

	source := name
	if owner != "" {
		source = owner + "/" + name
	}

	return &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          name,
		Source:        source,
		Owner:         owner,
		Type:          modelType,
		Files:         files,
		Provenance: &ModelProvenance{
			Origin:    OriginLocal,
			CreatedAt: time.Now().UTC(),
		},
	}, nil
}

// LocalModel is a model directory found on disk.
type LocalModel struct {
	Dir      string
	Manifest *ModelManifest
}

// TotalSize returns the summed size of the manifest's files.
func (m LocalModel) TotalSize() int64 {
	var total int64
	for _, f := range m.Manifest.Files {
		total += f.Size
	}
	return total
}

// ListLocalModels finds every manifest of the given type below
// <modelsDir>/<type dir>. Directories with unreadable manifests are skipped.
func ListLocalModels(modelsDir string, modelType ModelType) ([]LocalModel, error) {
	root := filepath.Join(modelsDir, modelType.DirName())
	var models []LocalModel
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}
		manifest, err := LoadManifestFromFile(path)
		if err != nil || manifest.Type != modelType {
			return nil
		}
		models = append(models, LocalModel{Dir: filepath.Dir(path), Manifest: manifest})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	slices.SortFunc(models, func(a, b LocalModel) int { return strings.Compare(a.Dir, b.Dir) })
	return models, nil
}
