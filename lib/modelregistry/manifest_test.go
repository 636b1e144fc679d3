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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseModelType(t *testing.T) {
	tests := []struct {
		input    string
		expected ModelType
		wantErr  bool
	}{
		{"backbone", ModelTypeBackbone, false},
		{"backbones", ModelTypeBackbone, false},
		{"BACKBONE", ModelTypeBackbone, false},
		{"classifier", ModelTypeClassifier, false},
		{"classifiers", ModelTypeClassifier, false},
		{"embedder", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseModelType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseModelType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseModelType(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestModelTypeDirName(t *testing.T) {
	if got := ModelTypeBackbone.DirName(); got != "backbones" {
		t.Errorf("DirName() = %v, want backbones", got)
	}
	if got := ModelTypeClassifier.DirName(); got != "classifiers" {
		t.Errorf("DirName() = %v, want classifiers", got)
	}
}

func TestParseManifest(t *testing.T) {
	validBackbone := `{
  "schemaVersion": 1,
  "name": "resnet-50",
  "owner": "Xenova",
  "source": "Xenova/resnet-50",
  "type": "backbone",
  "files": [
    {"name": "model.onnx", "digest": "sha256:abc123", "size": 102400},
    {"name": "preprocessor_config.json", "digest": "sha256:def456", "size": 512}
  ],
  "provenance": {"origin": "huggingface", "createdAt": "2025-01-02T03:04:05Z", "huggingfaceRepo": "Xenova/resnet-50"}
}`

	m, err := ParseManifest([]byte(validBackbone))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.FullName() != "Xenova/resnet-50" {
		t.Errorf("FullName() = %q", m.FullName())
	}
	if m.DirPath() != filepath.Join("Xenova", "resnet-50") {
		t.Errorf("DirPath() = %q", m.DirPath())
	}
	if m.ModelFilename() != "model.onnx" {
		t.Errorf("ModelFilename() = %q", m.ModelFilename())
	}
	if m.Provenance == nil || m.Provenance.Origin != OriginHuggingFace {
		t.Errorf("Provenance = %+v", m.Provenance)
	}
	if !m.SupportsBackend("onnx") {
		t.Error("empty Backends should support every backend")
	}

	invalid := []struct {
		name    string
		json    string
		wantErr string
	}{
		{"bad json", `{`, "parsing manifest"},
		{"schema version", `{"schemaVersion": 9, "name": "x", "type": "backbone", "files": [{"name": "model.onnx", "digest": "sha256:a"}]}`, "schema version"},
		{"missing name", `{"schemaVersion": 1, "type": "backbone", "files": [{"name": "model.onnx", "digest": "sha256:a"}]}`, "name"},
		{"bad type", `{"schemaVersion": 1, "name": "x", "type": "embedder", "files": [{"name": "model.onnx", "digest": "sha256:a"}]}`, "model type"},
		{"no files", `{"schemaVersion": 1, "name": "x", "type": "backbone", "files": []}`, "at least one file"},
		{"bad digest", `{"schemaVersion": 1, "name": "x", "type": "backbone", "files": [{"name": "model.onnx", "digest": "md5:a"}]}`, "digest"},
		{"backbone without onnx", `{"schemaVersion": 1, "name": "x", "type": "backbone", "files": [{"name": "config.json", "digest": "sha256:a"}]}`, ".onnx"},
		{"classifier without weights", `{"schemaVersion": 1, "name": "x", "type": "classifier", "files": [{"name": "vocabulary.json", "digest": "sha256:a"}]}`, "model.safetensors"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseManifest() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSupportsBackend(t *testing.T) {
	m := &ModelManifest{Backends: []string{"onnx"}}
	if !m.SupportsBackend("onnx") {
		t.Error("expected onnx support")
	}
	if m.SupportsBackend("go") {
		t.Error("unexpected go support")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateManifestFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "model.safetensors"), "weights")
	writeFile(t, filepath.Join(dir, "vocabulary.json"), `{"terms":["cat"]}`)
	writeFile(t, filepath.Join(dir, ManifestFilename), "stale")
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}

	m, err := GenerateManifestFromDir(dir, "", "20250102_030405", ModelTypeClassifier)
	if err != nil {
		t.Fatalf("GenerateManifestFromDir() error = %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("expected 2 files (manifest and directories excluded), got %d", len(m.Files))
	}
	if m.Source != "20250102_030405" {
		t.Errorf("Source = %q", m.Source)
	}
	if m.Provenance.Origin != OriginLocal {
		t.Errorf("Origin = %q", m.Provenance.Origin)
	}
	for _, f := range m.Files {
		if f.Name == "model.safetensors" {
			if f.Size != 7 {
				t.Errorf("Size = %d, want 7", f.Size)
			}
			if !strings.HasPrefix(f.Digest, "sha256:") || len(f.Digest) != len("sha256:")+64 {
				t.Errorf("Digest = %q", f.Digest)
			}
		}
	}

	path := filepath.Join(dir, ManifestFilename)
	if err := m.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}
	loaded, err := LoadManifestFromDir(dir)
	if err != nil {
		t.Fatalf("LoadManifestFromDir() error = %v", err)
	}
	if loaded.Type != ModelTypeClassifier || len(loaded.Files) != 2 {
		t.Errorf("loaded manifest = %+v", loaded)
	}

	if _, err := GenerateManifestFromDir(t.TempDir(), "", "empty", ModelTypeClassifier); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestComputeFileDigestStable(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "same")
	writeFile(t, b, "same")

	da, err := ComputeFileDigest(a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := ComputeFileDigest(b)
	if err != nil {
		t.Fatal(err)
	}
	if da != db {
		t.Errorf("digests differ: %s vs %s", da, db)
	}
	if _, err := ComputeFileDigest(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestListLocalModels(t *testing.T) {
	modelsDir := t.TempDir()

	for _, run := range []string{"20250102_030405", "20250101_000000"} {
		dir := filepath.Join(modelsDir, "classifiers", run)
		writeFile(t, filepath.Join(dir, "model.safetensors"), "w-"+run)
		m, err := GenerateManifestFromDir(dir, "", run, ModelTypeClassifier)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.SaveTo(filepath.Join(dir, ManifestFilename)); err != nil {
			t.Fatal(err)
		}
	}
	// Unreadable manifests are skipped.
	writeFile(t, filepath.Join(modelsDir, "classifiers", "broken", ManifestFilename), "{")

	models, err := ListLocalModels(modelsDir, ModelTypeClassifier)
	if err != nil {
		t.Fatalf("ListLocalModels() error = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if filepath.Base(models[0].Dir) != "20250101_000000" {
		t.Errorf("models not sorted: %s first", models[0].Dir)
	}
	if models[0].TotalSize() != int64(len("w-20250101_000000")) {
		t.Errorf("TotalSize() = %d", models[0].TotalSize())
	}

	backbones, err := ListLocalModels(modelsDir, ModelTypeBackbone)
	if err != nil {
		t.Fatalf("ListLocalModels() error = %v", err)
	}
	if len(backbones) != 0 {
		t.Errorf("expected no backbones, got %d", len(backbones))
	}
}
