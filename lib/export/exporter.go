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

// Package export converts a trained classifier directory into a portable
// ONNX model with a JSON metadata sidecar.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/antflydb/tagtrain/lib/training"
	"github.com/antflydb/tagtrain/lib/vocab"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// ErrNoTrainedModel is returned when there is nothing to export.
var ErrNoTrainedModel = errors.New("no trained model to export")

const (
	// ModelFilename is the exported ONNX graph.
	ModelFilename = "model.onnx"
	// MetadataFilename is the JSON sidecar written next to the graph.
	MetadataFilename = "model_metadata.json"
	// DefaultThreshold is the probability above which a tag is assigned.
	DefaultThreshold = 0.5
)

// TensorSpec describes one graph input or output. A dimension of -1 is the
// dynamic batch size.
type TensorSpec struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
	DType string  `json:"dtype"`
}

// Metadata is the sidecar consumers read to run the exported model.
type Metadata struct {
	Format       string           `json:"format"`
	OpsetVersion int              `json:"opset_version"`
	Input        TensorSpec       `json:"input"`
	Output       TensorSpec       `json:"output"`
	HiddenDims   []int            `json:"hidden_dims"`
	Threshold    float64          `json:"threshold"`
	Vocabulary   []string         `json:"vocabulary"`
	Training     *training.Config `json:"training_config,omitempty"`
	ExportedAt   time.Time        `json:"exported_at"`
}

// Exporter writes ONNX models for trained classifier directories.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates an exporter.
func NewExporter(logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{logger: logger}
}

// Export writes model.onnx and model_metadata.json into modelDir and
// returns the path of the ONNX file. The directory's manifest is refreshed
// to list the new files.
func (e *Exporter) Export(modelDir string) (string, error) {
	weights, err := training.LoadWeights(filepath.Join(modelDir, training.WeightsFilename))
	if errors.Is(err, training.ErrNoWeights) {
		return "", fmt.Errorf("%w: %s has no %s", ErrNoTrainedModel, modelDir, training.WeightsFilename)
	}
	if err != nil {
		return "", fmt.Errorf("loading weights: %w", err)
	}

	v, err := vocab.Load(filepath.Join(modelDir, vocab.Filename))
	if err != nil {
		return "", fmt.Errorf("loading vocabulary: %w", err)
	}
	if v.Size() != weights.LabelDim() {
		return "", fmt.Errorf("vocabulary has %d terms but the head outputs %d labels", v.Size(), weights.LabelDim())
	}

	meta := Metadata{
		Format:       "onnx",
		OpsetVersion: OpsetVersion,
		Input:        TensorSpec{Name: InputName, Shape: []int64{-1, int64(weights.FeatureDim())}, DType: "float32"},
		Output:       TensorSpec{Name: OutputName, Shape: []int64{-1, int64(weights.LabelDim())}, DType: "float32"},
		HiddenDims:   weights.HiddenDims(),
		Threshold:    DefaultThreshold,
		Vocabulary:   v.Terms(),
		ExportedAt:   time.Now().UTC(),
	}
	if cfg, err := training.LoadConfig(filepath.Join(modelDir, training.ConfigFilename)); err == nil {
		meta.Training = &cfg
	} else {
		e.logger.Warn("Exporting without training configuration", zap.Error(err))
	}

	onnxPath := filepath.Join(modelDir, ModelFilename)
	if err := os.WriteFile(onnxPath, encodeHead(weights), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", ModelFilename, err)
	}
	if err := meta.SaveTo(filepath.Join(modelDir, MetadataFilename)); err != nil {
		return "", err
	}
	if err := e.refreshManifest(modelDir); err != nil {
		return "", err
	}

	e.logger.Info("Exported classifier",
		zap.String("path", onnxPath),
		zap.Int("feature_dim", weights.FeatureDim()),
		zap.Int("label_dim", weights.LabelDim()))
	return onnxPath, nil
}

func (e *Exporter) refreshManifest(modelDir string) error {
	previous, err := modelregistry.LoadManifestFromDir(modelDir)
	manifest, genErr := modelregistry.GenerateManifestFromDir(modelDir, "", filepath.Base(modelDir), modelregistry.ModelTypeClassifier)
	if genErr != nil {
		return fmt.Errorf("updating manifest: %w", genErr)
	}
	if err == nil {
		manifest.Description = previous.Description
		manifest.Provenance = previous.Provenance
	} else {
		manifest.Provenance.Origin = modelregistry.OriginTrained
	}
	return manifest.SaveTo(filepath.Join(modelDir, modelregistry.ManifestFilename))
}

// SaveTo writes the metadata as indented JSON.
func (m Metadata) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling export metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing export metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads a sidecar written by Export.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading export metadata: %w", err)
	}
	var m Metadata
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding export metadata: %w", err)
	}
	return &m, nil
}
