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
	"fmt"
	"path/filepath"

	"github.com/antflydb/tagtrain/lib/training"
	"github.com/antflydb/tagtrain/lib/vocab"
	"go.uber.org/zap"
)

// Prediction is the tagging result for one image.
type Prediction struct {
	Path          string             `json:"path"`
	Tags          []string           `json:"tags"`
	Probabilities map[string]float32 `json:"probabilities,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Predict tags images with the classifier persisted in modelDir. Images that
// yield no features get a Prediction with Error set.
func (s *Service) Predict(ctx context.Context, modelDir string, paths []string, threshold float32) ([]Prediction, error) {
	weights, err := training.LoadWeights(filepath.Join(modelDir, training.WeightsFilename))
	if err != nil {
		return nil, err
	}
	v, err := vocab.Load(filepath.Join(modelDir, vocab.Filename))
	if err != nil {
		return nil, err
	}
	if v.Size() != weights.LabelDim() {
		return nil, fmt.Errorf("vocabulary has %d terms but the head outputs %d labels", v.Size(), weights.LabelDim())
	}
	e, err := s.Extractor()
	if err != nil {
		return nil, err
	}
	if dim := e.Dimension(); dim != 0 && dim != weights.FeatureDim() {
		return nil, fmt.Errorf("backbone produces %d features but the classifier expects %d", dim, weights.FeatureDim())
	}
	encoder := vocab.NewEncoder(v)

	predictions := make([]Prediction, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return predictions, err
		}
		p := Prediction{Path: path}
		vec, err := e.Extract(ctx, path)
		if err == nil && len(vec) != weights.FeatureDim() {
			err = fmt.Errorf("got %d features, want %d", len(vec), weights.FeatureDim())
		}
		if err != nil {
			s.logger.Warn("Skipping image", zap.String("path", path), zap.Error(err))
			p.Error = err.Error()
			predictions = append(predictions, p)
			continue
		}

		probs := weights.Forward([][]float32{vec})[0]
		p.Tags = encoder.Decode(probs, threshold)
		p.Probabilities = make(map[string]float32, len(p.Tags))
		for _, tag := range p.Tags {
			i, _ := v.Index(tag)
			p.Probabilities[tag] = probs[i]
		}
		predictions = append(predictions, p)
	}
	return predictions, nil
}
