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

package training

import "go.uber.org/zap"

// Classifier is a trainable multi-label head.
type Classifier interface {
	// TrainBatch runs one optimizer step and returns the batch BCE, excluding
	// any regularization term.
	TrainBatch(features, labels [][]float32) (float64, error)

	// Predict returns label probabilities with dropout disabled.
	Predict(features [][]float32) ([][]float32, error)

	// Weights returns a snapshot of the current parameters.
	Weights() (*HeadWeights, error)

	// LearningRate returns the current step size.
	LearningRate() float64

	// Device describes where the head runs.
	Device() string

	Close() error
}

// ClassifierFactory builds a fresh head for one training run.
type ClassifierFactory func(cfg Config, featureDim, labelDim int, logger *zap.Logger) (Classifier, error)

// flatten packs a batch of equal-length rows into one contiguous slice.
func flatten(rows [][]float32, width int) []float32 {
	flat := make([]float32, len(rows)*width)
	for i, row := range rows {
		copy(flat[i*width:(i+1)*width], row)
	}
	return flat
}
