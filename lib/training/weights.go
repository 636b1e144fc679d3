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

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
)

// WeightsFilename is the name of the persisted head weights.
const WeightsFilename = "model.safetensors"

// ErrNoWeights is returned when a model directory holds no head weights.
var ErrNoWeights = errors.New("no classifier weights found")

// DenseLayer is a fully connected layer computing x·W + b.
type DenseLayer struct {
	// Weights is laid out [input][output].
	Weights [][]float32
	Bias    []float32
}

// InputDim returns the number of inputs.
func (l DenseLayer) InputDim() int { return len(l.Weights) }

// OutputDim returns the number of outputs.
func (l DenseLayer) OutputDim() int { return len(l.Bias) }

// HeadWeights are the trained parameters of the classifier head: hidden
// layers with ReLU activations, then an output layer with a sigmoid.
type HeadWeights struct {
	Layers []DenseLayer
}

// FeatureDim returns the expected input width.
func (h *HeadWeights) FeatureDim() int {
	if len(h.Layers) == 0 {
		return 0
	}
	return h.Layers[0].InputDim()
}

// LabelDim returns the number of output probabilities.
func (h *HeadWeights) LabelDim() int {
	if len(h.Layers) == 0 {
		return 0
	}
	return h.Layers[len(h.Layers)-1].OutputDim()
}

// HiddenDims returns the widths of the hidden layers.
func (h *HeadWeights) HiddenDims() []int {
	if len(h.Layers) == 0 {
		return nil
	}
	dims := make([]int, 0, len(h.Layers)-1)
	for _, l := range h.Layers[:len(h.Layers)-1] {
		dims = append(dims, l.OutputDim())
	}
	return dims
}

// Validate checks that consecutive layers connect.
func (h *HeadWeights) Validate() error {
	if len(h.Layers) == 0 {
		return errors.New("head has no layers")
	}
	for i, l := range h.Layers {
		if l.InputDim() == 0 || l.OutputDim() == 0 {
			return fmt.Errorf("layer %d is empty", i)
		}
		for r, row := range l.Weights {
			if len(row) != l.OutputDim() {
				return fmt.Errorf("layer %d row %d has %d weights, want %d", i, r, len(row), l.OutputDim())
			}
		}
		if i > 0 && h.Layers[i-1].OutputDim() != l.InputDim() {
			return fmt.Errorf("layer %d takes %d inputs but layer %d has %d outputs", i, l.InputDim(), i-1, h.Layers[i-1].OutputDim())
		}
	}
	return nil
}

// Forward computes label probabilities for a batch of feature vectors in
// inference mode.
func (h *HeadWeights) Forward(features [][]float32) [][]float32 {
	out := make([][]float32, len(features))
	for n, x := range features {
		for i, l := range h.Layers {
			y := make([]float32, l.OutputDim())
			copy(y, l.Bias)
			for in, v := range x {
				if v == 0 {
					continue
				}
				for o, w := range l.Weights[in] {
					y[o] += v * w
				}
			}
			last := i == len(h.Layers)-1
			for o := range y {
				if last {
					y[o] = float32(1 / (1 + math.Exp(-float64(y[o]))))
				} else if y[o] < 0 {
					y[o] = 0
				}
			}
			x = y
		}
		out[n] = x
	}
	return out
}

func layerName(i int) string { return "dense_" + strconv.Itoa(i) }

// Save writes the weights as model.safetensors-style tensors
// dense_<i>.weight [in, out] and dense_<i>.bias [out].
func (h *HeadWeights) Save(path string) error {
	if err := h.Validate(); err != nil {
		return err
	}
	tensors := make([]Tensor, 0, 2*len(h.Layers))
	for i, l := range h.Layers {
		flat := make([]float32, 0, l.InputDim()*l.OutputDim())
		for _, row := range l.Weights {
			flat = append(flat, row...)
		}
		tensors = append(tensors,
			Tensor{Name: layerName(i) + ".weight", Shape: []int{l.InputDim(), l.OutputDim()}, Data: flat},
			Tensor{Name: layerName(i) + ".bias", Shape: []int{l.OutputDim()}, Data: l.Bias},
		)
	}
	return WriteSafetensors(path, tensors, map[string]string{
		"format": "tagtrain-head",
		"layers": strconv.Itoa(len(h.Layers)),
	})
}

// LoadWeights reads weights written by Save.
func LoadWeights(path string) (*HeadWeights, error) {
	tensors, metadata, err := ReadSafetensors(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoWeights, path)
	}
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(metadata["layers"])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%s: missing layer count metadata", path)
	}

	h := &HeadWeights{Layers: make([]DenseLayer, n)}
	for i := range n {
		w, okW := tensors[layerName(i)+".weight"]
		b, okB := tensors[layerName(i)+".bias"]
		if !okW || !okB || len(w.Shape) != 2 || len(b.Shape) != 1 {
			return nil, fmt.Errorf("%s: layer %d is missing or malformed", path, i)
		}
		rows, cols := w.Shape[0], w.Shape[1]
		weights := make([][]float32, rows)
		for r := range rows {
			weights[r] = w.Data[r*cols : (r+1)*cols]
		}
		h.Layers[i] = DenseLayer{Weights: weights, Bias: b.Data}
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}
