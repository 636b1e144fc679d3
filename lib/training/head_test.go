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
	"context"
	"math/rand/v2"
	"testing"

	"github.com/antflydb/tagtrain/lib/dataset"
	"github.com/antflydb/tagtrain/lib/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// catDogDataset has 80 "cat" and 20 "dog" samples whose features cluster
// around opposite corners of an 8-dimensional space.
func catDogDataset(seed uint64) *dataset.Dataset {
	rng := rand.New(rand.NewPCG(seed, seed))
	v := vocab.BuildVocabulary([][]string{{"cat"}, {"dog"}})
	ds := &dataset.Dataset{FeatureDim: 8, LabelDim: 2, Vocabulary: v}
	for i := range 100 {
		cat := i < 80
		features := make([]float32, 8)
		for j := range features {
			center := 0.0
			if (j < 4) == cat {
				center = 1
			}
			features[j] = float32(center + 0.2*rng.NormFloat64())
		}
		labels := []float32{0, 1}
		if cat {
			labels = []float32{1, 0}
		}
		ds.Samples = append(ds.Samples, dataset.Sample{ID: i, Features: features, Labels: labels})
	}
	ds.Shuffle(seed)
	ds.Summary = dataset.Summary{SampleCount: 100, FeatureDim: 8, LabelDim: 2, Included: 100, Candidates: 100}
	return ds
}

func TestGomlxHeadCatDog(t *testing.T) {
	if testing.Short() {
		t.Skip("trains a real head")
	}
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Epochs = 30
	cfg.BatchSize = 80 // full batch keeps the loss curve monotone
	cfg.LearningRate = 0.02
	cfg.HiddenDims = []int{16}
	cfg.Dropout = 0
	cfg.WeightDecay = 0
	cfg.EarlyStopping = EarlyStoppingConfig{Enabled: false}

	ds := catDogDataset(7)
	trainSet, valSet := ds.Split(cfg.ValidationSplit)
	require.Len(t, trainSet, 80)
	require.Len(t, valSet, 20)

	results, err := NewTrainer(cfg, WithLogger(zaptest.NewLogger(t))).Train(context.Background(), ds, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, results.State)
	require.Len(t, results.History, 30)

	for i := 1; i < len(results.History); i++ {
		assert.LessOrEqual(t, results.History[i].TrainLoss, results.History[i-1].TrainLoss+1e-4,
			"training loss rose at epoch %d", i+1)
	}
	assert.Less(t, results.FinalTrainLoss, results.History[0].TrainLoss)
	assert.GreaterOrEqual(t, results.FinalValidAccuracy, 0.9)

	// The persisted weights reproduce the head's predictions in pure Go.
	weights, err := LoadWeights(results.ModelPath + "/" + WeightsFilename)
	require.NoError(t, err)
	assert.Equal(t, 8, weights.FeatureDim())
	assert.Equal(t, []int{16}, weights.HiddenDims())
	assert.Equal(t, 2, weights.LabelDim())

	probs := weights.Forward([][]float32{valSet[0].Features})
	require.Len(t, probs, 1)
	require.Len(t, probs[0], 2)
	encoder := vocab.NewEncoder(ds.Vocabulary)
	want := encoder.Decode(valSet[0].Labels, 0.5)
	assert.Equal(t, want, encoder.Decode(probs[0], 0.5))
}

func TestGomlxHeadPredictMatchesForward(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a real head")
	}
	cfg := DefaultConfig()
	cfg.HiddenDims = []int{4, 3}
	cfg.Optimizer = OptimizerSGD
	cfg.Dropout = 0.5

	head, err := NewGomlxClassifier(cfg, 5, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer head.Close()
	assert.Equal(t, "cpu", head.Device())

	x := [][]float32{{1, 0, -1, 0.5, 2}, {0, 0, 0, 0, 0}}
	y := [][]float32{{1, 0}, {0, 1}}
	loss, err := head.TrainBatch(x, y)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	got, err := head.Predict(x)
	require.NoError(t, err)
	weights, err := head.Weights()
	require.NoError(t, err)
	require.NoError(t, weights.Validate())
	want := weights.Forward(x)
	for i := range want {
		assert.InDeltaSlice(t, want[i], got[i], 1e-4)
	}
}

func TestGomlxHeadTrainBatchLossExcludesWeightDecay(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a real head")
	}
	cfg := DefaultConfig()
	cfg.HiddenDims = []int{6}
	cfg.Optimizer = OptimizerSGD
	cfg.Dropout = 0
	cfg.WeightDecay = 1

	head, err := NewGomlxClassifier(cfg, 5, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer head.Close()

	x := [][]float32{{1, 0, -1, 0.5, 2}, {0.3, -0.2, 0, 1, -1}}
	y := [][]float32{{1, 0}, {0, 1}}

	before, err := head.Predict(x)
	require.NoError(t, err)
	loss, err := head.TrainBatch(x, y)
	require.NoError(t, err)

	// The step measures loss on the weights it starts from.
	assert.InDelta(t, binaryCrossEntropy(before, y), loss, 1e-4)
}
