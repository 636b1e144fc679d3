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
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"go.uber.org/zap"
)

type denseVars struct {
	weights *mlctx.Variable // [in, out]
	bias    *mlctx.Variable // [1, out]
}

// gomlxHead is the default Classifier: dense layers trained with a GoMLX
// optimizer on a per-run engine.
type gomlxHead struct {
	cfg        Config
	featureDim int
	labelDim   int
	logger     *zap.Logger

	engine  *backends.Engine
	ctx     *mlctx.Context
	dense   []denseVars
	trainer *train.Trainer

	mu      sync.Mutex
	predict *mlctx.Exec
}

var _ Classifier = (*gomlxHead)(nil)

// NewGomlxClassifier builds the classifier head on a fresh GoMLX engine.
// A GPU request that cannot be satisfied runs on the CPU instead.
func NewGomlxClassifier(cfg Config, featureDim, labelDim int, logger *zap.Logger) (c Classifier, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := backends.NewEngine(backends.DeviceType(cfg.Device))
	if err != nil {
		return nil, err
	}
	if engine.FellBack {
		logger.Warn("Requested device unavailable, training on CPU",
			zap.String("requested", string(cfg.Device)),
			zap.String("reason", engine.Reason))
	}

	// Graph construction errors surface as panics.
	defer func() {
		if r := recover(); r != nil {
			engine.Finalize()
			c, err = nil, fmt.Errorf("building classifier head: %v", r)
		}
	}()

	h := &gomlxHead{
		cfg:        cfg,
		featureDim: featureDim,
		labelDim:   labelDim,
		logger:     logger,
		engine:     engine,
		ctx:        mlctx.New(),
	}
	h.initVariables()

	var opt optimizers.Interface
	switch cfg.Optimizer {
	case OptimizerAdamW:
		opt = optimizers.Adam().LearningRate(cfg.LearningRate).WeightDecay(cfg.WeightDecay).Done()
	case OptimizerSGD:
		h.ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
		opt = optimizers.StochasticGradientDescent()
	default:
		opt = optimizers.Adam().LearningRate(cfg.LearningRate).Done()
	}

	// The step also reports BCE without the L2 term, so training and
	// validation losses are measured the same way.
	h.trainer = train.NewTrainer(engine.Backend, h.ctx, h.model, bceLoss, opt,
		[]metrics.Interface{metrics.NewBaseMetric("Batch Loss", "loss", metrics.LossMetricType, batchBCE, nil)}, nil)

	logger.Info("Classifier head ready",
		zap.Int("feature_dim", featureDim),
		zap.Ints("hidden_dims", cfg.HiddenDims),
		zap.Int("label_dim", labelDim),
		zap.String("optimizer", string(cfg.Optimizer)),
		zap.String("engine", engine.Config))
	return h, nil
}

// initVariables creates every layer's parameters up front from a seeded
// generator: He-normal weights for ReLU layers, Glorot-uniform for the
// sigmoid output, zero biases.
func (h *gomlxHead) initVariables() {
	rng := rand.New(rand.NewPCG(h.cfg.Seed, h.cfg.Seed+1))
	dims := append([]int{h.featureDim}, h.cfg.HiddenDims...)
	dims = append(dims, h.labelDim)

	for i := 0; i+1 < len(dims); i++ {
		in, out := dims[i], dims[i+1]
		output := i+2 == len(dims)
		w := make([][]float32, in)
		for r := range w {
			w[r] = make([]float32, out)
			for c := range w[r] {
				if output {
					limit := math.Sqrt(6 / float64(in+out))
					w[r][c] = float32((2*rng.Float64() - 1) * limit)
				} else {
					w[r][c] = float32(rng.NormFloat64() * math.Sqrt(2/float64(in)))
				}
			}
		}
		scope := h.ctx.In(layerName(i))
		h.dense = append(h.dense, denseVars{
			weights: scope.VariableWithValue("weights", w),
			bias:    scope.VariableWithValue("bias", [][]float32{make([]float32, out)}),
		})
	}
}

// model is the forward graph: Dense → ReLU → Dropout per hidden layer,
// then Dense → Sigmoid.
func (h *gomlxHead) model(ctx *mlctx.Context, _ any, inputs []*graph.Node) []*graph.Node {
	x := inputs[0]
	g := x.Graph()
	last := len(h.dense) - 1
	for i, l := range h.dense {
		x = graph.Add(graph.MatMul(x, l.weights.ValueGraph(g)), l.bias.ValueGraph(g))
		if i == last {
			break
		}
		x = activations.Relu(x)
		if h.cfg.Dropout > 0 {
			x = layers.Dropout(ctx, x, graph.Scalar(g, x.DType(), h.cfg.Dropout))
		}
	}

	// AdamW decays weights inside the optimizer; the others use an L2 term.
	if h.cfg.WeightDecay > 0 && h.cfg.Optimizer != OptimizerAdamW && ctx.IsTraining(g) {
		for _, l := range h.dense {
			w := l.weights.ValueGraph(g)
			train.AddLoss(ctx, graph.MulScalar(graph.ReduceAllSum(graph.Square(w)), h.cfg.WeightDecay/2))
		}
	}
	return []*graph.Node{graph.Sigmoid(x)}
}

func bceLoss(labels, predictions []*graph.Node) *graph.Node {
	return graph.ReduceAllMean(losses.BinaryCrossentropy(labels, predictions))
}

func batchBCE(ctx *mlctx.Context, _, predictions []*graph.Node) *graph.Node {
	if loss := train.GetLossNoRegularization(ctx, predictions[0].Graph()); loss != nil {
		return loss
	}
	return graph.ScalarZero(predictions[0].Graph(), predictions[0].DType())
}

func (h *gomlxHead) batchTensor(rows [][]float32, width int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(flatten(rows, width), len(rows), width)
}

// TrainBatch implements Classifier.
func (h *gomlxHead) TrainBatch(features, labels [][]float32) (loss float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			loss, err = 0, fmt.Errorf("training step: %v", r)
		}
	}()
	x := h.batchTensor(features, h.featureDim)
	y := h.batchTensor(labels, h.labelDim)
	results, err := h.trainer.TrainStep(nil, []*tensors.Tensor{x}, []*tensors.Tensor{y})
	if err != nil {
		return 0, fmt.Errorf("training step: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("training step returned no loss")
	}
	// The BCE metric is registered last.
	return scalarValue(results[len(results)-1])
}

// Predict implements Classifier.
func (h *gomlxHead) Predict(features [][]float32) (probs [][]float32, err error) {
	if len(features) == 0 {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			probs, err = nil, fmt.Errorf("inference: %v", r)
		}
	}()

	if h.predict == nil {
		h.predict, err = mlctx.NewExecAny(h.engine.Backend, h.ctx, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
			return h.model(ctx, nil, inputs)
		})
		if err != nil {
			return nil, fmt.Errorf("compiling inference graph: %w", err)
		}
	}
	results, err := h.predict.Exec(h.batchTensor(features, h.featureDim))
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	out, ok := results[0].Value().([][]float32)
	if !ok {
		return nil, fmt.Errorf("inference returned %T, want [][]float32", results[0].Value())
	}
	return out, nil
}

// Weights implements Classifier.
func (h *gomlxHead) Weights() (hw *HeadWeights, err error) {
	defer func() {
		if r := recover(); r != nil {
			hw, err = nil, fmt.Errorf("reading head weights: %v", r)
		}
	}()
	hw = &HeadWeights{Layers: make([]DenseLayer, len(h.dense))}
	for i, l := range h.dense {
		wt, err := l.weights.Value()
		if err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", i, err)
		}
		bt, err := l.bias.Value()
		if err != nil {
			return nil, fmt.Errorf("layer %d bias: %w", i, err)
		}
		w, ok := wt.Value().([][]float32)
		if !ok {
			return nil, fmt.Errorf("layer %d weights are not float32 matrices", i)
		}
		b, ok := bt.Value().([][]float32)
		if !ok || len(b) != 1 {
			return nil, fmt.Errorf("layer %d bias has unexpected shape", i)
		}
		hw.Layers[i] = DenseLayer{Weights: w, Bias: b[0]}
	}
	return hw, nil
}

// LearningRate implements Classifier. The schedule is constant.
func (h *gomlxHead) LearningRate() float64 {
	return h.cfg.LearningRate
}

// Device implements Classifier.
func (h *gomlxHead) Device() string {
	return string(h.engine.Device)
}

// Close implements Classifier.
func (h *gomlxHead) Close() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("releasing engine: %v", r)
		}
	}()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.predict != nil {
		h.predict.Finalize()
		h.predict = nil
	}
	h.engine.Finalize()
	return nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected loss value %T", v)
	}
}
