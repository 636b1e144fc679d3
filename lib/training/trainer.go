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
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/antflydb/tagtrain/lib/dataset"
	"go.uber.org/zap"
)

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the trainer's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithClassifierFactory replaces the default GoMLX head.
func WithClassifierFactory(f ClassifierFactory) Option {
	return func(t *Trainer) { t.factory = f }
}

// Trainer runs the training state machine for one configuration. A Trainer
// can run several times, one run at a time.
type Trainer struct {
	cfg     Config
	factory ClassifierFactory
	logger  *zap.Logger

	mu    sync.RWMutex
	state State
}

// NewTrainer returns an idle trainer.
func NewTrainer(cfg Config, opts ...Option) *Trainer {
	t := &Trainer{cfg: cfg, factory: NewGomlxClassifier, state: StateIdle}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// State returns the current state. Safe to call from any goroutine.
func (t *Trainer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Trainer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// begin moves an idle or finished trainer into Preparing.
func (t *Trainer) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle && !t.state.Terminal() {
		return fmt.Errorf("training already in progress (%s)", t.state)
	}
	t.state = StatePreparing
	return nil
}

// Train fits a head on ds and persists it under Config.OutputDir.
//
// Configuration problems fail before the head is built. Cancellation of ctx
// is observed between batches and between epochs; the epochs completed so
// far are persisted and returned with StateCancelled and a nil error. Any
// other failure returns an error, StateFailed, and leaves no model directory.
func (t *Trainer) Train(ctx context.Context, ds *dataset.Dataset, progress ProgressFunc) (*Results, error) {
	if err := t.begin(); err != nil {
		return nil, err
	}
	start := time.Now()

	trainSet, valSet, err := t.prepare(ds)
	if err != nil {
		t.setState(StateFailed)
		return nil, err
	}

	head, err := t.factory(t.cfg, ds.FeatureDim, ds.LabelDim, t.logger)
	if err != nil {
		t.setState(StateFailed)
		return nil, fmt.Errorf("creating classifier: %w", err)
	}
	defer func() {
		if err := head.Close(); err != nil {
			t.logger.Warn("Releasing classifier failed", zap.Error(err))
		}
	}()

	t.logger.Info("Training started",
		zap.Int("train_samples", len(trainSet)),
		zap.Int("validation_samples", len(valSet)),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("batch_size", t.cfg.BatchSize),
		zap.String("device", head.Device()))

	results := &Results{Device: head.Device()}
	final, err := t.runEpochs(ctx, head, trainSet, valSet, results, progress)
	results.Duration = time.Since(start)
	if err != nil {
		return t.fail(results, err)
	}
	results.State = final

	dir, err := t.persist(start, head, ds, results)
	if err != nil {
		return t.fail(results, fmt.Errorf("saving model: %w", err))
	}
	results.ModelPath = dir
	t.setState(final)

	t.logger.Info("Training finished",
		zap.String("state", string(final)),
		zap.Int("epochs", results.EpochsCompleted),
		zap.Float64("validation_loss", results.FinalValidLoss),
		zap.String("model", dir),
		zap.Duration("duration", results.Duration))
	return results, nil
}

func (t *Trainer) fail(results *Results, err error) (*Results, error) {
	results.State = StateFailed
	results.ModelPath = ""
	results.Error = err.Error()
	t.setState(StateFailed)
	t.logger.Error("Training failed", zap.Error(err))
	return results, err
}

// prepare validates the run and splits the dataset.
func (t *Trainer) prepare(ds *dataset.Dataset) (trainSet, valSet []dataset.Sample, err error) {
	if err := t.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if ds == nil || ds.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, dataset.ErrEmptyDataset)
	}
	if ds.FeatureDim <= 0 || ds.LabelDim <= 0 {
		return nil, nil, fmt.Errorf("%w: dataset has %d features and %d labels", ErrInvalidConfig, ds.FeatureDim, ds.LabelDim)
	}
	if err := ds.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	trainSet, valSet = ds.Split(t.cfg.ValidationSplit)
	if len(trainSet) == 0 {
		return nil, nil, fmt.Errorf("%w: validation split %g leaves no training samples out of %d",
			ErrInvalidConfig, t.cfg.ValidationSplit, ds.Len())
	}
	return trainSet, valSet, nil
}

// runEpochs drives Training and Validating until a terminal state.
func (t *Trainer) runEpochs(ctx context.Context, head Classifier, trainSet, valSet []dataset.Sample, results *Results, progress ProgressFunc) (State, error) {
	trainX, trainY := columns(trainSet)
	valX, valY := columns(valSet)
	stopper := newEarlyStopper(t.cfg.EarlyStopping)

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		epochStart := time.Now()

		t.setState(StateTraining)
		trainLoss, cancelled, err := t.trainEpoch(ctx, head, trainX, trainY)
		if err != nil {
			return StateFailed, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if cancelled {
			t.logger.Info("Training cancelled mid-epoch", zap.Int("epoch", epoch))
			return StateCancelled, nil
		}

		t.setState(StateValidating)
		trainPred, err := head.Predict(trainX)
		if err != nil {
			return StateFailed, fmt.Errorf("epoch %d: evaluating training set: %w", epoch, err)
		}
		trainAcc := accuracy(trainPred, trainY)

		valLoss, valAcc := trainLoss, trainAcc
		if len(valX) > 0 {
			valPred, err := head.Predict(valX)
			if err != nil {
				return StateFailed, fmt.Errorf("epoch %d: validating: %w", epoch, err)
			}
			valLoss = binaryCrossEntropy(valPred, valY)
			valAcc = accuracy(valPred, valY)
		}
		if math.IsNaN(trainLoss) || math.IsNaN(valLoss) {
			return StateFailed, fmt.Errorf("epoch %d: loss diverged to NaN", epoch)
		}

		stop := stopper.observe(valLoss)
		status := string(StateTraining)
		switch {
		case stop:
			status = string(StateEarlyStopped)
		case epoch == t.cfg.Epochs:
			status = string(StateCompleted)
		}
		p := Progress{
			Epoch:              epoch,
			TotalEpochs:        t.cfg.Epochs,
			TrainLoss:          trainLoss,
			ValidationLoss:     valLoss,
			TrainAccuracy:      trainAcc,
			ValidationAccuracy: valAcc,
			LearningRate:       head.LearningRate(),
			Status:             status,
			Duration:           time.Since(epochStart),
		}
		results.record(p, stopper.best)

		t.logger.Info("Epoch finished",
			zap.Int("epoch", epoch),
			zap.Int("epochs", t.cfg.Epochs),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("validation_loss", valLoss),
			zap.Float64("validation_accuracy", valAcc),
			zap.Duration("duration", p.Duration))
		if progress != nil {
			progress(p)
		}

		if stop {
			t.logger.Info("Early stopping",
				zap.Int("epoch", epoch),
				zap.Int("patience", t.cfg.EarlyStopping.Patience),
				zap.Float64("best_validation_loss", stopper.best))
			return StateEarlyStopped, nil
		}
	}
	return StateCompleted, nil
}

// trainEpoch runs sequential batches over the training subset. It reports
// cancelled when ctx ends before the last batch.
func (t *Trainer) trainEpoch(ctx context.Context, head Classifier, x, y [][]float32) (loss float64, cancelled bool, err error) {
	var sum float64
	var batches int
	for start := 0; start < len(x); start += t.cfg.BatchSize {
		if ctx.Err() != nil {
			return 0, true, nil
		}
		end := min(start+t.cfg.BatchSize, len(x))
		batchLoss, err := head.TrainBatch(x[start:end], y[start:end])
		if err != nil {
			return 0, false, err
		}
		t.logger.Debug("Batch finished", zap.Int("offset", start), zap.Float64("loss", batchLoss))
		sum += batchLoss
		batches++
	}
	return sum / float64(batches), false, nil
}

func (r *Results) record(p Progress, best float64) {
	r.History = append(r.History, p)
	r.EpochsCompleted = p.Epoch
	r.FinalTrainLoss = p.TrainLoss
	r.FinalValidLoss = p.ValidationLoss
	r.FinalTrainAccuracy = p.TrainAccuracy
	r.FinalValidAccuracy = p.ValidationAccuracy
	r.BestValidLoss = best
}

func columns(samples []dataset.Sample) (x, y [][]float32) {
	x = make([][]float32, len(samples))
	y = make([][]float32, len(samples))
	for i, s := range samples {
		x[i] = s.Features
		y[i] = s.Labels
	}
	return x, y
}

// earlyStopper counts epochs without a validation loss improvement of more
// than MinDelta.
type earlyStopper struct {
	cfg   EarlyStoppingConfig
	best  float64
	stale int
}

func newEarlyStopper(cfg EarlyStoppingConfig) *earlyStopper {
	return &earlyStopper{cfg: cfg, best: math.Inf(1)}
}

// observe records one epoch and reports whether training should stop.
func (s *earlyStopper) observe(valLoss float64) bool {
	if valLoss < s.best-s.cfg.MinDelta {
		s.best = valLoss
		s.stale = 0
		return false
	}
	if !s.cfg.Enabled {
		return false
	}
	s.stale++
	return s.stale >= s.cfg.Patience
}

