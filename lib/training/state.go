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
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// State is the lifecycle position of a Trainer.
type State string

const (
	StateIdle         State = "idle"
	StatePreparing    State = "preparing"
	StateTraining     State = "training"
	StateValidating   State = "validating"
	StateEarlyStopped State = "early_stopped"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether a run in this state has ended.
func (s State) Terminal() bool {
	switch s {
	case StateEarlyStopped, StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Progress is reported once per completed epoch.
type Progress struct {
	Epoch              int           `json:"epoch"`
	TotalEpochs        int           `json:"total_epochs"`
	TrainLoss          float64       `json:"train_loss"`
	ValidationLoss     float64       `json:"validation_loss"`
	TrainAccuracy      float64       `json:"train_accuracy"`
	ValidationAccuracy float64       `json:"validation_accuracy"`
	LearningRate       float64       `json:"learning_rate"`
	Status             string        `json:"status"`
	Duration           time.Duration `json:"duration_ns"`
}

// ProgressFunc receives epoch progress on the training goroutine.
type ProgressFunc func(Progress)

// Results describes a finished run.
type Results struct {
	ModelPath          string        `json:"model_path,omitempty"`
	State              State         `json:"state"`
	History            []Progress    `json:"history"`
	EpochsCompleted    int           `json:"epochs_completed"`
	FinalTrainLoss     float64       `json:"final_train_loss"`
	FinalValidLoss     float64       `json:"final_validation_loss"`
	FinalTrainAccuracy float64       `json:"final_train_accuracy"`
	FinalValidAccuracy float64       `json:"final_validation_accuracy"`
	BestValidLoss      float64       `json:"best_validation_loss"`
	Device             string        `json:"device"`
	Duration           time.Duration `json:"duration_ns"`
	Error              string        `json:"error,omitempty"`
}

// Summary returns the human-readable report of a run.
func (r *Results) Summary() string {
	var b strings.Builder
	switch r.State {
	case StateEarlyStopped:
		fmt.Fprintf(&b, "Training stopped early after %d epochs", r.EpochsCompleted)
	case StateCancelled:
		fmt.Fprintf(&b, "Training cancelled after %d epochs", r.EpochsCompleted)
	case StateFailed:
		fmt.Fprintf(&b, "Training failed after %d epochs: %s", r.EpochsCompleted, r.Error)
		return b.String()
	default:
		fmt.Fprintf(&b, "Training completed %d epochs", r.EpochsCompleted)
	}
	fmt.Fprintf(&b, " in %s on %s", r.Duration.Round(time.Millisecond), r.Device)
	if r.EpochsCompleted > 0 {
		fmt.Fprintf(&b, "\n  train loss %.4f, accuracy %.2f%%", r.FinalTrainLoss, 100*r.FinalTrainAccuracy)
		fmt.Fprintf(&b, "\n  validation loss %.4f, accuracy %.2f%%", r.FinalValidLoss, 100*r.FinalValidAccuracy)
	}
	if r.ModelPath != "" {
		fmt.Fprintf(&b, "\n  model saved to %s", r.ModelPath)
	}
	return b.String()
}

// ResultsFilename is the name of the persisted results.
const ResultsFilename = "training_results.json"

// SaveTo writes the results as indented JSON.
func (r *Results) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling training results: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadResults reads results written by SaveTo.
func LoadResults(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading training results: %w", err)
	}
	var r Results
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding training results: %w", err)
	}
	return &r, nil
}
