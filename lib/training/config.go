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

// Package training trains a multi-label classifier head on pre-extracted
// image features and persists the result.
package training

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid training configuration")

// OptimizerType selects the parameter update rule.
type OptimizerType string

const (
	OptimizerAdam  OptimizerType = "adam"
	OptimizerSGD   OptimizerType = "sgd"
	OptimizerAdamW OptimizerType = "adamw"
)

// LossType selects the training objective.
type LossType string

// LossBCE is mean binary cross-entropy over all label bits.
const LossBCE LossType = "bce"

// DeviceType selects where the head trains.
type DeviceType string

const (
	DeviceCPU DeviceType = "cpu"
	DeviceGPU DeviceType = "gpu"
)

// EarlyStoppingConfig controls stopping on a validation loss plateau.
type EarlyStoppingConfig struct {
	Enabled  bool    `json:"enabled"`
	Patience int     `json:"patience"`
	MinDelta float64 `json:"min_delta"`
}

// Config holds the hyperparameters of one training run. It is not modified
// while a run is in progress.
type Config struct {
	LearningRate    float64             `json:"learning_rate"`
	Epochs          int                 `json:"epochs"`
	BatchSize       int                 `json:"batch_size"`
	ValidationSplit float64             `json:"validation_split"`
	HiddenDims      []int               `json:"hidden_dims"`
	Dropout         float64             `json:"dropout"`
	WeightDecay     float64             `json:"weight_decay"`
	Optimizer       OptimizerType       `json:"optimizer"`
	Loss            LossType            `json:"loss"`
	EarlyStopping   EarlyStoppingConfig `json:"early_stopping"`
	Device          DeviceType          `json:"device"`
	Seed            uint64              `json:"seed"`

	// OutputDir is the parent of the timestamped model directory.
	OutputDir string `json:"output_dir"`
}

// DefaultConfig returns the settings used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		LearningRate:    1e-3,
		Epochs:          50,
		BatchSize:       32,
		ValidationSplit: 0.2,
		HiddenDims:      []int{512},
		Dropout:         0.3,
		WeightDecay:     1e-4,
		Optimizer:       OptimizerAdam,
		Loss:            LossBCE,
		EarlyStopping:   EarlyStoppingConfig{Enabled: true, Patience: 5, MinDelta: 1e-4},
		Device:          DeviceCPU,
		Seed:            42,
		OutputDir:       "models/classifiers",
	}
}

// ParseOptimizer parses an optimizer name case-insensitively.
func ParseOptimizer(s string) (OptimizerType, error) {
	switch o := OptimizerType(strings.ToLower(strings.TrimSpace(s))); o {
	case OptimizerAdam, OptimizerSGD, OptimizerAdamW:
		return o, nil
	default:
		return "", fmt.Errorf("%w: unknown optimizer %q (valid: adam, sgd, adamw)", ErrInvalidConfig, s)
	}
}

// ParseDevice parses a device name case-insensitively.
func ParseDevice(s string) (DeviceType, error) {
	switch d := DeviceType(strings.ToLower(strings.TrimSpace(s))); d {
	case DeviceCPU, DeviceGPU:
		return d, nil
	case "cuda":
		return DeviceGPU, nil
	default:
		return "", fmt.Errorf("%w: unknown device %q (valid: cpu, gpu)", ErrInvalidConfig, s)
	}
}

// Validate checks the configuration without touching any data.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Epochs <= 0:
		return invalid("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return invalid("batch size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return invalid("learning rate must be positive, got %g", c.LearningRate)
	case c.ValidationSplit < 0 || c.ValidationSplit >= 1:
		return invalid("validation split must be in [0, 1), got %g", c.ValidationSplit)
	case c.Dropout < 0 || c.Dropout >= 1:
		return invalid("dropout must be in [0, 1), got %g", c.Dropout)
	case c.WeightDecay < 0:
		return invalid("weight decay must not be negative, got %g", c.WeightDecay)
	case c.EarlyStopping.Enabled && c.EarlyStopping.Patience < 1:
		return invalid("early stopping patience must be at least 1, got %d", c.EarlyStopping.Patience)
	case c.EarlyStopping.MinDelta < 0:
		return invalid("early stopping min delta must not be negative, got %g", c.EarlyStopping.MinDelta)
	}
	for i, d := range c.HiddenDims {
		if d <= 0 {
			return invalid("hidden dimension %d must be positive, got %d", i, d)
		}
	}
	if _, err := ParseOptimizer(string(c.Optimizer)); err != nil {
		return err
	}
	if c.Loss != LossBCE {
		return invalid("unknown loss %q (valid: bce)", c.Loss)
	}
	if _, err := ParseDevice(string(c.Device)); err != nil {
		return err
	}
	return nil
}

// ConfigFilename is the name of the persisted configuration.
const ConfigFilename = "training_config.json"

// SaveTo writes the configuration as indented JSON.
func (c Config) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling training config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadConfig reads a configuration written by SaveTo.
func LoadConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading training config: %w", err)
	}
	if err := sonic.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decoding training config: %w", err)
	}
	return c, nil
}
