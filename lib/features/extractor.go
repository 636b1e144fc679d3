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

// Package features computes fixed-length image embeddings with a frozen
// convolutional backbone.
package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/antflydb/tagtrain/lib/pipelines"
	"go.uber.org/zap"
)

// ErrNoResult marks an image that produced no embedding (missing file,
// undecodable data or backbone failure).
var ErrNoResult = errors.New("no feature vector")

// Extractor produces one embedding per image file.
type Extractor interface {
	// Extract returns the embedding of the image at path. Every failure wraps
	// ErrNoResult.
	Extract(ctx context.Context, path string) ([]float32, error)

	// Dimension returns the embedding length, or 0 when unknown until the
	// first successful extraction.
	Dimension() int

	// Close releases the backbone.
	Close() error
}

// Config configures a BackboneExtractor.
type Config struct {
	// ModelPath is the backbone ONNX file.
	ModelPath string `json:"model_path"`
	// ModelBackends restricts which inference backends may open the model.
	ModelBackends []string `json:"model_backends,omitempty"`
	// Image controls preprocessing; nil selects ImageNet settings.
	Image *backends.ImageConfig `json:"image,omitempty"`
	// OutputName picks a specific backbone output; empty selects the first.
	OutputName string `json:"output_name,omitempty"`
	// Threads caps intra-op threads where the backend supports it (0 = auto).
	Threads int `json:"threads,omitempty"`
}

// BackboneExtractor runs images through a frozen backbone session and pools
// the final feature map into a vector.
type BackboneExtractor struct {
	session   backends.Session
	processor *pipelines.ImageProcessor
	inputName string
	outputIdx int
	backend   backends.BackendSpec
	logger    *zap.Logger

	mu  sync.Mutex
	dim int
}

var _ Extractor = (*BackboneExtractor)(nil)

// NewBackboneExtractor opens the backbone through the session manager.
func NewBackboneExtractor(cfg Config, manager *backends.SessionManager, logger *zap.Logger) (*BackboneExtractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("backbone model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("backbone model: %w", err)
	}

	var opts []backends.SessionOption
	if cfg.Threads > 0 {
		opts = append(opts, backends.WithSessionThreads(cfg.Threads))
	}
	session, spec, err := manager.OpenSession(cfg.ModelPath, cfg.ModelBackends, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening backbone: %w", err)
	}

	e, err := NewExtractorFromSession(session, cfg, logger)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	e.backend = spec

	logger.Info("Backbone loaded",
		zap.String("path", cfg.ModelPath),
		zap.String("backend", spec.String()),
		zap.String("input", e.inputName),
		zap.Int("dimension", e.dim))
	return e, nil
}

// NewExtractorFromSession wraps an already open session.
func NewExtractorFromSession(session backends.Session, cfg Config, logger *zap.Logger) (*BackboneExtractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inputs := session.InputInfo()
	if len(inputs) == 0 {
		return nil, fmt.Errorf("backbone declares no inputs")
	}
	outputs := session.OutputInfo()
	outputIdx := 0
	if cfg.OutputName != "" {
		outputIdx = -1
		for i, info := range outputs {
			if info.Name == cfg.OutputName {
				outputIdx = i
			}
		}
		if outputIdx < 0 {
			return nil, fmt.Errorf("backbone has no output %q", cfg.OutputName)
		}
	}

	e := &BackboneExtractor{
		session:   session,
		processor: pipelines.NewImageProcessor(cfg.Image),
		inputName: inputs[0].Name,
		outputIdx: outputIdx,
		logger:    logger,
	}
	if outputIdx < len(outputs) {
		e.dim = staticDimension(outputs[outputIdx].Shape)
	}
	return e, nil
}

// staticDimension returns the length of the pooled vector for an output
// shape when it is known ahead of time, matching Pool: channels for a
// [N, C, H, W] map, every non-batch value for rank 2 and 3.
func staticDimension(shape []int64) int {
	switch len(shape) {
	case 2, 3:
		n := int64(1)
		for _, d := range shape[1:] {
			if d <= 0 {
				return 0
			}
			n *= d
		}
		return int(n)
	case 4:
		if shape[1] <= 0 {
			return 0
		}
		return int(shape[1])
	default:
		return 0
	}
}

// Backend returns the backend the backbone runs on.
func (e *BackboneExtractor) Backend() backends.BackendSpec {
	return e.backend
}

// Extract implements Extractor.
func (e *BackboneExtractor) Extract(ctx context.Context, path string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	pixels, err := e.processor.ProcessFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	outputs, err := e.session.Run([]backends.NamedTensor{{
		Name:  e.inputName,
		Shape: e.processor.TensorShape(1),
		Data:  pixels,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: backbone: %w", ErrNoResult, path, err)
	}
	if e.outputIdx >= len(outputs) {
		return nil, fmt.Errorf("%w: %s: backbone returned %d outputs", ErrNoResult, path, len(outputs))
	}

	vec, err := Pool(outputs[e.outputIdx])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, path, err)
	}
	if e.dim == 0 {
		e.dim = len(vec)
	} else if len(vec) != e.dim {
		return nil, fmt.Errorf("%w: %s: embedding has %d values, expected %d", ErrNoResult, path, len(vec), e.dim)
	}

	e.logger.Debug("Extracted features",
		zap.String("path", path),
		zap.Duration("duration", time.Since(start)))
	return vec, nil
}

// Dimension implements Extractor.
func (e *BackboneExtractor) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// Close implements Extractor.
func (e *BackboneExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Close()
}
