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

// Package tagtrain trains multi-label image tagging classifiers from the tags
// already attached to images in a catalog or a local folder.
//
// Images are embedded with a frozen ONNX backbone, a small dense head is
// trained on the embeddings with GoMLX, and the result can be exported to
// ONNX for use by other runtimes.
package tagtrain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/antflydb/tagtrain/lib/dataset"
	"github.com/antflydb/tagtrain/lib/export"
	"github.com/antflydb/tagtrain/lib/features"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/antflydb/tagtrain/lib/pipelines"
	"github.com/antflydb/tagtrain/lib/training"
	"github.com/antflydb/tagtrain/lib/vocab"
	"go.uber.org/zap"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ErrNoTrainedModel is returned by ExportModel before a successful Train.
var ErrNoTrainedModel = export.ErrNoTrainedModel

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithExtractor uses e instead of loading the configured backbone.
func WithExtractor(e features.Extractor) ServiceOption {
	return func(s *Service) { s.extractor = e }
}

// WithTrainerOptions passes extra options to every Trainer the service builds.
func WithTrainerOptions(opts ...training.Option) ServiceOption {
	return func(s *Service) { s.trainerOpts = append(s.trainerOpts, opts...) }
}

// Service wires dataset assembly, training and export together.
type Service struct {
	cfg         Config
	logger      *zap.Logger
	trainerOpts []training.Option

	mu        sync.Mutex
	extractor features.Extractor
	sessions  *backends.SessionManager
	cache     *FeatureCache
	trainer   *training.Trainer
	lastModel string
}

// NewService creates a service. The backbone is loaded on first use.
func NewService(cfg Config, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extractor returns the feature extractor, loading the backbone if needed.
func (s *Service) Extractor() (features.Extractor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extractor != nil {
		return s.extractor, nil
	}

	e, err := s.loadBackbone()
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache.Enabled {
		s.cache = NewFeatureCache(s.cfg.Cache.TTL, s.logger)
		s.extractor = s.cache.WrapExtractor(e, s.cfg.Backbone)
	} else {
		s.extractor = e
	}
	return s.extractor, nil
}

// loadBackbone resolves the configured backbone and opens it with the
// preprocessing from its preprocessor_config.json.
func (s *Service) loadBackbone() (features.Extractor, error) {
	if s.cfg.Backbone == "" {
		return nil, fmt.Errorf("no backbone configured")
	}
	start := time.Now()

	modelPath, modelDir := s.cfg.Backbone, filepath.Dir(s.cfg.Backbone)
	var modelBackends []string
	if !strings.HasSuffix(s.cfg.Backbone, ".onnx") {
		dir, err := modelregistry.ResolveModelDir(s.cfg.ModelsDir, modelregistry.ModelTypeBackbone, s.cfg.Backbone)
		if err != nil {
			return nil, err
		}
		modelDir = dir
		modelPath = filepath.Join(dir, "model.onnx")
		if manifest, err := modelregistry.LoadManifestFromDir(dir); err == nil {
			modelPath = filepath.Join(dir, manifest.ModelFilename())
			modelBackends = manifest.Backends
		} else if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Ignoring unreadable backbone manifest", zap.String("dir", dir), zap.Error(err))
		}
	}

	imageCfg, err := pipelines.LoadPreprocessorConfig(modelDir)
	if err != nil {
		return nil, err
	}

	s.sessions = backends.NewSessionManager()
	if len(s.cfg.BackendPriority) > 0 {
		priority, err := backends.ParseBackendPriority(s.cfg.BackendPriority)
		if err != nil {
			return nil, err
		}
		s.sessions.SetPriority(priority)
	}

	e, err := features.NewBackboneExtractor(features.Config{
		ModelPath:     modelPath,
		ModelBackends: modelBackends,
		Image:         imageCfg,
		Threads:       s.cfg.BackboneThreads,
	}, s.sessions, s.logger.Named("backbone"))
	if err != nil {
		return nil, err
	}
	RecordModelLoadDuration(s.cfg.Backbone, string(modelregistry.ModelTypeBackbone), time.Since(start).Seconds())
	return e, nil
}

// BuildDataset embeds and encodes up to maxItems items of source (0 = all).
func (s *Service) BuildDataset(ctx context.Context, source dataset.ItemSource, maxItems int, progress dataset.ProgressFunc) (*dataset.Dataset, error) {
	e, err := s.Extractor()
	if err != nil {
		return nil, err
	}
	assembler := dataset.NewAssembler(e, s.logger.Named("dataset"))
	return assembler.BuildDataset(ctx, source, dataset.BuildOptions{
		MaxItems: maxItems,
		Progress: progress,
		OnItem: func(outcome dataset.Outcome, elapsed time.Duration) {
			RecordDatasetItem(string(outcome), elapsed.Seconds())
		},
		Seed: s.cfg.Training.Seed,
	})
}

// BuildLocalDataset builds a dataset from the images in dir, reading tags
// from sidecar files.
func (s *Service) BuildLocalDataset(ctx context.Context, dir string, maxItems int, includeSubfolders bool, progress dataset.ProgressFunc) (*dataset.Dataset, error) {
	return s.BuildDataset(ctx, s.LocalSource(dir, includeSubfolders), maxItems, progress)
}

// LocalSource returns the directory source configured for this service.
func (s *Service) LocalSource(dir string, includeSubfolders bool) *dataset.LocalSource {
	return &dataset.LocalSource{
		Dir:               dir,
		IncludeSubfolders: includeSubfolders,
		FolderAsCategory:  s.cfg.Source.FolderAsCategory,
		Logger:            s.logger.Named("source"),
	}
}

// PreviewVocabulary lists source and returns the vocabulary a dataset built
// from it would use, without extracting any features.
func (s *Service) PreviewVocabulary(ctx context.Context, source dataset.ItemSource, maxItems int) (*vocab.Vocabulary, error) {
	items, err := source.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	tagSets := make([][]string, 0, len(items))
	for _, item := range items {
		if item.Err == nil {
			tagSets = append(tagSets, item.Tags())
		}
	}
	v := vocab.BuildVocabulary(tagSets)
	if v.Size() == 0 {
		return nil, dataset.ErrNoLabels
	}
	return v, nil
}

// Train fits a classifier on ds with cfg. On success or cancellation the
// persisted directory becomes the target of ExportModel.
func (s *Service) Train(ctx context.Context, ds *dataset.Dataset, cfg training.Config, progress training.ProgressFunc) (*training.Results, error) {
	opts := append([]training.Option{training.WithLogger(s.logger.Named("training"))}, s.trainerOpts...)
	trainer := training.NewTrainer(cfg, opts...)

	s.mu.Lock()
	if s.trainer != nil && !s.trainer.State().Terminal() && s.trainer.State() != training.StateIdle {
		s.mu.Unlock()
		return nil, fmt.Errorf("training already in progress (%s)", s.trainer.State())
	}
	s.trainer = trainer
	s.mu.Unlock()

	results, err := trainer.Train(ctx, ds, func(p training.Progress) {
		RecordEpoch(p.Epoch, p.TrainLoss, p.ValidationLoss, p.TrainAccuracy, p.ValidationAccuracy)
		if progress != nil {
			progress(p)
		}
	})
	RecordTrainingRun(string(trainer.State()))

	if results != nil && results.ModelPath != "" {
		s.mu.Lock()
		s.lastModel = results.ModelPath
		s.mu.Unlock()
	}
	return results, err
}

// TrainingState reports the state of the most recent training run.
func (s *Service) TrainingState() training.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trainer == nil {
		return training.StateIdle
	}
	return s.trainer.State()
}

// LastModelDir returns the directory written by the last successful Train.
func (s *Service) LastModelDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModel
}

// ExportModel exports the classifier from the last successful Train to ONNX
// and returns the path of the ONNX file.
func (s *Service) ExportModel() (string, error) {
	dir := s.LastModelDir()
	if dir == "" {
		return "", ErrNoTrainedModel
	}
	return export.NewExporter(s.logger.Named("export")).Export(dir)
}

// Close releases the backbone and the feature cache.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.extractor != nil {
		errs = append(errs, s.extractor.Close())
		s.extractor = nil
	}
	if s.cache != nil {
		s.cache.Close()
		s.cache = nil
	}
	if s.sessions != nil {
		errs = append(errs, s.sessions.Close())
		s.sessions = nil
	}
	return errors.Join(errs...)
}
