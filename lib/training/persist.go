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
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/antflydb/tagtrain/lib/dataset"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/antflydb/tagtrain/lib/vocab"
	"go.uber.org/zap"
)

// RunDirLayout is the time layout of model directory names.
const RunDirLayout = "20060102_150405"

// newRunDir creates <OutputDir>/<YYYYMMDD_HHMMSS>, adding a numeric suffix
// when a run in the same second already claimed the name.
func newRunDir(outputDir string, start time.Time) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	base := filepath.Join(outputDir, start.Format(RunDirLayout))
	dir := base
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating model directory: %w", err)
		}
		dir = base + "_" + strconv.Itoa(i)
	}
}

// persist writes the model directory. A failure removes the directory.
func (t *Trainer) persist(start time.Time, head Classifier, ds *dataset.Dataset, results *Results) (_ string, err error) {
	weights, err := head.Weights()
	if err != nil {
		return "", err
	}

	runDir, err := newRunDir(t.cfg.OutputDir, start)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(runDir); rmErr != nil {
				t.logger.Warn("Removing partial model directory failed", zap.String("dir", runDir), zap.Error(rmErr))
			}
		}
	}()

	if err := weights.Save(filepath.Join(runDir, WeightsFilename)); err != nil {
		return "", err
	}
	if err := t.cfg.SaveTo(filepath.Join(runDir, ConfigFilename)); err != nil {
		return "", err
	}
	if err := ds.Summary.SaveTo(filepath.Join(runDir, dataset.SummaryFilename)); err != nil {
		return "", err
	}
	if ds.Vocabulary != nil {
		if err := ds.Vocabulary.SaveTo(filepath.Join(runDir, vocab.Filename)); err != nil {
			return "", err
		}
	}
	results.ModelPath = runDir
	if err := results.SaveTo(filepath.Join(runDir, ResultsFilename)); err != nil {
		return "", err
	}

	manifest, err := modelregistry.GenerateManifestFromDir(runDir, "", filepath.Base(runDir), modelregistry.ModelTypeClassifier)
	if err != nil {
		return "", err
	}
	manifest.Provenance.Origin = modelregistry.OriginTrained
	manifest.Description = fmt.Sprintf("multi-label head %d -> %v -> %d, %s after %d epochs",
		weights.FeatureDim(), weights.HiddenDims(), weights.LabelDim(), results.State, results.EpochsCompleted)
	if err := manifest.SaveTo(filepath.Join(runDir, modelregistry.ManifestFilename)); err != nil {
		return "", err
	}
	return runDir, nil
}
