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

package tagtrain

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/antflydb/tagtrain/lib/catalog"
	"github.com/antflydb/tagtrain/lib/modelregistry"
	"github.com/antflydb/tagtrain/lib/training"
	"github.com/spf13/viper"
)

// Config is the typed view of the tagtrain configuration keys.
type Config struct {
	// ModelsDir holds backbones/ and classifiers/.
	ModelsDir string `json:"models_dir"`
	// Backbone is an "owner/name" reference under ModelsDir/backbones, a
	// model directory, or an .onnx file.
	Backbone string `json:"backbone"`
	// BackboneThreads caps intra-op threads of the backbone session (0 = auto).
	BackboneThreads int `json:"backbone_threads,omitempty"`
	// BackendPriority orders inference backends, e.g. ["onnx:cuda", "go"].
	BackendPriority []string        `json:"backend_priority,omitempty"`
	Cache           CacheConfig     `json:"cache"`
	Source          SourceConfig    `json:"source"`
	Catalog         CatalogConfig   `json:"catalog"`
	Training        training.Config `json:"training"`
}

// CacheConfig controls the in-process feature cache.
type CacheConfig struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"ttl"`
}

// SourceConfig configures the local directory source.
type SourceConfig struct {
	Dir               string `json:"dir"`
	IncludeSubfolders bool   `json:"include_subfolders"`
	FolderAsCategory  bool   `json:"folder_as_category"`
	MaxItems          int    `json:"max_items"`
}

// CatalogConfig configures the remote catalog source.
type CatalogConfig struct {
	URL      string        `json:"url"`
	Token    string        `json:"-"`
	Query    string        `json:"query"`
	CacheDir string        `json:"cache_dir"`
	PageSize int           `json:"page_size"`
	Timeout  time.Duration `json:"timeout"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	t := training.DefaultConfig()
	v.SetDefault("models_dir", "models")
	v.SetDefault("backbone", "")
	v.SetDefault("backbone_threads", 0)
	v.SetDefault("backend_priority", []string{})
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", FeatureCacheTTL)
	v.SetDefault("source.include_subfolders", false)
	v.SetDefault("source.folder_as_category", false)
	v.SetDefault("source.max_items", 0)
	v.SetDefault("catalog.cache_dir", "cache/catalog")
	v.SetDefault("catalog.page_size", catalog.DefaultPageSize)
	v.SetDefault("catalog.timeout", catalog.DefaultTimeout)
	v.SetDefault("training.learning_rate", t.LearningRate)
	v.SetDefault("training.epochs", t.Epochs)
	v.SetDefault("training.batch_size", t.BatchSize)
	v.SetDefault("training.validation_split", t.ValidationSplit)
	v.SetDefault("training.hidden_dims", t.HiddenDims)
	v.SetDefault("training.dropout", t.Dropout)
	v.SetDefault("training.weight_decay", t.WeightDecay)
	v.SetDefault("training.optimizer", string(t.Optimizer))
	v.SetDefault("training.early_stopping.enabled", t.EarlyStopping.Enabled)
	v.SetDefault("training.early_stopping.patience", t.EarlyStopping.Patience)
	v.SetDefault("training.early_stopping.min_delta", t.EarlyStopping.MinDelta)
	v.SetDefault("training.device", string(t.Device))
	v.SetDefault("training.seed", t.Seed)
}

// ConfigFromViper assembles a Config from v. Enumerated training values are
// parsed here; ranges are checked when training starts.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		ModelsDir:       v.GetString("models_dir"),
		Backbone:        v.GetString("backbone"),
		BackboneThreads: v.GetInt("backbone_threads"),
		BackendPriority: v.GetStringSlice("backend_priority"),
		Cache: CacheConfig{
			Enabled: v.GetBool("cache.enabled"),
			TTL:     v.GetDuration("cache.ttl"),
		},
		Source: SourceConfig{
			Dir:               v.GetString("source.dir"),
			IncludeSubfolders: v.GetBool("source.include_subfolders"),
			FolderAsCategory:  v.GetBool("source.folder_as_category"),
			MaxItems:          v.GetInt("source.max_items"),
		},
		Catalog: CatalogConfig{
			URL:      v.GetString("catalog.url"),
			Token:    v.GetString("catalog.token"),
			Query:    v.GetString("catalog.query"),
			CacheDir: v.GetString("catalog.cache_dir"),
			PageSize: v.GetInt("catalog.page_size"),
			Timeout:  v.GetDuration("catalog.timeout"),
		},
	}

	optimizer, err := training.ParseOptimizer(v.GetString("training.optimizer"))
	if err != nil {
		return Config{}, err
	}
	device, err := training.ParseDevice(v.GetString("training.device"))
	if err != nil {
		return Config{}, err
	}

	cfg.Training = training.Config{
		LearningRate:    v.GetFloat64("training.learning_rate"),
		Epochs:          v.GetInt("training.epochs"),
		BatchSize:       v.GetInt("training.batch_size"),
		ValidationSplit: v.GetFloat64("training.validation_split"),
		HiddenDims:      v.GetIntSlice("training.hidden_dims"),
		Dropout:         v.GetFloat64("training.dropout"),
		WeightDecay:     v.GetFloat64("training.weight_decay"),
		Optimizer:       optimizer,
		Loss:            training.LossBCE,
		EarlyStopping: training.EarlyStoppingConfig{
			Enabled:  v.GetBool("training.early_stopping.enabled"),
			Patience: v.GetInt("training.early_stopping.patience"),
			MinDelta: v.GetFloat64("training.early_stopping.min_delta"),
		},
		Device:    device,
		Seed:      v.GetUint64("training.seed"),
		OutputDir: v.GetString("output_dir"),
	}
	if cfg.ModelsDir == "" {
		return Config{}, fmt.Errorf("%w: models_dir is required", training.ErrInvalidConfig)
	}
	// Trained runs land next to the backbones unless output_dir is set.
	if cfg.Training.OutputDir == "" {
		cfg.Training.OutputDir = filepath.Join(cfg.ModelsDir, modelregistry.ModelTypeClassifier.DirName())
	}
	return cfg, nil
}
