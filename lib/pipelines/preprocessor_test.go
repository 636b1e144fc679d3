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

package pipelines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPreprocessorConfig(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, cfg *backends.ImageConfig)
	}{
		{
			name: "vit style",
			json: `{"do_normalize": true, "image_mean": [0.5, 0.5, 0.5], "image_std": [0.5, 0.5, 0.5], "rescale_factor": 0.00392156862745098, "size": {"height": 384, "width": 384}}`,
			check: func(t *testing.T, cfg *backends.ImageConfig) {
				assert.Equal(t, 384, cfg.Width)
				assert.Equal(t, 384, cfg.Height)
				assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, cfg.Mean)
				assert.Equal(t, backends.ResizeCropToFit, cfg.Resize)
			},
		},
		{
			name: "crop size wins over size",
			json: `{"size": {"shortest_edge": 256}, "crop_size": {"height": 224, "width": 224}}`,
			check: func(t *testing.T, cfg *backends.ImageConfig) {
				assert.Equal(t, 224, cfg.Width)
			},
		},
		{
			name: "no center crop",
			json: `{"do_center_crop": false, "size": 160}`,
			check: func(t *testing.T, cfg *backends.ImageConfig) {
				assert.Equal(t, 160, cfg.Width)
				assert.Equal(t, backends.ResizeStretch, cfg.Resize)
			},
		},
		{
			name: "normalization disabled",
			json: `{"do_normalize": false, "do_rescale": false}`,
			check: func(t *testing.T, cfg *backends.ImageConfig) {
				assert.Equal(t, [3]float32{1, 1, 1}, cfg.Std)
				assert.Equal(t, float32(1), cfg.RescaleFactor)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, PreprocessorConfigFilename), []byte(tt.json), 0o644))
			cfg, err := LoadPreprocessorConfig(dir)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadPreprocessorConfigDefaults(t *testing.T) {
	cfg, err := LoadPreprocessorConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, backends.ImageNetConfig(), cfg)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PreprocessorConfigFilename), []byte("{"), 0o644))
	_, err = LoadPreprocessorConfig(dir)
	assert.Error(t, err)
}
