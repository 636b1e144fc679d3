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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/tagtrain/lib/backends"
	"github.com/bytedance/sonic"
)

// PreprocessorConfigFilename is the HuggingFace image preprocessing file
// shipped next to a backbone.
const PreprocessorConfigFilename = "preprocessor_config.json"

// rawPreprocessorConfig represents preprocessor_config.json
type rawPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	DoNormalize   *bool     `json:"do_normalize"`
	DoCenterCrop  *bool     `json:"do_center_crop"`
	DoRescale     *bool     `json:"do_rescale"`
	RescaleFactor float32   `json:"rescale_factor"`
	Size          any       `json:"size"`
	CropSize      any       `json:"crop_size"`
}

// LoadPreprocessorConfig builds the image config for the backbone in
// modelDir from its preprocessor_config.json. Missing fields keep their
// ImageNet defaults; a missing file returns the ImageNet config.
func LoadPreprocessorConfig(modelDir string) (*backends.ImageConfig, error) {
	cfg := backends.ImageNetConfig()

	data, err := os.ReadFile(filepath.Join(modelDir, PreprocessorConfigFilename))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", PreprocessorConfigFilename, err)
	}

	var raw rawPreprocessorConfig
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", PreprocessorConfigFilename, err)
	}

	if len(raw.ImageMean) == 3 {
		copy(cfg.Mean[:], raw.ImageMean)
	}
	if len(raw.ImageStd) == 3 {
		copy(cfg.Std[:], raw.ImageStd)
	}
	if raw.DoNormalize != nil && !*raw.DoNormalize {
		cfg.Mean = [3]float32{}
		cfg.Std = [3]float32{1, 1, 1}
	}
	if raw.RescaleFactor > 0 {
		cfg.RescaleFactor = raw.RescaleFactor
	}
	if raw.DoRescale != nil && !*raw.DoRescale {
		cfg.RescaleFactor = 1
	}
	if raw.DoCenterCrop != nil && !*raw.DoCenterCrop {
		cfg.Resize = backends.ResizeStretch
	}

	// crop_size is the network input; size is only the pre-crop resize.
	if w, h := extractImageSize(raw.CropSize); w > 0 {
		cfg.Width, cfg.Height = w, h
	} else if w, h := extractImageSize(raw.Size); w > 0 {
		cfg.Width, cfg.Height = w, h
	}
	return cfg, nil
}

// extractImageSize extracts a width and height from the JSON forms N,
// {"height": H, "width": W} and {"shortest_edge": N}.
func extractImageSize(v any) (width, height int) {
	switch val := v.(type) {
	case float64:
		return int(val), int(val)
	case map[string]any:
		h, hok := val["height"].(float64)
		w, wok := val["width"].(float64)
		if hok && wok {
			return int(w), int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se), int(se)
		}
	}
	return 0, 0
}
