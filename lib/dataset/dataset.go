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

// Package dataset assembles (features, labels) training samples from tagged
// images.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/antflydb/tagtrain/lib/vocab"
	"github.com/bytedance/sonic"
)

var (
	// ErrNoLabels is returned when the candidate items carry no usable tags.
	ErrNoLabels = errors.New("no labels found in item metadata")

	// ErrEmptyDataset is returned when no item produced a valid sample.
	ErrEmptyDataset = errors.New("dataset is empty")
)

// Sample is one training example.
type Sample struct {
	// ID is the position of the item in source order.
	ID       int
	FileName string
	FilePath string
	Features []float32
	Labels   []float32
}

// Dataset is an in-memory set of samples sharing one vocabulary.
type Dataset struct {
	Samples    []Sample
	FeatureDim int
	LabelDim   int
	Vocabulary *vocab.Vocabulary
	Summary    Summary
}

// Summary describes how a dataset was assembled. It is persisted next to a
// trained model as dataset_summary.json.
type Summary struct {
	Source             string        `json:"source,omitempty"`
	SampleCount        int           `json:"sample_count"`
	FeatureDim         int           `json:"feature_dimension"`
	LabelDim           int           `json:"label_dimension"`
	Candidates         int           `json:"candidates"`
	Included           int           `json:"included"`
	Excluded           int           `json:"excluded"`
	MetadataFailures   int           `json:"metadata_failures"`
	ExtractionFailures int           `json:"extraction_failures"`
	UnknownTerms       int           `json:"unknown_terms,omitempty"`
	Cancelled          bool          `json:"cancelled,omitempty"`
	ExtractedAt        time.Time     `json:"extracted_at"`
	Duration           time.Duration `json:"duration_ns"`
}

// String returns the one-line report shown to users.
func (s Summary) String() string {
	msg := fmt.Sprintf("%d samples included, %d excluded (%d metadata, %d extraction) of %d candidates; %d features, %d labels",
		s.Included, s.Excluded, s.MetadataFailures, s.ExtractionFailures, s.Candidates, s.FeatureDim, s.LabelDim)
	if s.Cancelled {
		msg += " (cancelled)"
	}
	return msg
}

// SummaryFilename is the name of the persisted summary inside a model directory.
const SummaryFilename = "dataset_summary.json"

// SaveTo writes the summary as indented JSON.
func (s Summary) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dataset summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing dataset summary: %w", err)
	}
	return nil
}

// LoadSummary reads a summary written by SaveTo.
func LoadSummary(path string) (Summary, error) {
	var s Summary
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading dataset summary: %w", err)
	}
	if err := sonic.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decoding dataset summary: %w", err)
	}
	return s, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// Validate checks that every sample has the dataset's dimensions.
func (d *Dataset) Validate() error {
	if d.Vocabulary != nil && d.Vocabulary.Size() != d.LabelDim {
		return fmt.Errorf("vocabulary has %d terms but label dimension is %d", d.Vocabulary.Size(), d.LabelDim)
	}
	for _, s := range d.Samples {
		if len(s.Features) != d.FeatureDim {
			return fmt.Errorf("sample %d has %d features, want %d", s.ID, len(s.Features), d.FeatureDim)
		}
		if len(s.Labels) != d.LabelDim {
			return fmt.Errorf("sample %d has %d labels, want %d", s.ID, len(s.Labels), d.LabelDim)
		}
	}
	return nil
}

// Shuffle permutes the samples deterministically for seed.
func (d *Dataset) Shuffle(seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(d.Samples), func(i, j int) {
		d.Samples[i], d.Samples[j] = d.Samples[j], d.Samples[i]
	})
}

// Split returns the leading training subset and the trailing validation
// subset. The validation size is round(len * fraction).
func (d *Dataset) Split(fraction float64) (train, validation []Sample) {
	n := len(d.Samples)
	nVal := int(math.Round(float64(n) * fraction))
	if nVal > n {
		nVal = n
	}
	return d.Samples[:n-nVal], d.Samples[n-nVal:]
}
