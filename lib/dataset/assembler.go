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

package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/antflydb/tagtrain/lib/features"
	"github.com/antflydb/tagtrain/lib/vocab"
	"go.uber.org/zap"
)

// ProgressFunc receives (processed, total, message) after every item.
type ProgressFunc func(processed, total int, message string)

// Outcome classifies what happened to one candidate item.
type Outcome string

const (
	OutcomeIncluded        Outcome = "included"
	OutcomeMetadataFailed  Outcome = "metadata_failed"
	OutcomeExtractFailed   Outcome = "extraction_failed"
	OutcomeDimensionFailed Outcome = "dimension_mismatch"
)

// BuildOptions configures one assembly run.
type BuildOptions struct {
	// MaxItems caps the number of candidates processed (0 = no cap).
	MaxItems int
	// Progress is called synchronously after every item.
	Progress ProgressFunc
	// OnItem observes the outcome and extraction time of every item.
	OnItem func(outcome Outcome, elapsed time.Duration)
	// Seed drives the one-time shuffle of the finished samples.
	Seed uint64
}

// Assembler turns an item source into a Dataset.
type Assembler struct {
	extractor features.Extractor
	logger    *zap.Logger
}

// NewAssembler creates an assembler that embeds images with extractor.
func NewAssembler(extractor features.Extractor, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{extractor: extractor, logger: logger}
}

// BuildDataset lists the source, builds the vocabulary over the capped
// candidates, then extracts and encodes each item in order. Items with
// unreadable metadata or without features are skipped with a warning.
//
// Cancellation is checked between items: the samples assembled so far are
// returned with Summary.Cancelled set and a nil error.
func (a *Assembler) BuildDataset(ctx context.Context, source ItemSource, opts BuildOptions) (*Dataset, error) {
	start := time.Now()

	items, err := source.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if opts.MaxItems > 0 && len(items) > opts.MaxItems {
		items = items[:opts.MaxItems]
	}

	summary := Summary{
		Source:      source.Describe(),
		Candidates:  len(items),
		ExtractedAt: start.UTC(),
	}

	tagSets := make([][]string, 0, len(items))
	for _, item := range items {
		if item.Err != nil {
			continue
		}
		tagSets = append(tagSets, item.Tags())
	}
	vocabulary := vocab.BuildVocabulary(tagSets)
	if vocabulary.Size() == 0 {
		return nil, fmt.Errorf("%w (%d candidates from %s)", ErrNoLabels, len(items), summary.Source)
	}
	encoder := vocab.NewEncoder(vocabulary)

	a.logger.Info("Assembling dataset",
		zap.String("source", summary.Source),
		zap.Int("candidates", len(items)),
		zap.Int("vocabulary", vocabulary.Size()))

	ds := &Dataset{
		FeatureDim: a.extractor.Dimension(),
		LabelDim:   vocabulary.Size(),
		Vocabulary: vocabulary,
	}
	resolver, _ := source.(PathResolver)

	for i, item := range items {
		if ctx.Err() != nil {
			summary.Cancelled = true
			a.logger.Info("Dataset assembly cancelled",
				zap.Int("processed", i),
				zap.Int("total", len(items)))
			break
		}

		itemStart := time.Now()
		outcome, msg := a.processItem(ctx, ds, encoder, resolver, i, item, &summary)
		if opts.OnItem != nil {
			opts.OnItem(outcome, time.Since(itemStart))
		}
		if opts.Progress != nil {
			opts.Progress(i+1, len(items), msg)
		}
	}

	summary.Included = len(ds.Samples)
	summary.Excluded = summary.MetadataFailures + summary.ExtractionFailures
	summary.SampleCount = len(ds.Samples)
	summary.FeatureDim = ds.FeatureDim
	summary.LabelDim = ds.LabelDim
	summary.Duration = time.Since(start)
	ds.Summary = summary

	if len(ds.Samples) == 0 && !summary.Cancelled {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, summary)
	}
	ds.Shuffle(opts.Seed)

	a.logger.Info("Dataset assembled", zap.String("summary", summary.String()))
	return ds, nil
}

func (a *Assembler) processItem(ctx context.Context, ds *Dataset, encoder *vocab.Encoder, resolver PathResolver, id int, item Item, summary *Summary) (Outcome, string) {
	if item.Err != nil {
		summary.MetadataFailures++
		a.logger.Warn("Skipping item with unreadable metadata",
			zap.String("item", item.Key),
			zap.Error(item.Err))
		return OutcomeMetadataFailed, "skipped " + item.FileName + ": metadata unreadable"
	}

	path := item.FilePath
	if resolver != nil {
		resolved, err := resolver.ResolvePath(ctx, item)
		if err != nil {
			summary.ExtractionFailures++
			a.logger.Warn("Skipping item that could not be fetched",
				zap.String("item", item.Key),
				zap.Error(err))
			return OutcomeExtractFailed, "skipped " + item.FileName + ": fetch failed"
		}
		path = resolved
	}

	vec, err := a.extractor.Extract(ctx, path)
	if err != nil {
		summary.ExtractionFailures++
		a.logger.Warn("Skipping item without features",
			zap.String("item", item.Key),
			zap.Error(err))
		return OutcomeExtractFailed, "skipped " + item.FileName + ": no features"
	}
	if ds.FeatureDim == 0 {
		ds.FeatureDim = len(vec)
	}
	if len(vec) != ds.FeatureDim {
		summary.ExtractionFailures++
		a.logger.Warn("Skipping item with mismatched feature dimension",
			zap.String("item", item.Key),
			zap.Int("got", len(vec)),
			zap.Int("want", ds.FeatureDim))
		return OutcomeDimensionFailed, "skipped " + item.FileName + ": feature dimension mismatch"
	}

	labels, unknown := encoder.Encode(item.Tags())
	if unknown > 0 {
		summary.UnknownTerms += unknown
		a.logger.Debug("Ignored terms outside the vocabulary",
			zap.String("item", item.Key),
			zap.Int("count", unknown))
	}

	ds.Samples = append(ds.Samples, Sample{
		ID:       id,
		FileName: item.FileName,
		FilePath: path,
		Features: vec,
		Labels:   labels,
	})
	return OutcomeIncluded, "processed " + item.FileName
}
