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

import "github.com/prometheus/client_golang/prometheus"

var (
	datasetItemOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "dataset_item_ops_total",
			Help:      "The total number of candidate items processed, by outcome.",
		},
		[]string{"outcome"},
	)

	featureExtractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "feature_extraction_duration_seconds",
			Help:      "Time spent fetching and embedding one item.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	trainingRunOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "training_run_ops_total",
			Help:      "The total number of training runs, by final state.",
		},
		[]string{"state"},
	)

	trainingEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "training_epoch",
			Help:      "Last completed epoch of the current training run.",
		},
	)

	trainingLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "training_loss",
			Help:      "Loss of the last completed epoch.",
		},
		[]string{"split"}, // train, validation
	)

	trainingAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "training_accuracy",
			Help:      "Thresholded label accuracy of the last completed epoch.",
		},
		[]string{"split"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load models.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model", "model_type"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tagtrain",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(datasetItemOps)
	prometheus.MustRegister(featureExtractionDuration)
	prometheus.MustRegister(trainingRunOps)
	prometheus.MustRegister(trainingEpoch)
	prometheus.MustRegister(trainingLoss)
	prometheus.MustRegister(trainingAccuracy)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordDatasetItem counts one processed candidate and its extraction time
func RecordDatasetItem(outcome string, seconds float64) {
	datasetItemOps.WithLabelValues(outcome).Inc()
	featureExtractionDuration.Observe(seconds)
}

// RecordTrainingRun counts a finished training run
func RecordTrainingRun(state string) {
	trainingRunOps.WithLabelValues(state).Inc()
}

// RecordEpoch publishes the metrics of a completed epoch
func RecordEpoch(epoch int, trainLoss, validationLoss, trainAccuracy, validationAccuracy float64) {
	trainingEpoch.Set(float64(epoch))
	trainingLoss.WithLabelValues("train").Set(trainLoss)
	trainingLoss.WithLabelValues("validation").Set(validationLoss)
	trainingAccuracy.WithLabelValues("train").Set(trainAccuracy)
	trainingAccuracy.WithLabelValues("validation").Set(validationAccuracy)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model, modelType string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, modelType).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
