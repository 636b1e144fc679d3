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

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/antflydb/tagtrain/lib/training"
)

// DatasetProgress returns a dataset progress sink that redraws one line.
func DatasetProgress(out io.Writer) func(processed, total int, message string) {
	return func(processed, total int, message string) {
		_, _ = fmt.Fprintf(out, "\r  [%d/%d] %-60s", processed, total, truncate(message, 60))
		if processed == total {
			_, _ = fmt.Fprintln(out)
		}
	}
}

// TrainingProgress returns a training progress sink that prints one line per
// epoch.
func TrainingProgress(out io.Writer) training.ProgressFunc {
	return func(p training.Progress) {
		_, _ = fmt.Fprintf(out, "  epoch %3d/%d  loss %.4f  val_loss %.4f  acc %.3f  val_acc %.3f  lr %.2g  %s\n",
			p.Epoch, p.TotalEpochs,
			p.TrainLoss, p.ValidationLoss,
			p.TrainAccuracy, p.ValidationAccuracy,
			p.LearningRate,
			p.Duration.Round(time.Millisecond))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// FormatTags renders predicted tags with their probabilities.
func FormatTags(tags []string, probs map[string]float32) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, fmt.Sprintf("%s (%.2f)", t, probs[t]))
	}
	return strings.Join(parts, ", ")
}
